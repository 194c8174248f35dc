package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pdsno/pdsno/internal/admission"
	"github.com/pdsno/pdsno/internal/nib"
	"github.com/pdsno/pdsno/internal/transport/httpx"
)

func newInitDBCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create the NIB schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(flagDebug)
			db, err := nib.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			// Schema creation does not sign events; any secret satisfies
			// the store constructor.
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			store, err := nib.NewStore(nib.StoreConfig{
				Logger: log,
				DB:     db,
				Secret: secret,
			})
			if err != nil {
				return err
			}
			if err := store.InitSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info("nib schema initialized", "path", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "pdsno.db", "NIB database path")
	return cmd
}

func newHealthCheckCommand() *cobra.Command {
	var (
		targets []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Probe controller health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(targets) == 0 {
				return usageErrorf("at least one --target is required")
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Target", "Status", "Controller", "Timestamp"})

			failures := 0
			for _, target := range targets {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				client, err := httpx.NewClient(target)
				if err != nil {
					cancel()
					return err
				}
				health, err := client.Health(ctx)
				cancel()
				if err != nil {
					failures++
					table.Append([]string{target, "unreachable", "-", "-"})
					continue
				}
				table.Append([]string{
					target, health["status"], health["controller_id"], health["timestamp"],
				})
			}
			table.Render()
			if failures > 0 {
				return fmt.Errorf("%d of %d targets unhealthy", failures, len(targets))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "controller base URL (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-target timeout")
	return cmd
}

func newGenBootstrapTokenCommand() *cobra.Command {
	var (
		secretHex string
		tempID    string
		region    string
		ctype     string
	)
	cmd := &cobra.Command{
		Use:   "gen-bootstrap-token",
		Short: "Derive the bootstrap token for a candidate controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tempID == "" || region == "" || ctype == "" {
				return usageErrorf("--temp-id, --region and --type are required")
			}
			secret := []byte(secretHex)
			if decoded, err := hex.DecodeString(secretHex); err == nil && len(decoded) >= 32 {
				secret = decoded
			}
			if len(secret) < 32 {
				return usageErrorf("bootstrap secret must be at least 32 bytes")
			}
			fmt.Println(admission.ComputeBootstrapToken(secret, tempID, region, ctype))
			return nil
		},
	}
	cmd.Flags().StringVar(&secretHex, "secret", "", "bootstrap secret (raw or hex)")
	cmd.Flags().StringVar(&tempID, "temp-id", "", "candidate temporary id")
	cmd.Flags().StringVar(&region, "region", "", "candidate region")
	cmd.Flags().StringVar(&ctype, "type", "", "candidate type: regional|local")
	return cmd
}
