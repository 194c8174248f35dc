// Command pdsno runs a PDSNO controller (global, regional, or local) and
// its operational helpers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	// .env is optional; flags and PDSNO_* env vars win.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "pdsno",
		Short:         "Partially-distributed SDN orchestrator",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	root.AddCommand(
		newRunCommand(),
		newInitDBCommand(),
		newHealthCheckCommand(),
		newGenBootstrapTokenCommand(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		if isUsageError(err) || strings.HasPrefix(err.Error(), "unknown command") {
			os.Exit(exitUsage)
		}
		os.Exit(exitFailure)
	}
	os.Exit(exitOK)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

type usageError struct{ error }

func isUsageError(err error) bool {
	_, ok := err.(usageError)
	return ok
}

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}
