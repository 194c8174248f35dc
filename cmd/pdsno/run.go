package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pdsno/pdsno/internal/adapter"
	"github.com/pdsno/pdsno/internal/auth"
	"github.com/pdsno/pdsno/internal/bus"
	"github.com/pdsno/pdsno/internal/config"
	"github.com/pdsno/pdsno/internal/controller"
	"github.com/pdsno/pdsno/internal/discovery"
	"github.com/pdsno/pdsno/internal/envelope"
	"github.com/pdsno/pdsno/internal/metrics"
	"github.com/pdsno/pdsno/internal/nib"
	"github.com/pdsno/pdsno/internal/pubsub"
	"github.com/pdsno/pdsno/internal/ratelimit"
	"github.com/pdsno/pdsno/internal/transport/httpx"
)

func newRunCommand() *cobra.Command {
	var (
		ctype             string
		id                string
		region            string
		parent            string
		port              int
		mqttBroker        string
		enableTLS         bool
		certFile          string
		keyFile           string
		dbPath            string
		subnet            string
		iface             string
		discoveryInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a controller process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			// Flags override file and env values.
			applyFlag(cmd, "type", &cfg.ControllerType, ctype)
			applyFlag(cmd, "id", &cfg.ControllerID, id)
			applyFlag(cmd, "region", &cfg.Region, region)
			applyFlag(cmd, "parent", &cfg.ParentID, parent)
			applyFlag(cmd, "mqtt-broker", &cfg.MQTTBroker, mqttBroker)
			applyFlag(cmd, "cert", &cfg.CertFile, certFile)
			applyFlag(cmd, "key", &cfg.KeyFile, keyFile)
			applyFlag(cmd, "db", &cfg.DBPath, dbPath)
			applyFlag(cmd, "subnet", &cfg.Subnet, subnet)
			applyFlag(cmd, "interface", &cfg.Interface, iface)
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("enable-tls") {
				cfg.EnableTLS = enableTLS
			}
			if cmd.Flags().Changed("discovery-interval") {
				cfg.DiscoveryInterval = discoveryInterval
			}
			cfg.Debug = cfg.Debug || flagDebug

			if err := cfg.Validate(); err != nil {
				return usageErrorf("invalid configuration: %v", err)
			}
			return runController(cfg)
		},
	}

	cmd.Flags().StringVar(&ctype, "type", "", "controller type: global|regional|local")
	cmd.Flags().StringVar(&id, "id", "", "controller id")
	cmd.Flags().StringVar(&region, "region", "", "region (regional/local)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent controller id")
	cmd.Flags().IntVar(&port, "port", 8080, "http transport port")
	cmd.Flags().StringVar(&mqttBroker, "mqtt-broker", "", "mqtt broker url (tcp://host:1883)")
	cmd.Flags().BoolVar(&enableTLS, "enable-tls", false, "serve the transport over TLS")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")
	cmd.Flags().StringVar(&dbPath, "db", "", "NIB database path")
	cmd.Flags().StringVar(&subnet, "subnet", "", "discovery subnet CIDR (local)")
	cmd.Flags().StringVar(&iface, "interface", "", "discovery interface (local)")
	cmd.Flags().DurationVar(&discoveryInterval, "discovery-interval", 5*time.Minute, "discovery cycle interval")
	return cmd
}

func applyFlag(cmd *cobra.Command, name string, dst *string, val string) {
	if cmd.Flags().Changed(name) {
		*dst = val
	}
}

func runController(cfg *config.Config) error {
	log := newLogger(cfg.Debug)
	log.Info("starting controller",
		"type", cfg.ControllerType, "id", cfg.ControllerID, "version", version)
	metrics.Register(prometheus.DefaultRegisterer)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	db, err := nib.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sharedSecret := secretOrRandom(cfg.SharedSecret)
	store, err := nib.NewStore(nib.StoreConfig{
		Logger: log,
		DB:     db,
		Secret: sharedSecret,
	})
	if err != nil {
		return err
	}

	authenticator, err := auth.New(auth.Config{
		Logger:       log,
		ControllerID: cfg.ControllerID,
		Secret:       sharedSecret,
	})
	if err != nil {
		return err
	}
	defer authenticator.Close()

	b, err := bus.New(log,
		bus.WithSigner(authenticator.Sign),
		bus.WithVerifier(func(env *envelope.Envelope) error { return authenticator.Verify(env) }),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := httpx.NewServer(httpx.ServerConfig{
		Logger:       log,
		ControllerID: cfg.ControllerID,
		Addr:         cfg.ListenHostPort(),
		Sign:         authenticator.Sign,
		Verify:       func(env *envelope.Envelope) error { return authenticator.Verify(env) },
	})
	if err != nil {
		return err
	}

	var teardown func()
	switch cfg.ControllerType {
	case "global":
		teardown, err = startGlobal(ctx, cfg, log, store, b, sharedSecret)
	case "regional":
		teardown, err = startRegional(ctx, cfg, log, store, b, sharedSecret)
	case "local":
		teardown, err = startLocal(ctx, cfg, log, store, b, sharedSecret)
	}
	if err != nil {
		return err
	}
	if teardown != nil {
		defer teardown()
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.EnableTLS {
			errCh <- server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func startGlobal(ctx context.Context, cfg *config.Config, log *slog.Logger, store *nib.Store, b *bus.Bus, sharedSecret []byte) (func(), error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewAuthLimiter(log, nil, 60, 10, 5, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	g, err := controller.NewGlobal(controller.GlobalConfig{
		Logger:          log,
		ID:              cfg.ControllerID,
		Store:           store,
		Bus:             b,
		BootstrapSecret: secretOrRandom(cfg.BootstrapSecret),
		SigningKey:      key,
		SharedSecret:    sharedSecret,
		AllowedRegions:  cfg.AllowedRegions,
		RegionQuota:     cfg.RegionQuota,
		AuthLimiter:     limiter,
	})
	if err != nil {
		return nil, err
	}
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	return g.Stop, nil
}

func startRegional(ctx context.Context, cfg *config.Config, log *slog.Logger, store *nib.Store, b *bus.Bus, sharedSecret []byte) (func(), error) {
	ps, err := pubsub.New(log)
	if err != nil {
		return nil, err
	}
	r, err := controller.NewRegional(controller.RegionalConfig{
		Logger:          log,
		ID:              cfg.ControllerID,
		Region:          cfg.Region,
		Store:           store,
		Bus:             b,
		PubSub:          ps,
		GlobalID:        cfg.ParentID,
		BootstrapSecret: secretOrRandom(cfg.BootstrapSecret),
		SharedSecret:    sharedSecret,
		RegionQuota:     cfg.RegionQuota,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	return r.Stop, nil
}

func startLocal(ctx context.Context, cfg *config.Config, log *slog.Logger, store *nib.Store, b *bus.Bus, sharedSecret []byte) (func(), error) {
	arp, err := discovery.NewPcapARPScanner(log, cfg.Interface, 3*time.Second)
	if err != nil {
		return nil, err
	}
	icmp, err := discovery.NewProBingScanner(log, 1, 2*time.Second, true)
	if err != nil {
		return nil, err
	}
	snmp, err := discovery.NewGoSNMPScanner(log, cfg.SNMPCommunity, 2*time.Second)
	if err != nil {
		return nil, err
	}

	var mqttBridge *pubsub.MQTTBridge
	if cfg.MQTTBroker != "" {
		mqttBridge, err = pubsub.NewMQTTBridge(pubsub.MQTTConfig{
			Logger:       log,
			ControllerID: cfg.ControllerID,
			BrokerURL:    cfg.MQTTBroker,
		})
		if err != nil {
			return nil, err
		}
		if err := mqttBridge.Connect(); err != nil {
			log.Warn("mqtt broker unreachable, continuing on unicast only", "error", err)
			mqttBridge = nil
		}
	}

	l, err := controller.NewLocal(controller.LocalConfig{
		Logger:            log,
		ID:                cfg.ControllerID,
		Region:            cfg.Region,
		Store:             store,
		Bus:               b,
		MQTT:              mqttBridge,
		ParentID:          cfg.ParentID,
		SharedSecret:      sharedSecret,
		Subnet:            cfg.Subnet,
		DiscoveryInterval: cfg.DiscoveryInterval,
		ARP:               arp,
		ICMP:              icmp,
		SNMP:              snmp,
		Adapters: func(device *nib.Device) adapter.Adapter {
			// Vendor drivers are provided by deployments; the in-memory
			// fake keeps dry runs working out of the box.
			return &adapter.Fake{}
		},
	})
	if err != nil {
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		return nil, err
	}

	go func() {
		if err := l.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("discovery loop exited", "error", err)
		}
	}()

	teardown := func() {
		l.Stop()
		if mqttBridge != nil {
			mqttBridge.Disconnect()
		}
	}
	return teardown, nil
}

func secretOrRandom(s string) []byte {
	if s != "" {
		return []byte(s)
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return buf
}

func signingKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return priv, nil
}
