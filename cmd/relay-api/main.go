// Command relay-api runs the fan-out REST process: message sends,
// history, read receipts, and the subscription registry.
//
// Start the server:
//
//	relay-api serve --config relay.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/api"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/registry"
	"github.com/haasonsaas/relay/internal/storage"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// pruneSpec schedules the hourly subscription cleanup.
const pruneSpec = "@hourly"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay-api",
		Short:        "Relay API - message fan-out and subscription registry",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fan-out API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func serve(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(&storage.Config{
		DSN:             cfg.MySQL.DSN,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer store.Close()
	store.WithLogger(log)

	kvClient, err := kv.Connect(ctx, kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	publisher, err := broker.NewMQTTPublisher(broker.MQTTConfig{
		BrokerURL: fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
	}, log)
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	defer publisher.Close()

	nodes, err := broker.NewPublisher(cfg.AMQP.URL, "", log)
	if err != nil {
		return fmt.Errorf("connect amqp: %w", err)
	}
	defer nodes.Close()

	reg := registry.New(store, cfg.API.SubscriptionWindowHours, log)
	pruner, err := reg.StartPruner(pruneSpec)
	if err != nil {
		return fmt.Errorf("start subscription pruner: %w", err)
	}
	defer pruner.Stop()

	srv := api.New(cfg.API, api.Options{
		Logger:        log,
		Metrics:       metrics,
		JWT:           auth.NewJWTService(cfg.Auth.JWTSecret),
		Store:         store,
		KV:            kvClient,
		Resolver:      identity.NewResolver(store, kvClient),
		Subscriptions: reg,
		Publisher:     publisher,
		Nodes:         nodes,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutdown signal received")
	return srv.Shutdown(context.Background())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
