// Command relay-gateway runs the session-terminating gateway: it accepts
// WebSocket connections, enforces the login exclusion policies, and
// delivers frames arriving from the broker fabric.
//
// Start the server:
//
//	relay-gateway serve --config relay.yaml
//
// The binary serves one protocol variant per process, selected by
// gateway.variant in the configuration: "binary" consumes the node's
// exclusive AMQP queue, "json" bridges per-user MQTT topics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/broker"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/kv"
	"github.com/haasonsaas/relay/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay-gateway",
		Short:        "Relay gateway - WebSocket session termination and fan-in delivery",
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
		Short: "Start the gateway server",
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
	if err := cfg.ValidateGateway(); err != nil {
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

	kvClient, err := kv.Connect(ctx, kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	srv := gateway.New(cfg.Gateway, gateway.Options{
		Logger:  log,
		Metrics: metrics,
		JWT:     auth.NewJWTService(cfg.Auth.JWTSecret),
		Store:   kvClient,
		MQTT: broker.MQTTConfig{
			BrokerURL: fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		},
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	// The binary variant receives its traffic over the node's exclusive
	// AMQP queue; the JSON variant subscribes per session instead.
	consumerErr := make(chan error, 1)
	if cfg.Gateway.Variant == "binary" {
		consumer, err := broker.NewConsumer(broker.ConsumerConfig{
			URL:   cfg.AMQP.URL,
			Queue: cfg.Gateway.BrokerID,
		}, srv.BrokerHandler(), log, metrics)
		if err != nil {
			return err
		}
		go func() { consumerErr <- consumer.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown signal received")
	case err := <-consumerErr:
		if errors.Is(err, broker.ErrBrokerIDTaken) {
			// another node owns this broker id; exiting loudly beats
			// silently splitting the user's traffic
			log.Error(context.Background(), "broker id conflict, refusing to serve", "error", err)
			_ = srv.Shutdown(context.Background())
			return err
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error(context.Background(), "consumer stopped", "error", err)
			_ = srv.Shutdown(context.Background())
			return err
		}
	}

	return srv.Shutdown(context.Background())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
