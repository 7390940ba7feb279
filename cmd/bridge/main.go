// Package main runs the integration bridge: it loads the integrations file,
// starts every adapter and serves health and metrics until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bootstrap"
	"github.com/nmxmxh/ovasabi-bridge/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	deps, err := bootstrap.Initialize(ctx, cfg)
	if err != nil {
		return err
	}
	log := deps.Logger
	defer func() {
		_ = log.Sync()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deps.ShutdownTracing(shutdownCtx); err != nil {
			log.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}()

	integrations, err := config.LoadIntegrations(cfg.BridgeConfig)
	if err != nil {
		return err
	}
	if err := deps.RegisterIntegrations(integrations); err != nil {
		log.Warn("Some integrations were not registered", zap.Error(err))
	}
	log.Info("Starting bridge",
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Int("integrations", len(deps.Registry.List())))

	if err := deps.Container(cfg.MetricsAddr).Run(ctx); err != nil {
		return fmt.Errorf("container: %w", err)
	}
	log.Info("Bridge stopped")
	return nil
}
