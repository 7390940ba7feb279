package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/internal/bridge/adapters"
	"github.com/nmxmxh/ovasabi-bridge/internal/config"
	"github.com/nmxmxh/ovasabi-bridge/internal/pipeline"
	"github.com/nmxmxh/ovasabi-bridge/pkg/logger"
	"github.com/nmxmxh/ovasabi-bridge/pkg/tracing"
)

const tracerName = "github.com/nmxmxh/ovasabi-bridge"

// Dependencies is the process-wide wiring shared by every integration.
type Dependencies struct {
	Logger          *zap.Logger
	Prometheus      *prometheus.Registry
	Metrics         *bridge.Metrics
	Registry        *bridge.Registry
	Service         bridge.ServiceConfig
	ShutdownTracing tracing.ShutdownFunc
}

// Initialize builds the logger, metrics registry, tracer provider and an
// empty adapter registry from cfg.
func Initialize(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
		Version:     cfg.AppVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Dependencies{
		Logger:     log,
		Prometheus: reg,
		Metrics:    bridge.NewMetrics(reg),
		Registry:   bridge.NewRegistry(log),
		Service: bridge.ServiceConfig{
			Name:        cfg.AppName,
			Version:     cfg.AppVersion,
			Environment: cfg.AppEnv,
		},
		ShutdownTracing: shutdown,
	}, nil
}

// RegisterIntegrations builds an adapter per enabled entry and registers it.
// A broken entry is reported and skipped; the others are still registered.
func (d *Dependencies) RegisterIntegrations(list []config.Integration) error {
	var errs []error
	for _, in := range list {
		if !in.IsEnabled() {
			d.Logger.Info("Integration disabled, skipping", zap.String("integration_id", in.ID))
			continue
		}
		transformer, validator, err := pipeline.Build(in.Pipeline)
		if err != nil {
			errs = append(errs, fmt.Errorf("integration %s: pipeline: %w", in.ID, err))
			continue
		}
		a, err := adapters.New(in.IntegrationConfig, bridge.Deps{
			Transformer: transformer,
			Validator:   validator,
			Logger:      d.Logger,
			Metrics:     d.Metrics,
			Tracer:      otel.Tracer(tracerName),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Registry.Register(a); err != nil {
			errs = append(errs, err)
			continue
		}
		d.Logger.Info("Integration registered",
			zap.String("integration_id", in.ID),
			zap.String("integration_type", in.Type))
	}
	return errors.Join(errs...)
}

// Container returns the health and metrics server for the registry.
func (d *Dependencies) Container(addr string) *bridge.Container {
	return bridge.NewContainer(d.Registry, d.Prometheus, d.Service, addr, d.Logger)
}
