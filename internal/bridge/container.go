package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

const (
	healthRequestTimeout = 15 * time.Second
	shutdownGrace        = 10 * time.Second
)

// AggregateHealth is the body served on /healthz.
type AggregateHealth struct {
	Status       ServiceStatus           `json:"status"`
	Service      string                  `json:"service"`
	Version      string                  `json:"version"`
	Timestamp    time.Time               `json:"timestamp"`
	Integrations map[string]HealthResult `json:"integrations"`
}

// Container runs the registered adapters and serves the health and metrics
// endpoints until its context is cancelled.
type Container struct {
	registry *Registry
	gatherer prometheus.Gatherer
	svc      ServiceConfig
	addr     string
	log      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewContainer creates a container serving on addr.
func NewContainer(registry *Registry, gatherer prometheus.Gatherer, svc ServiceConfig, addr string, log *zap.Logger) *Container {
	if log == nil {
		log = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Container{registry: registry, gatherer: gatherer, svc: svc, addr: addr, log: log}
}

// Handler returns the HTTP mux with /healthz and /metrics.
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.serveHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Addr returns the bound listen address once Run has started listening.
func (c *Container) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Run starts every adapter, serves the endpoints and blocks until ctx is
// done. Adapters that fail to start are logged and keep their ERROR status;
// the container keeps running.
func (c *Container) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	srv := &http.Server{
		Handler:      c.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: healthRequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	c.log.Info("Bridge container serving", zap.String("addr", ln.Addr().String()))

	if err := c.registry.StartAll(ctx, c.svc); err != nil {
		c.log.Warn("Some adapters failed to start", zap.Error(err))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}

	c.log.Info("Bridge container shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := c.registry.ShutdownAll(shutdownCtx); err != nil {
		c.log.Warn("Failed to shut down adapters cleanly", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("Failed to stop health endpoint", zap.Error(err))
	}
	c.log.Info("Bridge container stopped")
	return runErr
}

func (c *Container) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthRequestTimeout)
	defer cancel()

	results := c.registry.Health(ctx)
	agg := AggregateHealth{
		Status:       aggregateStatus(results),
		Service:      c.svc.Name,
		Version:      c.svc.Version,
		Timestamp:    time.Now().UTC(),
		Integrations: results,
	}
	code := http.StatusOK
	if agg.Status == ServiceError || agg.Status == ServiceOffline {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(agg); err != nil {
		c.log.Warn("Failed to write health response", zap.Error(err))
	}
}

// aggregateStatus reduces per-adapter health to the worst status.
func aggregateStatus(results map[string]HealthResult) ServiceStatus {
	rank := map[ServiceStatus]int{
		ServiceReady:        0,
		ServiceInitializing: 1,
		ServiceDegraded:     2,
		ServiceOffline:      3,
		ServiceError:        4,
	}
	worst := ServiceReady
	for _, h := range results {
		if rank[h.Status] > rank[worst] {
			worst = h.Status
		}
	}
	return worst
}
