package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry tracks the live adapters of one process. It is constructed
// explicitly and handed to whoever needs it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{adapters: make(map[string]Adapter), log: log}
}

// Register adds an adapter. A second adapter with the same id is rejected.
// The adapter deregisters itself when it shuts down.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	if _, exists := r.adapters[id]; exists {
		return NewError(ErrorConfiguration, id, "adapter already registered", ErrAdapterExists)
	}
	r.adapters[id] = a
	a.OnShutdown(func() { r.Deregister(id) })
	r.log.Info("Adapter registered", zap.String("integration_id", id), zap.String("integration_type", a.Type()))
	return nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Deregister removes id. Unknown ids are ignored.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; !ok {
		return
	}
	delete(r.adapters, id)
	r.log.Info("Adapter deregistered", zap.String("integration_id", id))
}

// List returns the registered adapters ordered by id.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StartAll initializes and starts every adapter. A failing adapter does not
// stop the others; all failures are joined into the returned error.
func (r *Registry) StartAll(ctx context.Context, svc ServiceConfig) error {
	var errs []error
	for _, a := range r.List() {
		if err := a.Initialize(ctx, svc); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
			errs = append(errs, fmt.Errorf("initialize %s: %w", a.ID(), err))
			continue
		}
		if err := a.Start(ctx); err != nil {
			r.log.Warn("Adapter failed to start", zap.String("integration_id", a.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("start %s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownAll shuts every adapter down. Each one deregisters itself.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.List() {
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Health collects the health record of every adapter keyed by id.
func (r *Registry) Health(ctx context.Context) map[string]HealthResult {
	adapters := r.List()
	out := make(map[string]HealthResult, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			h := a.Health(ctx)
			mu.Lock()
			out[a.ID()] = h
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}
