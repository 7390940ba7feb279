package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/pkg/logger"
)

const (
	tracerName       = "github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	eventBufferSize  = 16
	retryTimerName   = "reconnect"
	healthTimerName  = "connection"
	maxHealthTimeout = 10 * time.Second
)

// Deps are the collaborators injected into every adapter.
type Deps struct {
	Transformer Transformer
	Validator   Validator
	Logger      *zap.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer
}

// Base is the protocol-independent core of an adapter: connection state
// machine, reconnect policy, health checks, subscription registry and the
// outbound pipeline. Protocol adapters embed *Base and supply a Driver.
type Base struct {
	cfg         IntegrationConfig
	driver      Driver
	log         *zap.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	transformer Transformer
	validator   Validator

	sched  *Scheduler
	subs   *subscriptionSet
	events chan TransportEvent

	ctx       context.Context
	cancel    context.CancelFunc
	loopOnce  sync.Once
	hookOnce  sync.Once
	loopDone  chan struct{}
	loopStart bool

	mu                 sync.Mutex
	svc                ServiceConfig
	initialized        bool
	stopped            bool
	status             ConnectionStatus
	inFlight           bool
	opening            chan struct{}
	explicitDisconnect bool
	needsCleanup       bool
	exhausted          bool
	generation         uint64
	retryCount         int
	backoff            *backoff.ExponentialBackOff
	lastErr            *IntegrationError
	connectTimeout     time.Duration
	hooks              []func()
}

var _ Adapter = (*Base)(nil)

// NewBase validates cfg, applies defaults and wires the driver.
func NewBase(cfg IntegrationConfig, driver Driver, deps Deps) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, NewError(ErrorConfiguration, cfg.ID, "driver is required", nil)
	}
	cfg = cfg.WithDefaults()

	log := logger.ForIntegration(deps.Logger, cfg.ID, cfg.Type)
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	transformer := deps.Transformer
	if transformer == nil {
		transformer = TransformFunc(func(_ context.Context, data interface{}) (interface{}, error) { return data, nil })
	}
	validator := deps.Validator
	if validator == nil {
		validator = ValidateFunc(func(context.Context, interface{}) error { return nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Base{
		cfg:            cfg,
		driver:         driver,
		log:            log,
		metrics:        deps.Metrics,
		tracer:         tracer,
		transformer:    transformer,
		validator:      validator,
		sched:          NewScheduler(log),
		subs:           newSubscriptionSet(),
		events:         make(chan TransportEvent, eventBufferSize),
		ctx:            ctx,
		cancel:         cancel,
		loopDone:       make(chan struct{}),
		status:         StatusDisconnected,
		backoff:        newBackOff(*cfg.Retry),
		connectTimeout: defaultConnectTimeout,
	}, nil
}

// SetConnectTimeout bounds each Open call. Adapters call it from their
// constructor.
func (b *Base) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.connectTimeout = d
	b.mu.Unlock()
}

// ID returns the integration id.
func (b *Base) ID() string { return b.cfg.ID }

// Type returns the integration type.
func (b *Base) Type() string { return b.cfg.Type }

// Config returns the defaulted configuration.
func (b *Base) Config() IntegrationConfig { return b.cfg }

func (b *Base) Logger() *zap.Logger { return b.log }

func (b *Base) Scheduler() *Scheduler { return b.sched }

func (b *Base) Metrics() *Metrics { return b.metrics }

// Context is cancelled when the adapter shuts down.
func (b *Base) Context() context.Context { return b.ctx }

func (b *Base) SubscriptionCount() int { return b.subs.len() }

// OnShutdown registers a hook run once by Shutdown.
func (b *Base) OnShutdown(hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

func (b *Base) RetryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryCount
}

func (b *Base) ServiceInfo() ServiceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.svc
}

func (b *Base) Status() ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) LastError() *IntegrationError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Initialize runs driver setup, starts the transport event loop and arms the
// health check. The adapter is idle (READY) afterwards, not connected.
func (b *Base) Initialize(ctx context.Context, svc ServiceConfig) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return NewError(ErrorConfiguration, b.cfg.ID, "initialize called twice", ErrAlreadyInitialized)
	}
	b.mu.Unlock()

	if err := b.driver.Setup(ctx); err != nil {
		ie := AsIntegrationError(err, ErrorConfiguration, b.cfg.ID, "adapter setup failed")
		b.RecordError(ie)
		return ie
	}

	b.mu.Lock()
	b.svc = svc
	b.initialized = true
	b.stopped = false
	b.armHealthLocked()
	b.mu.Unlock()

	b.loopOnce.Do(func() {
		b.mu.Lock()
		b.loopStart = true
		b.mu.Unlock()
		go b.runEvents()
	})
	b.log.Info("Integration initialized",
		zap.String("name", b.cfg.Name),
		zap.Bool("health_check", b.cfg.HealthCheck.Enabled))
	return nil
}

// Start connects the adapter. Connection failures propagate to the caller.
func (b *Base) Start(ctx context.Context) error {
	return b.Connect(ctx)
}

// Stop cancels every pending timer, releases subscriptions and disconnects.
// Stopping a stopped adapter does nothing.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.sched.CancelAll()
	b.mu.Unlock()

	for _, sub := range b.subs.clear() {
		if err := b.driver.Release(ctx, sub); err != nil {
			b.log.Warn("Failed to release subscription on stop",
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		}
	}
	if err := b.Disconnect(ctx); err != nil {
		return err
	}
	b.log.Info("Integration stopped")
	return nil
}

// Shutdown stops the adapter, ends its event loop and runs shutdown hooks.
func (b *Base) Shutdown(ctx context.Context) error {
	err := b.Stop(ctx)
	b.cancel()
	b.mu.Lock()
	started := b.loopStart
	b.mu.Unlock()
	if started {
		select {
		case <-b.loopDone:
		case <-ctx.Done():
		}
	}
	b.hookOnce.Do(func() {
		b.mu.Lock()
		hooks := append([]func(){}, b.hooks...)
		b.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})
	return err
}

// Connect opens the transport. A call while a connect or reconnect is in
// flight is a no-op. Explicit connects are not retried automatically.
func (b *Base) Connect(ctx context.Context) error {
	b.mu.Lock()
	for {
		if !b.initialized {
			b.mu.Unlock()
			return NewError(ErrorConfiguration, b.cfg.ID, "connect before initialize", ErrNotInitialized)
		}
		if b.inFlight || b.status == StatusConnecting || b.status == StatusReconnecting {
			b.mu.Unlock()
			b.log.Debug("Connect ignored, attempt already in flight")
			return nil
		}
		if b.status == StatusConnected {
			b.mu.Unlock()
			return nil
		}
		if b.opening == nil {
			break
		}
		// A discarded attempt is still inside the driver. It closes its own
		// transport when it returns.
		if err := b.awaitOpenLocked(ctx); err != nil {
			b.mu.Unlock()
			return NewError(ErrorConnection, b.cfg.ID, "waiting for a discarded connect attempt", err)
		}
	}
	b.inFlight = true
	b.explicitDisconnect = false
	b.stopped = false
	b.exhausted = false
	b.retryCount = 0
	b.backoff.Reset()
	gen := b.generation
	cleanup := b.needsCleanup
	timeout := b.connectTimeout
	release := b.beginOpenLocked()
	defer release()
	b.setStatusLocked(StatusConnecting)
	b.mu.Unlock()

	ctx, span := b.tracer.Start(ctx, "integration.connect", trace.WithAttributes(
		attribute.String("integration.id", b.cfg.ID),
		attribute.String("integration.type", b.cfg.Type),
	))
	defer span.End()

	err := b.open(ctx, timeout, cleanup)

	b.mu.Lock()
	b.inFlight = false
	if gen != b.generation {
		b.mu.Unlock()
		if err == nil {
			b.closeQuietly(ctx)
		}
		return NewError(ErrorConnection, b.cfg.ID, "connect superseded by disconnect", nil)
	}
	if err != nil {
		ie := AsIntegrationError(err, ErrorConnection, b.cfg.ID, "connect failed")
		b.needsCleanup = true
		b.setStatusLocked(StatusError)
		b.setErrorLocked(ie)
		b.mu.Unlock()
		span.RecordError(ie)
		span.SetStatus(codes.Error, ie.Message)
		return ie
	}
	b.onConnectedLocked()
	b.mu.Unlock()
	b.log.Info("Integration connected")
	return nil
}

// Disconnect closes the transport on caller request. Pending timers are
// cancelled, in-flight attempts are discarded and no automatic reconnect
// follows.
func (b *Base) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.explicitDisconnect = true
	b.generation++
	b.inFlight = false
	b.sched.CancelAll()
	if b.status == StatusDisconnected && !b.needsCleanup {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.driver.Close(ctx); err != nil {
		b.log.Warn("Transport close reported an error", zap.Error(err))
	}

	b.mu.Lock()
	b.needsCleanup = false
	b.setStatusLocked(StatusDisconnected)
	b.mu.Unlock()
	b.log.Info("Integration disconnected")
	return nil
}

// Reconnect schedules a reconnection attempt following the retry policy. It
// returns immediately; a call while an attempt is pending is a no-op.
func (b *Base) Reconnect(_ context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return
	}
	b.explicitDisconnect = false
	b.stopped = false
	if b.exhausted {
		b.exhausted = false
		b.retryCount = 0
		b.backoff.Reset()
	}
	b.beginReconnectLocked()
}

// triggerReconnect is the entry point for automatic triggers. It honours an
// explicit disconnect or stop.
func (b *Base) triggerReconnect(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized || b.stopped || b.explicitDisconnect || b.exhausted {
		b.log.Debug("Automatic reconnect suppressed", zap.String("reason", reason))
		return
	}
	b.log.Info("Automatic reconnect triggered", zap.String("reason", reason))
	b.beginReconnectLocked()
}

func (b *Base) beginReconnectLocked() {
	if b.inFlight || b.status == StatusConnecting || b.status == StatusReconnecting {
		return
	}
	b.inFlight = true
	if b.status != StatusDisconnected {
		b.needsCleanup = true
	}
	b.scheduleRetryLocked()
}

func (b *Base) scheduleRetryLocked() {
	b.retryCount++
	if max := b.cfg.Retry.MaxRetries; max > 0 && b.retryCount > max {
		b.inFlight = false
		b.exhausted = true
		ie := NewError(ErrorConnection, b.cfg.ID,
			fmt.Sprintf("retry limit exceeded (%d attempts)", max), ErrRetryLimitExceeded)
		b.setStatusLocked(StatusError)
		b.setErrorLocked(ie)
		return
	}
	delay := b.backoff.NextBackOff()
	gen := b.generation
	attempt := b.retryCount
	b.setStatusLocked(StatusReconnecting)
	b.metrics.reconnectAttempt(b.cfg.ID, b.cfg.Type)
	b.log.Info("Scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	b.sched.After(TimerRetry, retryTimerName, delay, func() {
		b.attemptReconnect(gen, attempt)
	})
}

func (b *Base) attemptReconnect(gen uint64, attempt int) {
	b.mu.Lock()
	for b.opening != nil {
		if err := b.awaitOpenLocked(b.ctx); err != nil {
			b.mu.Unlock()
			return
		}
	}
	if gen != b.generation || b.stopped {
		b.mu.Unlock()
		return
	}
	cleanup := b.needsCleanup
	timeout := b.connectTimeout
	release := b.beginOpenLocked()
	defer release()
	b.mu.Unlock()

	err := b.open(b.ctx, timeout, cleanup)

	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		if err == nil {
			b.closeQuietly(b.ctx)
		}
		return
	}
	if err == nil {
		b.inFlight = false
		b.onConnectedLocked()
		b.mu.Unlock()
		b.log.Info("Integration reconnected", zap.Int("attempt", attempt))
		return
	}
	ie := AsIntegrationError(err, ErrorConnection, b.cfg.ID, "reconnect attempt failed").
		WithContext(map[string]interface{}{"attempt": attempt})
	b.needsCleanup = true
	b.setErrorLocked(ie)
	b.scheduleRetryLocked()
	b.mu.Unlock()
}

// beginOpenLocked marks a driver Open as running. Disconnect does not clear
// the mark; the returned release does, once the attempt's result has been
// applied or its transport closed. release must be called without b.mu held.
func (b *Base) beginOpenLocked() (release func()) {
	done := make(chan struct{})
	b.opening = done
	return func() {
		b.mu.Lock()
		if b.opening == done {
			b.opening = nil
		}
		b.mu.Unlock()
		close(done)
	}
}

// awaitOpenLocked waits for the running driver Open to finish. b.mu is
// released while waiting and held again on return.
func (b *Base) awaitOpenLocked(ctx context.Context) error {
	done := b.opening
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Base) open(ctx context.Context, timeout time.Duration, cleanup bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if cleanup {
		if err := b.driver.Close(ctx); err != nil {
			b.log.Debug("Cleanup before connect failed", zap.Error(err))
		}
	}
	return b.driver.Open(ctx)
}

func (b *Base) closeQuietly(ctx context.Context) {
	if err := b.driver.Close(ctx); err != nil {
		b.log.Debug("Discarded connection close failed", zap.Error(err))
	}
}

func (b *Base) onConnectedLocked() {
	b.retryCount = 0
	b.exhausted = false
	b.backoff.Reset()
	b.lastErr = nil
	b.needsCleanup = false
	b.setStatusLocked(StatusConnected)
	b.armHealthLocked()
}

func (b *Base) setStatusLocked(s ConnectionStatus) {
	if b.status == s {
		return
	}
	prev := b.status
	b.status = s
	b.metrics.setStatus(b.cfg.ID, b.cfg.Type, s)
	b.log.Info("Connection status changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
}

func (b *Base) setErrorLocked(ie *IntegrationError) {
	b.lastErr = ie
	b.metrics.errored(b.cfg.ID, b.cfg.Type, ie.Type)
	b.log.Error("Integration error",
		zap.String("error_type", string(ie.Type)),
		zap.String("message", ie.Message),
		zap.Error(ie.Err))
}

// RecordError stores ie in the last-error slot and logs it.
func (b *Base) RecordError(ie *IntegrationError) {
	if ie == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setErrorLocked(ie)
}

// Emit hands a transport event to the adapter's event loop. It never blocks;
// when the buffer is full the event is dropped and logged.
func (b *Base) Emit(ev TransportEvent) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("Transport event dropped, buffer full", zap.Stringer("event", ev.Kind))
	}
}

func (b *Base) runEvents() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.events:
			b.handleEvent(ev)
		}
	}
}

func (b *Base) handleEvent(ev TransportEvent) {
	b.mu.Lock()
	connected := b.status == StatusConnected
	suppressed := b.explicitDisconnect || b.stopped
	timeout := b.connectTimeout
	b.mu.Unlock()

	if suppressed || !connected {
		b.log.Debug("Transport event ignored",
			zap.Stringer("event", ev.Kind),
			zap.Bool("connected", connected),
			zap.Error(ev.Err))
		return
	}

	switch ev.Kind {
	case EventConnectionLost:
		b.RecordError(NewError(ErrorConnection, b.cfg.ID, "connection lost", ev.Err))
		b.triggerReconnect(ev.Kind.String())
	case EventSessionLost:
		if rec, ok := b.driver.(SessionRecoverer); ok {
			ctx, cancel := context.WithTimeout(b.ctx, timeout)
			err := rec.RecoverSession(ctx)
			cancel()
			if err == nil {
				b.log.Info("Session recovered", zap.Int("subscriptions", b.subs.len()))
				return
			}
			b.RecordError(NewError(ErrorConnection, b.cfg.ID, "session recovery failed", err))
		}
		b.triggerReconnect(ev.Kind.String())
	}
}

func (b *Base) armHealthLocked() {
	hc := b.cfg.HealthCheck
	if hc == nil || !hc.Enabled || b.stopped {
		return
	}
	if b.sched.Pending(TimerHealthCheck, healthTimerName) {
		return
	}
	b.sched.Every(TimerHealthCheck, healthTimerName, Interval(hc.Interval), b.healthTick)
}

func (b *Base) healthTick() {
	timeout := b.cfg.HealthCheck.Interval
	if timeout > maxHealthTimeout {
		timeout = maxHealthTimeout
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()

	ok := b.TestConnection(ctx)
	if ok || b.Status() != StatusConnected {
		return
	}
	b.log.Warn("Health check failed while connected")
	b.RecordError(NewError(ErrorConnection, b.cfg.ID, "health check failed", nil))
	b.triggerReconnect("health_check")
}

// TestConnection probes the transport. Probe panics are recovered and count
// as a failed test.
func (b *Base) TestConnection(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Connection test panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	if err := b.driver.Probe(ctx); err != nil {
		b.log.Debug("Connection test failed", zap.Error(err))
		return false
	}
	return true
}

// Latency returns the round trip in milliseconds, or -1 when it cannot be
// measured.
func (b *Base) Latency(ctx context.Context) int64 {
	d, err := b.driver.MeasureLatency(ctx)
	if err != nil {
		b.log.Debug("Latency measurement failed", zap.Error(err))
		return -1
	}
	return d.Milliseconds()
}

// Health composes the connection test and latency into a health record.
func (b *Base) Health(ctx context.Context) HealthResult {
	ok := b.TestConnection(ctx)
	latency := int64(-1)
	if ok {
		latency = b.Latency(ctx)
	}

	b.mu.Lock()
	svc := b.svc
	initialized := b.initialized
	stopped := b.stopped
	status := b.status
	lastErr := b.lastErr
	retries := b.retryCount
	b.mu.Unlock()

	var s ServiceStatus
	switch {
	case !initialized:
		s = ServiceInitializing
	case stopped:
		s = ServiceOffline
	case status == StatusError:
		s = ServiceError
	case ok:
		s = ServiceReady
	default:
		s = ServiceDegraded
	}

	depStatus := ServiceReady
	if !ok {
		depStatus = ServiceOffline
	}
	name := b.cfg.Name
	if name == "" {
		name = b.cfg.ID
	}
	return HealthResult{
		Service:   name,
		Status:    s,
		Version:   svc.Version,
		Timestamp: time.Now().UTC(),
		Details: HealthDetails{
			ConnectionStatus: status,
			LatencyMs:        latency,
			LastError:        lastErr,
			Subscriptions:    b.subs.len(),
			RetryCount:       retries,
		},
		Dependencies: []Dependency{{
			Name:      b.cfg.Type + ":" + b.cfg.ID,
			Status:    depStatus,
			LatencyMs: latency,
		}},
	}
}

// SendData transforms, validates and then sends packet through the driver.
func (b *Base) SendData(ctx context.Context, packet IntegrationDataPacket, opts SendOptions) error {
	ctx, span := b.tracer.Start(ctx, "integration.send", trace.WithAttributes(
		attribute.String("integration.id", b.cfg.ID),
		attribute.String("integration.type", b.cfg.Type),
	))
	defer span.End()

	fail := func(ie *IntegrationError) error {
		b.RecordError(ie)
		span.RecordError(ie)
		span.SetStatus(codes.Error, ie.Message)
		return ie
	}

	payload, err := b.transformer.Transform(ctx, packet.Payload)
	if err != nil {
		return fail(NewError(ErrorCommunication, b.cfg.ID, "transform failed", err))
	}
	if err := b.validator.Validate(ctx, payload); err != nil {
		return fail(NewError(ErrorCommunication, b.cfg.ID, "validation failed", err))
	}
	if b.Status() != StatusConnected {
		return fail(NewError(ErrorCommunication, b.cfg.ID, "send while not connected", ErrNotConnected))
	}

	source := packet.Source
	if source == "" {
		source = b.cfg.ID
	}
	out := NewPacket(source, payload, packet.Quality, packet.Metadata)

	start := time.Now()
	if err := b.driver.Publish(ctx, out, opts); err != nil {
		return fail(AsIntegrationError(err, ErrorCommunication, b.cfg.ID, "send failed"))
	}
	b.metrics.sent(b.cfg.ID, b.cfg.Type, time.Since(start))
	return nil
}

// ReceiveData registers callback for the target described by opts and
// returns the new subscription id.
func (b *Base) ReceiveData(ctx context.Context, callback DataCallback, opts ReceiveOptions) (string, error) {
	if callback == nil {
		ie := NewError(ErrorCommunication, b.cfg.ID, "callback is required", nil)
		b.RecordError(ie)
		return "", ie
	}
	target, err := b.driver.Target(opts)
	if err != nil {
		ie := AsIntegrationError(err, ErrorCommunication, b.cfg.ID, "invalid receive options")
		b.RecordError(ie)
		return "", ie
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Target:    target,
		Callback:  callback,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	// Registered before the transport subscribe so that messages delivered
	// immediately (retained values, initial samples) find their subscriber.
	b.subs.add(sub)

	handle, err := b.driver.Subscribe(ctx, *sub)
	if err != nil {
		b.subs.remove(sub.ID)
		ie := AsIntegrationError(err, ErrorCommunication, b.cfg.ID, "subscribe failed").
			WithContext(map[string]interface{}{"target": target})
		b.RecordError(ie)
		return "", ie
	}
	// A nil handle leaves one already set by a concurrent restore in place.
	if handle != nil {
		b.subs.setHandle(sub.ID, handle)
	}
	b.log.Info("Subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.String("target", target))
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown ids are logged and ignored.
func (b *Base) Unsubscribe(ctx context.Context, subscriptionID string) error {
	sub, ok := b.subs.remove(subscriptionID)
	if !ok {
		b.log.Warn("Unsubscribe for unknown subscription", zap.String("subscription_id", subscriptionID))
		return nil
	}
	if err := b.driver.Release(ctx, sub); err != nil {
		b.log.Warn("Failed to release subscription",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err))
	}
	b.log.Info("Subscription removed", zap.String("subscription_id", subscriptionID))
	return nil
}

// Subscriptions returns copies of the registered subscriptions accepted by
// match; nil matches all.
func (b *Base) Subscriptions(match func(Subscription) bool) []Subscription {
	return b.subs.snapshot(match)
}

// Subscription returns one registered subscription.
func (b *Base) Subscription(id string) (Subscription, bool) {
	return b.subs.get(id)
}

// SetSubscriptionHandle replaces the protocol handle of a subscription.
func (b *Base) SetSubscriptionHandle(id string, handle interface{}) bool {
	return b.subs.setHandle(id, handle)
}

// Dispatch delivers packet to every subscription accepted by match and
// returns the number of deliveries.
func (b *Base) Dispatch(ctx context.Context, packet IntegrationDataPacket, match func(Subscription) bool) int {
	subs := b.subs.snapshot(match)
	for _, sub := range subs {
		b.deliver(ctx, sub, packet)
	}
	b.metrics.received(b.cfg.ID, b.cfg.Type, len(subs))
	return len(subs)
}

// DeliverTo delivers packet to a single subscription.
func (b *Base) DeliverTo(ctx context.Context, subscriptionID string, packet IntegrationDataPacket) bool {
	sub, ok := b.subs.get(subscriptionID)
	if !ok {
		return false
	}
	b.deliver(ctx, sub, packet)
	b.metrics.received(b.cfg.ID, b.cfg.Type, 1)
	return true
}

func (b *Base) deliver(ctx context.Context, sub Subscription, packet IntegrationDataPacket) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Subscriber callback panicked",
				zap.String("subscription_id", sub.ID),
				zap.Any("panic", r))
		}
	}()
	if err := sub.Callback(ctx, packet); err != nil {
		b.log.Warn("Subscriber callback failed",
			zap.String("subscription_id", sub.ID),
			zap.String("packet_id", packet.ID),
			zap.Error(err))
	}
}
