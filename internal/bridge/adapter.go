package bridge

import (
	"context"
	"time"
)

// Adapter is the contract every protocol adapter exposes to callers.
type Adapter interface {
	ID() string
	Type() string

	Initialize(ctx context.Context, svc ServiceConfig) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) HealthResult

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context)
	TestConnection(ctx context.Context) bool
	Latency(ctx context.Context) int64

	SendData(ctx context.Context, packet IntegrationDataPacket, opts SendOptions) error
	ReceiveData(ctx context.Context, callback DataCallback, opts ReceiveOptions) (string, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error

	Status() ConnectionStatus
	LastError() *IntegrationError
	OnShutdown(hook func())
}

// DataCallback receives inbound packets. Returned errors are logged and do
// not affect other subscribers.
type DataCallback func(ctx context.Context, packet IntegrationDataPacket) error

// Transformer shapes outbound data before validation.
type Transformer interface {
	Transform(ctx context.Context, data interface{}) (interface{}, error)
}

// Validator accepts or rejects a transformed payload.
type Validator interface {
	Validate(ctx context.Context, payload interface{}) error
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, data interface{}) (interface{}, error)

func (f TransformFunc) Transform(ctx context.Context, data interface{}) (interface{}, error) {
	return f(ctx, data)
}

// ValidateFunc adapts a function to Validator.
type ValidateFunc func(ctx context.Context, payload interface{}) error

func (f ValidateFunc) Validate(ctx context.Context, payload interface{}) error {
	return f(ctx, payload)
}

// SendOptions is implemented by each protocol's outbound option type.
type SendOptions interface {
	Protocol() string
}

// ReceiveOptions is implemented by each protocol's subscription option type.
type ReceiveOptions interface {
	Protocol() string
}

// Driver is the transport-specific half of an adapter. Base owns the state
// machine and calls into the driver; drivers never change status directly.
type Driver interface {
	// Setup runs once from Initialize, before any connection attempt.
	Setup(ctx context.Context) error
	// Open establishes the transport connection.
	Open(ctx context.Context) error
	// Close releases the transport connection. It must tolerate being called
	// on a transport that never opened.
	Close(ctx context.Context) error
	// Probe returns nil when the transport is usable.
	Probe(ctx context.Context) error
	// MeasureLatency returns the round trip to the external system.
	MeasureLatency(ctx context.Context) (time.Duration, error)
	// Publish performs the outbound operation for an already transformed and
	// validated packet.
	Publish(ctx context.Context, packet IntegrationDataPacket, opts SendOptions) error
	// Target validates receive options and returns the subscription target
	// (topic filter, node id, endpoint). It performs no I/O.
	Target(opts ReceiveOptions) (string, error)
	// Subscribe performs the subscribe mechanics for sub, which is already
	// visible to Dispatch, and returns the protocol handle.
	Subscribe(ctx context.Context, sub Subscription) (interface{}, error)
	// Release tears down what Subscribe created.
	Release(ctx context.Context, sub Subscription) error
}

// SessionRecoverer is implemented by drivers that can rebuild a lost
// protocol session without a full reconnect.
type SessionRecoverer interface {
	RecoverSession(ctx context.Context) error
}

// EventKind tags a transport event.
type EventKind int

const (
	// EventConnectionLost reports an unexpected transport disconnect.
	EventConnectionLost EventKind = iota
	// EventSessionLost reports a lost protocol session on a live transport.
	EventSessionLost
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionLost:
		return "connection_lost"
	case EventSessionLost:
		return "session_lost"
	default:
		return "unknown"
	}
}

// TransportEvent is delivered by drivers to the adapter's event loop.
type TransportEvent struct {
	Kind EventKind
	Err  error
}
