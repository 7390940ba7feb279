package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

// ErrorType classifies integration failures for handling purposes.
type ErrorType string

const (
	// ErrorConfiguration marks bad or missing configuration.
	ErrorConfiguration ErrorType = "CONFIGURATION"
	// ErrorConnection marks connect, disconnect and session failures. These
	// drive the reconnect policy.
	ErrorConnection ErrorType = "CONNECTION"
	// ErrorAuthentication marks credential and token failures.
	ErrorAuthentication ErrorType = "AUTHENTICATION"
	// ErrorCommunication marks transform, validate, send and subscribe failures.
	ErrorCommunication ErrorType = "COMMUNICATION"
)

var (
	ErrNotConnected       = errors.New("adapter not connected")
	ErrAlreadyInitialized = errors.New("adapter already initialized")
	ErrNotInitialized     = errors.New("adapter not initialized")
	ErrUnsupportedOptions = errors.New("unsupported options for protocol")
	ErrAdapterExists      = errors.New("adapter already registered")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)

// IntegrationError is the error recorded in an adapter's last-error slot.
type IntegrationError struct {
	Type          ErrorType              `json:"type"`
	Message       string                 `json:"message"`
	Err           error                  `json:"-"`
	Timestamp     time.Time              `json:"timestamp"`
	IntegrationID string                 `json:"integrationId"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// NewError builds an IntegrationError stamped with the current time.
func NewError(typ ErrorType, integrationID, message string, err error) *IntegrationError {
	return &IntegrationError{
		Type:          typ,
		Message:       message,
		Err:           err,
		Timestamp:     time.Now().UTC(),
		IntegrationID: integrationID,
	}
}

// WithContext returns a copy of e carrying the given context entries.
func (e *IntegrationError) WithContext(kv map[string]interface{}) *IntegrationError {
	cp := *e
	cp.Context = make(map[string]interface{}, len(e.Context)+len(kv))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range kv {
		cp.Context[k] = v
	}
	return &cp
}

func (e *IntegrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// MarshalJSON includes the underlying error text, which has no JSON form of
// its own.
func (e *IntegrationError) MarshalJSON() ([]byte, error) {
	type plain IntegrationError
	out := struct {
		*plain
		Cause string `json:"cause,omitempty"`
	}{plain: (*plain)(e)}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// IsType reports whether err is, or wraps, an IntegrationError of type typ.
func IsType(err error, typ ErrorType) bool {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Type == typ
	}
	return false
}

// AsIntegrationError returns err as an IntegrationError, wrapping it with the
// fallback type if it is not one already.
func AsIntegrationError(err error, fallback ErrorType, integrationID, message string) *IntegrationError {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie
	}
	return NewError(fallback, integrationID, message, err)
}
