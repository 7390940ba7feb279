package bridge

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the state of an adapter's link to its external system.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusReconnecting:
		return "RECONNECTING"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets the status render by name in JSON health records.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *ConnectionStatus) UnmarshalText(text []byte) error {
	for c := StatusDisconnected; c <= StatusError; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}

// ServiceStatus is the coarse status reported to external health consumers.
type ServiceStatus string

const (
	ServiceInitializing ServiceStatus = "INITIALIZING"
	ServiceReady        ServiceStatus = "READY"
	ServiceDegraded     ServiceStatus = "DEGRADED"
	ServiceError        ServiceStatus = "ERROR"
	ServiceOffline      ServiceStatus = "OFFLINE"
)

// ServiceConfig identifies the hosting service. It is handed to Initialize and
// echoed in health records.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// Quality describes how trustworthy an inbound value is.
type Quality struct {
	Reliable bool   `json:"reliable"`
	Status   string `json:"status"`
}

// IntegrationDataPacket is the unit moved in and out of adapters. Packets are
// values: build them with NewPacket and do not mutate them afterwards.
type IntegrationDataPacket struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   interface{}            `json:"payload"`
	Quality   *Quality               `json:"quality,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewPacket creates a packet with a fresh id and timestamp. The metadata map
// and quality are copied.
func NewPacket(source string, payload interface{}, quality *Quality, metadata map[string]interface{}) IntegrationDataPacket {
	var q *Quality
	if quality != nil {
		cp := *quality
		q = &cp
	}
	meta := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return IntegrationDataPacket{
		ID:        uuid.NewString(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Quality:   q,
		Metadata:  meta,
	}
}

// Subscription is one registered consumer of inbound data.
type Subscription struct {
	ID        string
	Target    string
	Callback  DataCallback
	Options   ReceiveOptions
	Handle    interface{}
	CreatedAt time.Time
}

// HealthDetails is the adapter-specific part of a HealthResult.
type HealthDetails struct {
	ConnectionStatus ConnectionStatus  `json:"connectionStatus"`
	LatencyMs        int64             `json:"latencyMs"`
	LastError        *IntegrationError `json:"lastError,omitempty"`
	Subscriptions    int               `json:"subscriptions"`
	RetryCount       int               `json:"retryCount"`
}

// Dependency reports the reachability of the external endpoint.
type Dependency struct {
	Name      string        `json:"name"`
	Status    ServiceStatus `json:"status"`
	LatencyMs int64         `json:"latencyMs"`
}

// HealthResult is the standard health record returned by Health.
type HealthResult struct {
	Service      string        `json:"service"`
	Status       ServiceStatus `json:"status"`
	Version      string        `json:"version"`
	Timestamp    time.Time     `json:"timestamp"`
	Details      HealthDetails `json:"details"`
	Dependencies []Dependency  `json:"dependencies"`
}
