package adapters

import (
	"fmt"
	"time"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

const (
	ProtocolMQTT  = "mqtt"
	ProtocolOPCUA = "opcua"
	ProtocolHTTP  = "http"
)

// MQTTSendOptions addresses a publish.
type MQTTSendOptions struct {
	Topic  string `mapstructure:"topic"`
	QoS    *byte  `mapstructure:"qos"`
	Retain bool   `mapstructure:"retain"`
}

func (MQTTSendOptions) Protocol() string { return ProtocolMQTT }

// MQTTReceiveOptions subscribes to a topic filter.
type MQTTReceiveOptions struct {
	Topic string `mapstructure:"topic"`
	QoS   *byte  `mapstructure:"qos"`
}

func (MQTTReceiveOptions) Protocol() string { return ProtocolMQTT }

// OPCUASendOptions names the node to write.
type OPCUASendOptions struct {
	NodeID string `mapstructure:"nodeId"`
}

func (OPCUASendOptions) Protocol() string { return ProtocolOPCUA }

// OPCUAReceiveOptions describes one monitored item. Zero values fall back to
// the adapter's monitoring defaults.
type OPCUAReceiveOptions struct {
	NodeID           string        `mapstructure:"nodeId"`
	SamplingInterval time.Duration `mapstructure:"samplingInterval"`
	QueueSize        uint32        `mapstructure:"queueSize"`
	DiscardOldest    *bool         `mapstructure:"discardOldest"`
}

func (OPCUAReceiveOptions) Protocol() string { return ProtocolOPCUA }

// HTTPSendOptions shapes an outbound request. The packet payload is the body.
type HTTPSendOptions struct {
	Method  string            `mapstructure:"method"`
	Path    string            `mapstructure:"path"`
	Headers map[string]string `mapstructure:"headers"`
	Query   map[string]string `mapstructure:"query"`
}

func (HTTPSendOptions) Protocol() string { return ProtocolHTTP }

// HTTP receive modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// HTTPReceiveOptions selects polling results or webhook deliveries. An empty
// Endpoint in polling mode receives the results of every endpoint.
type HTTPReceiveOptions struct {
	Mode     string `mapstructure:"mode"`
	Endpoint string `mapstructure:"endpoint"`
}

func (HTTPReceiveOptions) Protocol() string { return ProtocolHTTP }

// QoS returns a pointer for the optional QoS fields.
func QoS(q byte) *byte { return &q }

// DecodeSendOptions builds the typed send options of protocol from a loose
// map, as found in YAML routes or request bodies.
func DecodeSendOptions(protocol string, in map[string]interface{}) (bridge.SendOptions, error) {
	var out bridge.SendOptions
	var err error
	switch protocol {
	case ProtocolMQTT:
		var o MQTTSendOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	case ProtocolOPCUA:
		var o OPCUASendOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	case ProtocolHTTP:
		var o HTTPSendOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	default:
		return nil, fmt.Errorf("%w: %q", bridge.ErrUnsupportedOptions, protocol)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeReceiveOptions is the receive counterpart of DecodeSendOptions.
func DecodeReceiveOptions(protocol string, in map[string]interface{}) (bridge.ReceiveOptions, error) {
	var out bridge.ReceiveOptions
	var err error
	switch protocol {
	case ProtocolMQTT:
		var o MQTTReceiveOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	case ProtocolOPCUA:
		var o OPCUAReceiveOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	case ProtocolHTTP:
		var o HTTPReceiveOptions
		err = bridge.DecodeParams(in, &o)
		out = o
	default:
		return nil, fmt.Errorf("%w: %q", bridge.ErrUnsupportedOptions, protocol)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func unsupported(id, protocol string, opts interface{}) *bridge.IntegrationError {
	return bridge.NewError(bridge.ErrorCommunication, id,
		fmt.Sprintf("%s adapter cannot use options of type %T", protocol, opts), bridge.ErrUnsupportedOptions)
}
