package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

func TestNew_ByType(t *testing.T) {
	tests := []struct {
		typ    string
		params map[string]interface{}
		want   interface{}
	}{
		{ProtocolMQTT, map[string]interface{}{"brokerUrl": "tcp://broker:1883"}, &MQTTAdapter{}},
		{ProtocolOPCUA, map[string]interface{}{"endpointUrl": "opc.tcp://plc:4840"}, &OPCUAAdapter{}},
		{"HTTP", map[string]interface{}{"baseUrl": "https://erp.local/api"}, &HTTPAdapter{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			a, err := New(bridge.IntegrationConfig{ID: "x", Type: tt.typ, ConnectionParams: tt.params}, bridge.Deps{})
			require.NoError(t, err)
			assert.IsType(t, tt.want, a)
			assert.Equal(t, "x", a.ID())
			assert.Equal(t, bridge.StatusDisconnected, a.Status())
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(bridge.IntegrationConfig{ID: "x", Type: "modbus"}, bridge.Deps{})
	require.Error(t, err)
	assert.True(t, bridge.IsType(err, bridge.ErrorConfiguration))
	assert.Len(t, Types(), 3)
}
