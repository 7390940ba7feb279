package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/internal/config"
	"github.com/nmxmxh/ovasabi-bridge/internal/pipeline"
)

func TestInitialize(t *testing.T) {
	d, err := Initialize(context.Background(), &config.Config{AppEnv: "test", AppName: "bridge", AppVersion: "1.2.3", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", d.Service.Version)
	assert.NotNil(t, d.Metrics)
	assert.NoError(t, d.ShutdownTracing(context.Background()))

	families, err := d.Prometheus.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterIntegrations(t *testing.T) {
	log := zaptest.NewLogger(t)
	d := &Dependencies{Logger: log, Registry: bridge.NewRegistry(log)}
	disabled := false
	err := d.RegisterIntegrations([]config.Integration{
		{IntegrationConfig: bridge.IntegrationConfig{ID: "broker", Type: "mqtt", ConnectionParams: map[string]interface{}{"brokerUrl": "tcp://broker:1883"}}},
		{IntegrationConfig: bridge.IntegrationConfig{ID: "erp", Type: "http", ConnectionParams: map[string]interface{}{"baseUrl": "https://erp.local"}}, Enabled: &disabled},
		{IntegrationConfig: bridge.IntegrationConfig{ID: "plc", Type: "modbus"}},
		{IntegrationConfig: bridge.IntegrationConfig{ID: "bad-rules", Type: "mqtt", ConnectionParams: map[string]interface{}{"brokerUrl": "tcp://broker:1883"}},
			Pipeline: pipeline.Config{Rules: []pipeline.Rule{{Expr: "payload >"}}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modbus")
	assert.Contains(t, err.Error(), "bad-rules")

	list := d.Registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, "broker", list[0].ID())
}
