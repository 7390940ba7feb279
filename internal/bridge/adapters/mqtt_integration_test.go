//go:build integration

package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/pkg/tester"
)

func TestMQTTAdapter_Mosquitto(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	log := zaptest.NewLogger(t)

	broker, err := tester.StartMosquitto(ctx, log)
	require.NoError(t, err)
	defer broker.Terminate(context.Background())

	a, err := NewMQTTAdapter(bridge.IntegrationConfig{
		ID:   "mosquitto",
		Type: ProtocolMQTT,
		ConnectionParams: map[string]interface{}{
			"brokerUrl":      broker.URL,
			"connectTimeout": "10s",
		},
		Retry: &bridge.RetryPolicy{MaxRetries: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second},
	}, bridge.Deps{Logger: log})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(ctx, bridge.ServiceConfig{Name: "bridge-it"}))
	defer func() { _ = a.Shutdown(context.Background()) }()
	require.NoError(t, a.Start(ctx))

	got := make(chan bridge.IntegrationDataPacket, 1)
	_, err = a.ReceiveData(ctx, func(_ context.Context, p bridge.IntegrationDataPacket) error {
		got <- p
		return nil
	}, MQTTReceiveOptions{Topic: "plant/+/temperature"})
	require.NoError(t, err)

	require.NoError(t, a.SendData(ctx, bridge.NewPacket("", map[string]interface{}{"celsius": 71.2}, nil, nil),
		MQTTSendOptions{Topic: "plant/oven/temperature"}))

	select {
	case p := <-got:
		assert.Equal(t, "plant/oven/temperature", p.Source)
		assert.Equal(t, map[string]interface{}{"celsius": 71.2}, p.Payload)
	case <-ctx.Done():
		t.Fatal("no message received from broker")
	}

	assert.True(t, a.TestConnection(ctx))
	latency := a.Latency(ctx)
	assert.GreaterOrEqual(t, latency, int64(0))
	assert.Less(t, latency, int64(MQTTLatencyTimeoutSentinel/time.Millisecond))

	h := a.Health(ctx)
	assert.Equal(t, bridge.ServiceReady, h.Status)

	require.NoError(t, broker.Stop(ctx))
	require.Eventually(t, func() bool {
		s := a.Status()
		return s == bridge.StatusReconnecting || s == bridge.StatusError
	}, 90*time.Second, 100*time.Millisecond)
}
