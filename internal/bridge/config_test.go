package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

func TestIntegrationConfig_WithDefaults(t *testing.T) {
	cfg := IntegrationConfig{ID: "a", Type: "mqtt"}.WithDefaults()
	require.NotNil(t, cfg.Retry)
	assert.Equal(t, RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}, *cfg.Retry)
	assert.False(t, cfg.HealthCheck.Enabled)

	cfg = IntegrationConfig{
		ID:          "a",
		Type:        "mqtt",
		Retry:       &RetryPolicy{MaxRetries: 0, InitialDelay: 200 * time.Millisecond},
		HealthCheck: &HealthCheckPolicy{},
	}.WithDefaults()
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	assert.False(t, cfg.HealthCheck.Enabled)

	cfg = IntegrationConfig{ID: "a", Type: "mqtt", HealthCheck: &HealthCheckPolicy{Enabled: true}}.WithDefaults()
	assert.Equal(t, 60*time.Second, cfg.HealthCheck.Interval)

	cfg = IntegrationConfig{ID: "a", Type: "mqtt", HealthCheck: &HealthCheckPolicy{Interval: 5 * time.Second}}.WithDefaults()
	assert.True(t, cfg.HealthCheck.Enabled)
}

func TestIntegrationConfig_WithDefaultsCapsInitialDelay(t *testing.T) {
	cfg := IntegrationConfig{ID: "a", Type: "mqtt", Retry: &RetryPolicy{MaxDelay: 500 * time.Millisecond}}
	require.NoError(t, cfg.Validate())
	cfg = cfg.WithDefaults()
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)

	delays := BackoffDelays(*cfg.Retry, 3)
	for i, d := range delays {
		assert.LessOrEqual(t, d, cfg.Retry.MaxDelay)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1])
		}
	}
}

func TestIntegrationConfig_WithDefaultsCopiesParams(t *testing.T) {
	params := map[string]interface{}{"brokerUrl": "tcp://localhost:1883"}
	cfg := IntegrationConfig{ID: "a", Type: "mqtt", ConnectionParams: params}.WithDefaults()
	params["brokerUrl"] = "changed"
	assert.Equal(t, "tcp://localhost:1883", cfg.ConnectionParams["brokerUrl"])
}

func TestIntegrationConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  IntegrationConfig
		ok   bool
	}{
		{"valid", IntegrationConfig{ID: "a", Type: "http"}, true},
		{"missing id", IntegrationConfig{Type: "http"}, false},
		{"missing type", IntegrationConfig{ID: "a"}, false},
		{"negative retries", IntegrationConfig{ID: "a", Type: "http", Retry: &RetryPolicy{MaxRetries: -1}}, false},
		{"factor below one", IntegrationConfig{ID: "a", Type: "http", Retry: &RetryPolicy{BackoffFactor: 0.5}}, false},
		{"max below initial", IntegrationConfig{ID: "a", Type: "http", Retry: &RetryPolicy{InitialDelay: 10 * time.Second, MaxDelay: time.Second}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsType(err, ErrorConfiguration))
		})
	}
}

func TestDecodeParams(t *testing.T) {
	var out struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
		QoS     int           `mapstructure:"qos"`
		Scopes  []string      `mapstructure:"scopes"`
		Clean   bool          `mapstructure:"clean"`
	}
	err := DecodeParams(map[string]interface{}{
		"url":     "tcp://broker:1883",
		"timeout": "5s",
		"qos":     "2",
		"scopes":  "read,write",
		"clean":   "true",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", out.URL)
	assert.Equal(t, 5*time.Second, out.Timeout)
	assert.Equal(t, 2, out.QoS)
	assert.Equal(t, []string{"read", "write"}, out.Scopes)
	assert.True(t, out.Clean)
}

func TestIntegrationError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(ErrorConnection, "plc-1", "connect failed", cause).
		WithContext(map[string]interface{}{"attempt": 2})

	assert.Equal(t, "CONNECTION: connect failed: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsType(err, ErrorConnection))
	assert.False(t, IsType(err, ErrorAuthentication))
	assert.False(t, IsType(cause, ErrorConnection))

	raw, mErr := json.Marshal(err)
	require.NoError(t, mErr)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "CONNECTION", decoded["type"])
	assert.Equal(t, "plc-1", decoded["integrationId"])
	assert.Equal(t, "dial tcp: refused", decoded["cause"])
	assert.Equal(t, float64(2), decoded["context"].(map[string]interface{})["attempt"])
}

func TestAsIntegrationError(t *testing.T) {
	auth := NewError(ErrorAuthentication, "api", "token rejected", nil)
	assert.Same(t, auth, AsIntegrationError(auth, ErrorCommunication, "api", "send failed"))

	wrapped := AsIntegrationError(errors.New("boom"), ErrorCommunication, "api", "send failed")
	assert.Equal(t, ErrorCommunication, wrapped.Type)
	assert.Equal(t, "api", wrapped.IntegrationID)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StatusDisconnected.String())
	assert.Equal(t, "RECONNECTING", StatusReconnecting.String())
	txt, err := StatusError.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", string(txt))
}

func TestNewPacket(t *testing.T) {
	meta := map[string]interface{}{"k": "v"}
	q := &Quality{Reliable: true, Status: "Good"}
	p := NewPacket("src", 1, q, meta)
	meta["k"] = "changed"
	q.Status = "Bad"

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "v", p.Metadata["k"])
	assert.Equal(t, "Good", p.Quality.Status)
	assert.NotEqual(t, p.ID, NewPacket("src", 1, nil, nil).ID)
}
