package bridge

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultMaxRetries          = 5
	defaultInitialDelay        = time.Second
	defaultMaxDelay            = 30 * time.Second
	defaultBackoffFactor       = 2.0
	defaultHealthCheckInterval = 60 * time.Second
	defaultConnectTimeout      = 30 * time.Second
)

// RetryPolicy governs automatic reconnection. MaxRetries 0 means unlimited.
type RetryPolicy struct {
	MaxRetries    int           `yaml:"maxRetries" mapstructure:"maxRetries"`
	InitialDelay  time.Duration `yaml:"initialDelay" mapstructure:"initialDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay" mapstructure:"maxDelay"`
	BackoffFactor float64       `yaml:"backoffFactor" mapstructure:"backoffFactor"`
}

// HealthCheckPolicy arms the periodic connection test.
type HealthCheckPolicy struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// IntegrationConfig describes one external endpoint. Protocol specific
// settings stay loosely typed here and are decoded by each adapter with
// DecodeParams.
type IntegrationConfig struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Type             string                 `yaml:"type"`
	ConnectionParams map[string]interface{} `yaml:"connectionParams"`
	AuthParams       map[string]interface{} `yaml:"authParams"`
	Retry            *RetryPolicy           `yaml:"retry"`
	HealthCheck      *HealthCheckPolicy     `yaml:"healthCheck"`
}

// WithDefaults returns a copy with zero retry and health-check values
// replaced by defaults. A present healthCheck block with no explicit enabled
// flag is treated as enabled.
func (c IntegrationConfig) WithDefaults() IntegrationConfig {
	out := c
	out.ConnectionParams = copyMap(c.ConnectionParams)
	out.AuthParams = copyMap(c.AuthParams)

	retry := RetryPolicy{MaxRetries: defaultMaxRetries}
	if c.Retry != nil {
		retry = *c.Retry
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = defaultInitialDelay
		// An explicit maxDelay below the default initial delay caps it.
		if retry.MaxDelay > 0 && retry.InitialDelay > retry.MaxDelay {
			retry.InitialDelay = retry.MaxDelay
		}
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaultMaxDelay
		if retry.MaxDelay < retry.InitialDelay {
			retry.MaxDelay = retry.InitialDelay
		}
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = defaultBackoffFactor
	}
	out.Retry = &retry

	if c.HealthCheck != nil {
		hc := *c.HealthCheck
		if hc.Interval > 0 {
			hc.Enabled = true
		}
		if hc.Enabled && hc.Interval <= 0 {
			hc.Interval = defaultHealthCheckInterval
		}
		out.HealthCheck = &hc
	} else {
		out.HealthCheck = &HealthCheckPolicy{}
	}
	return out
}

// Validate checks the protocol-independent part of the configuration.
func (c IntegrationConfig) Validate() error {
	if c.ID == "" {
		return NewError(ErrorConfiguration, c.ID, "integration id is required", nil)
	}
	if c.Type == "" {
		return NewError(ErrorConfiguration, c.ID, "integration type is required", nil)
	}
	if r := c.Retry; r != nil {
		if r.MaxRetries < 0 {
			return NewError(ErrorConfiguration, c.ID, "retry.maxRetries must not be negative", nil)
		}
		if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
			return NewError(ErrorConfiguration, c.ID, fmt.Sprintf("retry.backoffFactor must be >= 1, got %v", r.BackoffFactor), nil)
		}
		if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
			return NewError(ErrorConfiguration, c.ID, "retry.maxDelay must not be below retry.initialDelay", nil)
		}
	}
	return nil
}

// DecodeParams decodes a loosely typed parameter map into out. Strings such
// as "5s" decode into time.Duration fields and numbers are coerced where the
// target type asks for them.
func DecodeParams(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create params decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
