package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/internal/pipeline"
)

const (
	defaultMetricsAddr  = ":9102"
	defaultBridgeConfig = "config/integrations.yaml"
	defaultAppName      = "ovasabi-bridge"
)

// Config is the process configuration read from the environment.
type Config struct {
	AppEnv       string
	AppName      string
	AppVersion   string
	LogLevel     string
	MetricsAddr  string
	BridgeConfig string
	OTLPEndpoint string
	OTelEnabled  bool
}

// Integration is one entry of the integrations file.
type Integration struct {
	bridge.IntegrationConfig `yaml:",inline"`
	Enabled                  *bool           `yaml:"enabled"`
	Pipeline                 pipeline.Config `yaml:"pipeline"`
}

// IsEnabled reports whether the entry should be started. Entries are enabled
// unless they say otherwise.
func (i Integration) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

// File is the integrations file layout.
type File struct {
	Integrations []Integration `yaml:"integrations"`
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:       os.Getenv("APP_ENV"),
		AppName:      os.Getenv("APP_NAME"),
		AppVersion:   os.Getenv("APP_VERSION"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		BridgeConfig: os.Getenv("BRIDGE_CONFIG"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.AppName == "" {
		cfg.AppName = defaultAppName
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "dev"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.BridgeConfig == "" {
		cfg.BridgeConfig = defaultBridgeConfig
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
		}
		cfg.OTelEnabled = enabled
	}
	return cfg, nil
}

// LoadIntegrations reads and validates the integrations file at path.
func LoadIntegrations(path string) ([]Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integrations file: %w", err)
	}
	return ParseIntegrations(data)
}

// ParseIntegrations decodes an integrations document. Ids must be unique.
func ParseIntegrations(data []byte) ([]Integration, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse integrations file: %w", err)
	}
	seen := make(map[string]bool, len(f.Integrations))
	for i, in := range f.Integrations {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("integration %d: %w", i, err)
		}
		if seen[in.ID] {
			return nil, fmt.Errorf("integration %q is defined twice", in.ID)
		}
		seen[in.ID] = true
	}
	return f.Integrations, nil
}
