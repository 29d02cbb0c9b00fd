// Package config loads the service configuration and the reference
// seed data (tariff plans, carbon profiles, homes).
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/voltwise/autopilot/infra/device"
)

type Config struct {
	API     APIConfig     `json:"api"`
	Engine  EngineConfig  `json:"engine"`
	MQTT    device.Config `json:"mqtt"`
	Metrics MetricsConfig `json:"metrics"`
	Store   StoreConfig   `json:"store"`
	Seed    SeedConfig    `json:"seed"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Addr string `json:"addr"`
}

// EngineConfig configures the evaluation loop.
type EngineConfig struct {
	// TickIntervalSeconds is the period of the evaluation cycle.
	TickIntervalSeconds int `json:"tick_interval_seconds"`
	// Threshold is the penalty score above which the engine acts.
	Threshold float64 `json:"threshold"`
	// AckTimeoutSeconds bounds each actuation round trip.
	AckTimeoutSeconds int `json:"ack_timeout_seconds"`
}

// MetricsConfig configures the observability sinks.
type MetricsConfig struct {
	PrometheusPort string `json:"prometheus_port"`
	InfluxEnabled  bool   `json:"influx_enabled"`
	InfluxURL      string `json:"influx_url"`
	InfluxToken    string `json:"influx_token"`
	InfluxOrg      string `json:"influx_org"`
	InfluxBucket   string `json:"influx_bucket"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path"`
}

// SeedConfig points at the reference data files loaded on startup.
type SeedConfig struct {
	TariffFile string `json:"tariff_file"`
	CarbonFile string `json:"carbon_file"`
	HomesFile  string `json:"homes_file"`
}

// MQTTEnabled reports whether a broker is configured. Without one every
// appliance is actuated virtually.
func (c *Config) MQTTEnabled() bool { return c.MQTT.Broker != "" }

// SetDefaults applies sane defaults.
func (c *EngineConfig) SetDefaults() {
	if c.TickIntervalSeconds <= 0 {
		c.TickIntervalSeconds = 300
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.6
	}
	if c.AckTimeoutSeconds <= 0 {
		c.AckTimeoutSeconds = 5
	}
}

// Validate checks ranges.
func (c EngineConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", c.Threshold)
	}
	return nil
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "autopilot.db"
	}
}

// SetDefaults applies sane defaults.
func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// Load reads the config file at path and applies environment overrides
// with the K_ prefix, "__" separating nesting levels.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.API.SetDefaults()
	cfg.Engine.SetDefaults()
	cfg.Store.SetDefaults()
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
}
