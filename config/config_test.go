package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwise/autopilot/core/model"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `api:
  addr: ":9000"
engine:
  tick_interval_seconds: 60
  threshold: 0.7
mqtt:
  broker: "tcp://localhost:1883"
  client_id: "autopilot"
  ack_topic: "plug/+/ack"
metrics:
  prometheus_port: ":2112"
store:
  path: "test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 60, cfg.Engine.TickIntervalSeconds)
	assert.Equal(t, 0.7, cfg.Engine.Threshold)
	assert.Equal(t, 5, cfg.Engine.AckTimeoutSeconds)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTTEnabled())
	assert.Equal(t, ":2112", cfg.Metrics.PrometheusPort)
	assert.Equal(t, "test.db", cfg.Store.Path)
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `engine: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 300, cfg.Engine.TickIntervalSeconds)
	assert.Equal(t, 0.6, cfg.Engine.Threshold)
	assert.Equal(t, "autopilot.db", cfg.Store.Path)
	assert.False(t, cfg.MQTTEnabled())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", `api:
  addr: ":9000"
`)
	t.Setenv("K_API__ADDR", ":7000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.API.Addr)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeFile(t, "config.yaml", `engine:
  threshold: 1.4
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := writeFile(t, "config.toml", `x = 1`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadSeedFile(t *testing.T) {
	path := writeFile(t, "seed.yaml", `tariffs:
  - plan_id: "p1"
    start_hour: 0
    end_hour: 6
    rate_per_kwh: 4.5
    slot_type: "off-peak"
  - plan_id: "p1"
    start_hour: 6
    end_hour: 0
    rate_per_kwh: 6.31
    slot_type: "normal"
carbon:
  - region_code: "IN-GJ"
    hour: 10
    intensity_gco2_kwh: 520
    is_active: true
homes:
  - id: "h1"
    plan_id: "p1"
    region_code: "IN-GJ"
    discom_id: "d1"
    strategy: "balanced"
    grid_protection: true
    autopilot: true
`)
	s, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, s.Tariffs, 2)
	assert.Equal(t, 4.5, s.Tariffs[0].Rate)
	require.Len(t, s.Carbon, 1)
	assert.Equal(t, 520.0, s.Carbon[0].Intensity)
	require.Len(t, s.Homes, 1)
	assert.Equal(t, model.StrategyBalanced, s.Homes[0].Strategy)
	assert.True(t, s.Homes[0].GridProtection)
}

func TestLoadSeedsMerges(t *testing.T) {
	tariffs := writeFile(t, "tariffs.yaml", `tariffs:
  - plan_id: "p1"
    start_hour: 0
    end_hour: 0
    rate_per_kwh: 5
    slot_type: "normal"
`)
	homes := writeFile(t, "homes.yaml", `homes:
  - id: "h1"
    plan_id: "p1"
`)
	sc := SeedConfig{TariffFile: tariffs, HomesFile: homes}
	s, err := sc.LoadSeeds()
	require.NoError(t, err)
	assert.Len(t, s.Tariffs, 1)
	assert.Len(t, s.Homes, 1)
	assert.Empty(t, s.Carbon)
}
