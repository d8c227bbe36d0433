package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/model"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

//nolint:gocyclo
func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "cli"
  username: "user"
  password: "pass"
  qos:
    command: 1
relays:
  stale_after: 2m
energy:
  topic: "home/energy"
dispatch:
  interval: 15s
  hysteresis: 150
  soc_policy:
    high_soc: 95
    bonus: 250
    low_soc: 10
    penalty: 400
metrics:
  sinks:
    - type: "nop"
logging:
  level: debug
  decisions:
    backend: sqlite
    path: /tmp/decisions.db
api:
  addr: ":8080"
  token: secret
devices:
  - id: boiler
    name: Boiler
    power: 2000
    priority: HIGH
    can_control: true
    min_runtime: 15
  - id: hp
    name: Heat pump
    power: 1500
    priority: MEDIUM
    can_control: true
    sg_ready: true
    relays: [hp-sig, hp-force]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"client_id", cfg.MQTT.ClientID, "cli"},
		{"username", cfg.MQTT.Username, "user"},
		{"qos", cfg.MQTT.QoS["command"], byte(1)},
		{"relays.stale_after", cfg.Relays.StaleAfter, 2 * time.Minute},
		{"relays.command_topic", cfg.Relays.CommandTopic, "shellies/%s/relay/0/command"},
		{"energy.topic", cfg.Energy.Topic, "home/energy"},
		{"dispatch.interval", cfg.Dispatch.Interval, 15 * time.Second},
		{"dispatch.error_backoff", cfg.Dispatch.ErrorBackoff, 10 * time.Second},
		{"dispatch.hysteresis", cfg.Dispatch.Margin(), 150.0},
		{"soc_policy.penalty", cfg.Dispatch.SOCPolicy.Penalty, 400.0},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"logging.level", cfg.Logging.Level, "debug"},
		{"logging.backend", cfg.Logging.Decisions.Backend, "sqlite"},
		{"api.addr", cfg.API.Addr, ":8080"},
		{"storage.overrides", cfg.Storage.Overrides, "data/device_overrides.json"},
		{"publish.prefix", cfg.Publish.Prefix, "ems"},
		{"devices", len(cfg.Devices), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: %v", c.name, c.got)
		}
	}
	assert.Equal(t, model.PriorityHigh, cfg.Devices[0].Priority)
	assert.Equal(t, 15, cfg.Devices[0].MinRuntime)
	assert.True(t, cfg.Devices[1].SGReady)
	assert.Equal(t, []string{"hp-sig", "hp-force"}, cfg.Devices[1].Relays)
}

func TestLoadJSONAndEnv(t *testing.T) {
	path := writeConfig(t, "config.json", `{"mqtt":{"broker":"tcp://a:1883"},"devices":[{"id":"pool","name":"Pool","power":800,"priority":"LOW","can_control":true}]}`)
	t.Setenv("K_MQTT__BROKER", "tcp://b:1883")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://b:1883", cfg.MQTT.Broker)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "jsonl", cfg.Logging.Decisions.Backend)
	assert.False(t, cfg.Sentry.Enabled())
	assert.Equal(t, "production", cfg.Sentry.Environment)
}

func TestDeviceDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `mqtt: {broker: x}
devices:
  - {id: plug, name: Plug, power: 300}
  - {id: fridge, name: Fridge, power: 150, priority: CRITICAL, can_control: false}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, model.PriorityMedium, cfg.Devices[0].Priority)
	assert.True(t, cfg.Devices[0].CanControl)
	assert.Equal(t, model.PriorityCritical, cfg.Devices[1].Priority)
	assert.False(t, cfg.Devices[1].CanControl)
}

func TestZeroHysteresis(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "mqtt: {broker: x}\ndispatch: {hysteresis: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Dispatch.Margin())

	cfg, err = Load(writeConfig(t, "config.yaml", "mqtt: {broker: x}\n"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, cfg.Dispatch.Margin())
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"missing broker":   `devices: []`,
		"bad priority":     "mqtt: {broker: x}\ndevices:\n  - {id: a, name: A, power: 1, priority: URGENT}\n",
		"duplicate device": "mqtt: {broker: x}\ndevices:\n  - {id: a, name: A, power: 1, priority: LOW}\n  - {id: a, name: B, power: 1, priority: LOW}\n",
		"negative power":   "mqtt: {broker: x}\ndevices:\n  - {id: a, name: A, power: -5, priority: LOW}\n",
		"bad level":        "mqtt: {broker: x}\nlogging: {level: loud}\n",
		"bad backend":      "mqtt: {broker: x}\nlogging: {decisions: {backend: kafka}}\n",
		"soc policy":       "mqtt: {broker: x}\ndispatch: {soc_policy: {high_soc: 10, low_soc: 50}}\n",
		"hysteresis":       "mqtt: {broker: x}\ndispatch: {hysteresis: -5}\n",
		"sentry rate":      "mqtt: {broker: x}\nsentry: {dsn: \"https://k@o.ingest.sentry.io/1\", sample_rate: 2}\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", data))
			assert.Error(t, err)
		})
	}

	_, err := Load(writeConfig(t, "config.toml", ""))
	assert.Error(t, err)
}
