// Package config loads the service configuration from a YAML or JSON file
// with K_ environment overrides (K_MQTT__BROKER sets mqtt.broker).
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

	"github.com/kilianp07/ems/core/dispatch"
	"github.com/kilianp07/ems/core/metrics"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/infra/mqtt"
)

type Config struct {
	MQTT     mqtt.Config       `json:"mqtt"`
	Relays   mqtt.RelayConfig  `json:"relays"`
	Energy   mqtt.EnergyConfig `json:"energy"`
	Publish  PublishConfig     `json:"publish"`
	Dispatch dispatch.Config   `json:"dispatch"`
	Metrics  metrics.Config    `json:"metrics"`
	Logging  LoggingConfig     `json:"logging"`
	Storage  StorageConfig     `json:"storage"`
	API      APIConfig         `json:"api"`
	Sentry   SentryConfig      `json:"sentry"`
	Devices  []model.Device    `json:"devices"`
}

// PublishConfig controls the MQTT decision fan-out.
type PublishConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix"`
}

// StorageConfig locates the persisted override and schedule documents.
type StorageConfig struct {
	Overrides string `json:"overrides"`
	Schedules string `json:"schedules"`
}

// APIConfig enables the admin HTTP API when Addr is set.
type APIConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
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
	applyDeviceDefaults(k, cfg.Devices)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDeviceDefaults fills the device keys left out of the file: the zero
// values would otherwise read as CRITICAL and uncontrolled.
func applyDeviceDefaults(k *koanf.Koanf, devs []model.Device) {
	raw := k.Slices("devices")
	if len(raw) != len(devs) {
		return
	}
	for i, dk := range raw {
		if !dk.Exists("priority") {
			devs[i].Priority = model.PriorityMedium
		}
		if !dk.Exists("can_control") {
			devs[i].CanControl = true
		}
	}
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Relays.SetDefaults()
	c.Energy.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Logging.SetDefaults()
	c.Sentry.SetDefaults()
	if c.Publish.Prefix == "" {
		c.Publish.Prefix = "ems"
	}
	if c.Storage.Overrides == "" {
		c.Storage.Overrides = "data/device_overrides.json"
	}
	if c.Storage.Schedules == "" {
		c.Storage.Schedules = "data/schedules.json"
	}
}

// Validate checks every section and the device list.
func (c *Config) Validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Sentry.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
