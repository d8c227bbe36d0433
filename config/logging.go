package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kilianp07/ems/core/dispatch/logging"
)

// LoggingConfig defines the application log level and the decision log
// storage and rotation.
type LoggingConfig struct {
	// Level is a zerolog level name.
	Level     string         `json:"level"`
	Decisions logging.Config `json:"decisions"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Decisions.Backend == "" {
		c.Decisions.Backend = "jsonl"
	}
	if c.Decisions.Path == "" {
		c.Decisions.Path = "decisions.jsonl"
	}
}

// Validate checks mandatory fields.
func (c LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Decisions.Backend {
	case "jsonl", "rotating", "sqlite", "none":
	default:
		return fmt.Errorf("unknown backend %s", c.Decisions.Backend)
	}
	if c.Decisions.Backend != "none" && c.Decisions.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}
