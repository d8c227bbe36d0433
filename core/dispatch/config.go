package dispatch

import (
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/energy"
	"github.com/kilianp07/ems/core/priority"
)

// Config defines the control loop settings.
type Config struct {
	Interval     time.Duration `json:"interval"`
	ErrorBackoff time.Duration `json:"error_backoff"`
	IOTimeout    time.Duration `json:"io_timeout"`
	// Hysteresis is the switch-on margin in W; nil selects the default and
	// zero disables it.
	Hysteresis      *float64         `json:"hysteresis"`
	SOCPolicy       energy.SOCPolicy `json:"soc_policy"`
	SmoothingWindow int              `json:"smoothing_window"`
	// DryRun computes and publishes decisions without switching relays.
	DryRun bool `json:"dry_run"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 10 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	if c.Hysteresis == nil {
		h := priority.DefaultHysteresis
		c.Hysteresis = &h
	}
	if c.SOCPolicy == (energy.SOCPolicy{}) {
		c.SOCPolicy = energy.DefaultSOCPolicy()
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = 1
	}
}

// Margin returns the effective hysteresis in W.
func (c Config) Margin() float64 {
	if c.Hysteresis == nil {
		return priority.DefaultHysteresis
	}
	return *c.Hysteresis
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Hysteresis != nil && *c.Hysteresis < 0 {
		return fmt.Errorf("dispatch.hysteresis must be >= 0")
	}
	if c.SOCPolicy.LowSOC > c.SOCPolicy.HighSOC {
		return fmt.Errorf("dispatch.soc_policy: low_soc %.0f above high_soc %.0f", c.SOCPolicy.LowSOC, c.SOCPolicy.HighSOC)
	}
	if c.SOCPolicy.Bonus < 0 || c.SOCPolicy.Penalty < 0 {
		return fmt.Errorf("dispatch.soc_policy: bonus and penalty must be >= 0")
	}
	return nil
}
