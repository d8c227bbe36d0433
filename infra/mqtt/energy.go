package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

// ErrNoEnergyData is returned before the first meter reading arrives.
var ErrNoEnergyData = errors.New("no energy data received")

// EnergyConfig selects the meter topic.
type EnergyConfig struct {
	Topic      string        `json:"topic"`
	StaleAfter time.Duration `json:"stale_after"`
}

// SetDefaults fills unset fields.
func (c *EnergyConfig) SetDefaults() {
	if c.Topic == "" {
		c.Topic = "ems/energy"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
}

// energyPayload is the meter message. Powers in W, SoC in percent.
type energyPayload struct {
	PVPower      *float64  `json:"pv_power"`
	GridPower    *float64  `json:"grid_power"`
	BatteryPower float64   `json:"battery_power"`
	BatterySoC   float64   `json:"battery_soc"`
	Timestamp    time.Time `json:"timestamp"`
}

// EnergySubscriber keeps the latest meter reading.
type EnergySubscriber struct {
	cfg   EnergyConfig
	clock clock.Clock
	log   logger.Logger

	mu   sync.RWMutex
	last model.EnergySnapshot
	at   time.Time
}

// NewEnergySubscriber subscribes to the meter topic.
func NewEnergySubscriber(conn Conn, mqttCfg Config, cfg EnergyConfig, clk clock.Clock, log logger.Logger) (*EnergySubscriber, error) {
	cfg.SetDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	s := &EnergySubscriber{cfg: cfg, clock: clk, log: logger.OrNop(log)}
	if err := conn.Subscribe(cfg.Topic, mqttCfg.qos("energy"), s.onMessage); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EnergySubscriber) onMessage(_ paho.Client, msg paho.Message) {
	if err := s.Update(msg.Payload()); err != nil {
		s.log.Warnf("energy message on %s: %v", msg.Topic(), err)
	}
}

// Update decodes a meter payload and stores it.
func (s *EnergySubscriber) Update(payload []byte) error {
	var p energyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if p.PVPower == nil || p.GridPower == nil {
		return fmt.Errorf("pv_power and grid_power are required")
	}
	now := s.clock.Now()
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	snap := model.NewEnergySnapshot(*p.PVPower, *p.GridPower, p.BatteryPower, p.BatterySoC, ts)
	s.mu.Lock()
	s.last = snap
	s.at = now
	s.mu.Unlock()
	s.log.Debugf("energy pv=%.0fW grid=%.0fW battery=%.0fW soc=%.0f%%", snap.PVPower, snap.GridPower, snap.BatteryPower, snap.BatterySoC)
	return nil
}

// Snapshot returns the latest reading, or an error when none arrived yet or
// it is older than StaleAfter.
func (s *EnergySubscriber) Snapshot(ctx context.Context) (model.EnergySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.EnergySnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.at.IsZero() {
		return model.EnergySnapshot{}, ErrNoEnergyData
	}
	if age := s.clock.Now().Sub(s.at); age > s.cfg.StaleAfter {
		return model.EnergySnapshot{}, fmt.Errorf("energy data stale for %s", age.Round(time.Second))
	}
	return s.last, nil
}
