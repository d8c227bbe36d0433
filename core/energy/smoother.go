// Package energy derives the power budget from energy snapshots.
package energy

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/ems/core/model"
)

// SOCPolicy adjusts the surplus depending on the battery state of charge.
type SOCPolicy struct {
	HighSOC float64 `json:"high_soc"` // bonus applies strictly above
	Bonus   float64 `json:"bonus"`    // W
	LowSOC  float64 `json:"low_soc"`  // penalty applies strictly below
	Penalty float64 `json:"penalty"`  // W
}

// DefaultSOCPolicy returns the stock thresholds.
func DefaultSOCPolicy() SOCPolicy {
	return SOCPolicy{HighSOC: 90, Bonus: 200, LowSOC: 20, Penalty: 300}
}

// AvailablePower computes the budget for a cycle. Only exported power
// counts, reduced by the hysteresis margin, then adjusted by the SOC policy
// and clamped at zero.
func AvailablePower(snap model.EnergySnapshot, hysteresis float64, p SOCPolicy) float64 {
	var surplus float64
	if snap.GridPower < 0 {
		surplus = -snap.GridPower - hysteresis
	}
	switch {
	case snap.BatterySoC > p.HighSOC:
		surplus += p.Bonus
	case snap.BatterySoC < p.LowSOC:
		surplus -= p.Penalty
	}
	if surplus < 0 {
		return 0
	}
	return surplus
}

// Smoother averages the last N values to damp short PV dips.
type Smoother struct {
	mu      sync.Mutex
	window  int
	samples []float64
}

// NewSmoother creates a smoother over window samples. A window of one or
// less disables smoothing.
func NewSmoother(window int) *Smoother {
	if window < 1 {
		window = 1
	}
	return &Smoother{window: window}
}

// Add records v and returns the current mean.
func (s *Smoother) Add(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, v)
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
	return stat.Mean(s.samples, nil)
}

// Reset discards the history.
func (s *Smoother) Reset() {
	s.mu.Lock()
	s.samples = nil
	s.mu.Unlock()
}
