package energy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/ems/core/model"
)

func snap(grid, soc float64) model.EnergySnapshot {
	return model.NewEnergySnapshot(3000, grid, 0, soc, time.Time{})
}

func TestAvailablePower(t *testing.T) {
	p := DefaultSOCPolicy()
	tests := []struct {
		name      string
		grid, soc float64
		want      float64
	}{
		{"export", -2000, 50, 1900},
		{"import", 500, 50, 0},
		{"high soc bonus", -2000, 95, 2100},
		{"high soc while importing", 500, 95, 200},
		{"low soc penalty", -2000, 10, 1600},
		{"penalty floors at zero", -300, 10, 0},
		{"thresholds exclusive", -2000, 90, 1900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AvailablePower(snap(tt.grid, tt.soc), 100, p), 1e-9)
		})
	}
}

func TestAvailablePowerCustomPolicy(t *testing.T) {
	p := SOCPolicy{HighSOC: 80, Bonus: 500, LowSOC: 0, Penalty: 0}
	assert.Equal(t, 2400.0, AvailablePower(snap(-2000, 85), 100, p))
}

func TestSmoother(t *testing.T) {
	s := NewSmoother(3)
	assert.Equal(t, 300.0, s.Add(300))
	assert.Equal(t, 200.0, s.Add(100))
	s.Add(200)
	assert.Equal(t, 200.0, s.Add(300))
	s.Reset()
	assert.Equal(t, 50.0, s.Add(50))

	one := NewSmoother(0)
	one.Add(10)
	assert.Equal(t, 20.0, one.Add(20))
}
