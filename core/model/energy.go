package model

import "time"

// EnergySnapshot is the immutable energy state of the installation for one
// control cycle. All powers are in W.
//
// Sign conventions:
//   - GridPower is positive while importing and negative while exporting.
//   - BatteryPower is positive while the battery discharges into the house
//     and negative while it charges.
//
// With these conventions HouseConsumption = PV + Grid + Battery.
type EnergySnapshot struct {
	PVPower          float64   `json:"pv_power"`
	GridPower        float64   `json:"grid_power"`
	BatteryPower     float64   `json:"battery_power"`
	BatterySoC       float64   `json:"battery_soc"`
	HouseConsumption float64   `json:"house_consumption"`
	AvailablePower   float64   `json:"available_power"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewEnergySnapshot builds a snapshot and derives the house consumption.
func NewEnergySnapshot(pv, grid, battery, soc float64, ts time.Time) EnergySnapshot {
	if soc < 0 {
		soc = 0
	} else if soc > 100 {
		soc = 100
	}
	return EnergySnapshot{
		PVPower:          pv,
		GridPower:        grid,
		BatteryPower:     battery,
		BatterySoC:       soc,
		HouseConsumption: HouseConsumption(pv, grid, battery),
		Timestamp:        ts,
	}
}

// HouseConsumption balances the three sources feeding the house.
func HouseConsumption(pv, grid, battery float64) float64 {
	return pv + grid + battery
}

// Exporting reports whether power is currently fed into the grid.
func (s EnergySnapshot) Exporting() bool { return s.GridPower < 0 }

// Charging reports whether the battery is currently charging.
func (s EnergySnapshot) Charging() bool { return s.BatteryPower < 0 }

// WithAvailable returns a copy carrying the derived available power.
func (s EnergySnapshot) WithAvailable(p float64) EnergySnapshot {
	s.AvailablePower = p
	return s
}

// Value returns the snapshot field addressed by a condition parameter name.
func (s EnergySnapshot) Value(param string) (float64, bool) {
	switch param {
	case "pv_power":
		return s.PVPower, true
	case "grid_power":
		return s.GridPower, true
	case "battery_power":
		return s.BatteryPower, true
	case "battery_soc":
		return s.BatterySoC, true
	case "house_consumption":
		return s.HouseConsumption, true
	case "available_power":
		return s.AvailablePower, true
	default:
		return 0, false
	}
}

// SnapshotParameters lists the names accepted by Value.
var SnapshotParameters = []string{"pv_power", "grid_power", "battery_power", "battery_soc", "house_consumption", "available_power"}
