package scheduler

import (
	"math"

	"github.com/kilianp07/ems/core/model"
)

// equalityEpsilon absorbs measurement noise for == and !=.
const equalityEpsilon = 0.01

// Holds evaluates the condition against the snapshot. Unknown parameters
// never hold.
func (c Condition) Holds(snap model.EnergySnapshot) bool {
	v, ok := snap.Value(c.Parameter)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpGreater:
		return v > c.Value
	case OpLess:
		return v < c.Value
	case OpGreaterEqual:
		return v >= c.Value
	case OpLessEqual:
		return v <= c.Value
	case OpEqual:
		return math.Abs(v-c.Value) < equalityEpsilon
	case OpNotEqual:
		return math.Abs(v-c.Value) >= equalityEpsilon
	default:
		return false
	}
}

func (o Operator) valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}
