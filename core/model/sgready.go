package model

import "fmt"

// SGReadyMode is one of the four combined states of an SG-Ready heat pump.
type SGReadyMode string

const (
	// SGReadyOff is the utility lock (EVU-Sperre): both relays off.
	SGReadyOff         SGReadyMode = "off"
	SGReadyNormal      SGReadyMode = "normal"
	SGReadyRecommended SGReadyMode = "recommended"
	SGReadyForced      SGReadyMode = "forced"
)

// Relays returns the (signal, forced) relay states for the mode.
func (m SGReadyMode) Relays() (bool, bool, error) {
	switch m {
	case SGReadyOff, SGReadyNormal:
		return false, false, nil
	case SGReadyRecommended:
		return true, false, nil
	case SGReadyForced:
		return true, true, nil
	default:
		return false, false, fmt.Errorf("unknown sg-ready mode %q", string(m))
	}
}

// SGReadyFromRelays decodes the relay pair. Off and normal cannot be told
// apart on the wire, so both read as normal. The combination signal=off,
// forced=on is invalid.
func SGReadyFromRelays(signal, forced bool) (SGReadyMode, error) {
	switch {
	case !signal && !forced:
		return SGReadyNormal, nil
	case signal && !forced:
		return SGReadyRecommended, nil
	case signal && forced:
		return SGReadyForced, nil
	default:
		return "", fmt.Errorf("invalid sg-ready relay state")
	}
}

// SGReadyForTarget maps an arbitration target onto the heat pump: surplus
// enables recommended operation, otherwise the pump runs on its own control.
func SGReadyForTarget(on bool) SGReadyMode {
	if on {
		return SGReadyRecommended
	}
	return SGReadyNormal
}
