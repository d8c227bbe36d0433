package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority is the allocation tier of a device. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityOptional
)

// Priorities lists all tiers in allocation order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityOptional}

// String returns the canonical upper-case name of the tier.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityOptional:
		return "OPTIONAL"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityOptional
}

// ParsePriority converts a tier name (case insensitive) to a Priority.
func ParsePriority(s string) (Priority, error) {
	for _, p := range Priorities {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText lets koanf and yaml decoders use the tier names.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
