package models

import (
	"fmt"
	"strings"
)

// Priority represents issue priority. Lower values are more urgent.
type Priority int

const (
	// PriorityCritical issues are too risky to parallelize and run in the
	// sequential tier, one at a time, ahead of the worker pool.
	PriorityCritical Priority = iota
	// PriorityHigh issues are scheduled before normal ones within a wave.
	PriorityHigh
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityLow issues are scheduled last within a wave.
	PriorityLow
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
// An empty string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "p0":
		return PriorityCritical, nil
	case "high", "p1":
		return PriorityHigh, nil
	case "normal", "medium", "p2", "":
		return PriorityNormal, nil
	case "low", "p3":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// UnmarshalYAML accepts either a priority name or a bare P-number.
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n int
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*p = Priority(n)
		return nil
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
