package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority orders pending deliveries within a subscriber's queue. Higher
// priorities are always dispatched before lower ones; ordering within a
// priority is FIFO.
type Priority int

const (
	// PriorityLow is background traffic, delivered when nothing else waits.
	PriorityLow Priority = iota

	// PriorityNormal is the default for routine events.
	PriorityNormal

	// PriorityHigh is delivered ahead of normal traffic.
	PriorityHigh

	// PriorityCritical bypasses batching and always takes the
	// lowest-latency delivery path available.
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the priority is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a priority name to a Priority. Case-insensitive.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON encodes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a priority name or a numeric level.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, perr := ParsePriority(name)
		if perr != nil {
			return perr
		}
		*p = parsed
		return nil
	}

	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("priority must be a name or level: %w", err)
	}
	parsed := Priority(level)
	if !parsed.Valid() {
		return fmt.Errorf("priority level %d out of range", level)
	}
	*p = parsed
	return nil
}
