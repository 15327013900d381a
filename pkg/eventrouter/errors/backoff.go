package errors

import (
	"encoding/json"
	"math/rand/v2"
	"time"
)

// Strategy selects how retry delays grow across attempts.
type Strategy int

const (
	// StrategyExponential multiplies the delay by Factor after each attempt.
	StrategyExponential Strategy = iota

	// StrategyLinear grows the delay by BaseDelay each attempt.
	StrategyLinear

	// StrategyFixed uses BaseDelay for every attempt.
	StrategyFixed
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyExponential:
		return "exponential"
	case StrategyLinear:
		return "linear"
	case StrategyFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a strategy name to a Strategy.
// Unknown names fall back to exponential.
func ParseStrategy(name string) Strategy {
	switch name {
	case "linear":
		return StrategyLinear
	case "fixed":
		return StrategyFixed
	default:
		return StrategyExponential
	}
}

// MarshalJSON encodes the strategy as its name.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a strategy from its name.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = ParseStrategy(name)
	return nil
}

// Backoff configures retry delay growth. Durations marshal as
// nanoseconds, like every other duration on the API surface.
type Backoff struct {
	// Strategy selects the growth curve.
	// Default: StrategyExponential
	Strategy Strategy `json:"strategy"`

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the delay regardless of strategy.
	// Default: 60 seconds
	MaxDelay time.Duration `json:"max_delay"`

	// Factor is the exponential multiplier applied per attempt.
	// Default: 2.0
	Factor float64 `json:"factor,omitempty"`

	// Jitter is the random jitter fraction (0.0-1.0) applied to each delay
	// to avoid thundering-herd resynchronization when many subscribers
	// retry the same failed event simultaneously.
	// Default: 0.1
	Jitter float64 `json:"jitter,omitempty"`
}

// DefaultBackoff is the standard backoff configuration.
var DefaultBackoff = Backoff{
	Strategy:  StrategyExponential,
	BaseDelay: 1 * time.Second,
	MaxDelay:  60 * time.Second,
	Factor:    2.0,
	Jitter:    0.1,
}

// AggressiveBackoff retries sooner with a lower cap, for latency-sensitive
// subscribers.
var AggressiveBackoff = Backoff{
	Strategy:  StrategyExponential,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  10 * time.Second,
	Factor:    1.5,
	Jitter:    0.2,
}

// Normalized returns a copy with zero fields replaced by defaults.
func (b Backoff) Normalized() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultBackoff.BaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultBackoff.MaxDelay
	}
	if b.Factor <= 1 {
		b.Factor = DefaultBackoff.Factor
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Delay returns the backoff delay before the given retry attempt.
// attempt is 1-based: Delay(1) is the wait before the first retry.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.Normalized()
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch b.Strategy {
	case StrategyFixed:
		delay = b.BaseDelay
	case StrategyLinear:
		delay = b.BaseDelay * time.Duration(attempt)
	default:
		delay = b.BaseDelay
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * b.Factor)
			if delay >= b.MaxDelay {
				break
			}
		}
	}

	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	return applyJitter(delay, b.Jitter)
}

// applyJitter returns the delay shifted by up to +/- delay*jitter.
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	result := time.Duration(float64(base) + jitterAmount)
	if result < 0 {
		result = 0
	}
	return result
}
