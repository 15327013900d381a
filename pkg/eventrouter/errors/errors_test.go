package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryValidation, "validation"},
		{CategoryCapacity, "capacity"},
		{CategoryExpired, "expired"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategoryJSON(t *testing.T) {
	data, err := json.Marshal(CategoryExpired)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"expired"` {
		t.Errorf("marshal = %s, want %q", data, `"expired"`)
	}

	var c Category
	if err := json.Unmarshal([]byte(`"Transient"`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c != CategoryTransient {
		t.Errorf("unmarshal = %s, want transient", c)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &c); err == nil {
		t.Error("expected error for unknown category name")
	}
}

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected Category
	}{
		{429, CategoryTransient},
		{408, CategoryTransient},
		{500, CategoryTransient},
		{502, CategoryTransient},
		{503, CategoryTransient},
		{504, CategoryTransient},
		{400, CategoryPermanent},
		{401, CategoryPermanent},
		{403, CategoryPermanent},
		{404, CategoryPermanent},
		{410, CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.code), func(t *testing.T) {
			if got := FromStatusCode(tt.code); got != tt.expected {
				t.Errorf("FromStatusCode(%d) = %s, want %s", tt.code, got, tt.expected)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		category Category
		expected int
	}{
		{CategoryValidation, 400},
		{CategoryCapacity, 429},
		{CategoryExpired, 410},
		{CategoryTransient, 503},
		{CategoryPermanent, 500},
		{Category(99), 500},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			if got := tt.category.HTTPStatus(); got != tt.expected {
				t.Errorf("%s.HTTPStatus() = %d, want %d", tt.category, got, tt.expected)
			}
		})
	}
}

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return e.timeout }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"transient delivery", Transient(errors.New("reset"), "http://x"), CategoryTransient},
		{"permanent delivery", Permanent(errors.New("gone"), "http://x"), CategoryPermanent},
		{"delivery with category", &DeliveryError{Category: CategoryExpired}, CategoryExpired},
		{"validation", Validation("topic", "empty"), CategoryValidation},
		{"capacity", &CapacityError{Resource: "pending deliveries", Limit: 10}, CategoryCapacity},
		{"expired", &ExpiredError{EventID: "ev-1"}, CategoryExpired},
		{"deadline exceeded", context.DeadlineExceeded, CategoryTransient},
		{"wrapped deadline", fmt.Errorf("deliver: %w", context.DeadlineExceeded), CategoryTransient},
		{"net timeout", &fakeNetError{timeout: true}, CategoryTransient},
		{"net non-timeout", &fakeNetError{timeout: false}, CategoryPermanent},
		{"unknown error", errors.New("mystery"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizeWrapped(t *testing.T) {
	inner := Transient(errors.New("connection refused"), "http://svc/hook")
	wrapped := fmt.Errorf("webhook: %w", inner)

	if got := Categorize(wrapped); got != CategoryTransient {
		t.Errorf("Categorize(wrapped) = %s, want transient", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("wrapped transient error should be retryable")
	}
}

func TestDeliveryError(t *testing.T) {
	t.Run("message with status and endpoint", func(t *testing.T) {
		err := &DeliveryError{
			Err:        errors.New("service unavailable"),
			Category:   CategoryTransient,
			StatusCode: 503,
			Endpoint:   "http://svc/hook",
		}
		expected := "delivery failed with status 503 at http://svc/hook (category: transient): service unavailable"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("message without status", func(t *testing.T) {
		err := Permanent(nil, "")
		if got := err.Error(); got != "delivery failed (category: permanent)" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner")
		err := Transient(inner, "http://x")
		if !errors.Is(err, inner) {
			t.Error("Unwrap should expose inner error")
		}
	})
}

func TestTypedErrors(t *testing.T) {
	t.Run("validation with field", func(t *testing.T) {
		err := Validation("priority", "unknown value")
		if got := err.Error(); got != "validation error on priority: unknown value" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("validation without field", func(t *testing.T) {
		err := &ValidationError{Message: "empty body"}
		if got := err.Error(); got != "validation error: empty body" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("capacity", func(t *testing.T) {
		err := &CapacityError{Resource: "pending deliveries", Limit: 100000}
		if got := err.Error(); got != "capacity exceeded: pending deliveries at limit 100000" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("expired", func(t *testing.T) {
		at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		err := &ExpiredError{EventID: "ev-42", ExpiredAt: at}
		if got := err.Error(); got != "event ev-42 expired at 2025-06-01T12:00:00Z" {
			t.Errorf("Error() = %q", got)
		}
	})
}

func TestStrategyString(t *testing.T) {
	tests := []struct {
		strategy Strategy
		expected string
	}{
		{StrategyExponential, "exponential"},
		{StrategyLinear, "linear"},
		{StrategyFixed, "fixed"},
		{Strategy(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.strategy.String(); got != tt.expected {
			t.Errorf("Strategy(%d).String() = %s, want %s", tt.strategy, got, tt.expected)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name     string
		expected Strategy
	}{
		{"exponential", StrategyExponential},
		{"linear", StrategyLinear},
		{"fixed", StrategyFixed},
		{"bogus", StrategyExponential},
		{"", StrategyExponential},
	}

	for _, tt := range tests {
		if got := ParseStrategy(tt.name); got != tt.expected {
			t.Errorf("ParseStrategy(%q) = %s, want %s", tt.name, got, tt.expected)
		}
	}
}

func TestStrategyJSON(t *testing.T) {
	data, err := json.Marshal(StrategyLinear)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"linear"` {
		t.Errorf("marshal = %s, want %q", data, `"linear"`)
	}

	var b Backoff
	if err := json.Unmarshal([]byte(`{"strategy":"fixed","base_delay":5000000}`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Strategy != StrategyFixed {
		t.Errorf("strategy = %s, want fixed", b.Strategy)
	}
	if b.BaseDelay != 5*time.Millisecond {
		t.Errorf("base delay = %v, want 5ms", b.BaseDelay)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		b := Backoff{Strategy: StrategyFixed, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
		for attempt := 1; attempt <= 5; attempt++ {
			if got := b.Delay(attempt); got != 2*time.Second {
				t.Errorf("Delay(%d) = %v, want 2s", attempt, got)
			}
		}
	})

	t.Run("linear", func(t *testing.T) {
		b := Backoff{Strategy: StrategyLinear, BaseDelay: time.Second, MaxDelay: time.Minute}
		expected := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}
		for i, want := range expected {
			if got := b.Delay(i + 1); got != want {
				t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
			}
		}
	})

	t.Run("exponential", func(t *testing.T) {
		b := Backoff{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2.0}
		expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
		for i, want := range expected {
			if got := b.Delay(i + 1); got != want {
				t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
			}
		}
	})

	t.Run("exponential caps at max", func(t *testing.T) {
		b := Backoff{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2.0}
		if got := b.Delay(30); got != 10*time.Second {
			t.Errorf("Delay(30) = %v, want 10s cap", got)
		}
	})

	t.Run("linear caps at max", func(t *testing.T) {
		b := Backoff{Strategy: StrategyLinear, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
		if got := b.Delay(100); got != 5*time.Second {
			t.Errorf("Delay(100) = %v, want 5s cap", got)
		}
	})

	t.Run("attempt below one clamps", func(t *testing.T) {
		b := Backoff{Strategy: StrategyLinear, BaseDelay: time.Second, MaxDelay: time.Minute}
		if got := b.Delay(0); got != time.Second {
			t.Errorf("Delay(0) = %v, want 1s", got)
		}
	})

	t.Run("jitter stays in bounds", func(t *testing.T) {
		b := Backoff{Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}
		lo := 500 * time.Millisecond
		hi := 1500 * time.Millisecond
		for i := 0; i < 100; i++ {
			got := b.Delay(1)
			if got < lo || got > hi {
				t.Fatalf("Delay(1) = %v, want within [%v, %v]", got, lo, hi)
			}
		}
	})
}

func TestBackoffNormalized(t *testing.T) {
	b := Backoff{Jitter: 2.5}.Normalized()

	if b.BaseDelay != DefaultBackoff.BaseDelay {
		t.Errorf("BaseDelay = %v, want default %v", b.BaseDelay, DefaultBackoff.BaseDelay)
	}
	if b.MaxDelay != DefaultBackoff.MaxDelay {
		t.Errorf("MaxDelay = %v, want default %v", b.MaxDelay, DefaultBackoff.MaxDelay)
	}
	if b.Factor != DefaultBackoff.Factor {
		t.Errorf("Factor = %f, want default %f", b.Factor, DefaultBackoff.Factor)
	}
	if b.Jitter != 1.0 {
		t.Errorf("Jitter = %f, want clamped to 1.0", b.Jitter)
	}
}
