// Package errors provides the error taxonomy and backoff policies for the
// event router.
//
// The package implements a layered failure-handling approach:
//   - Categorization: classify failures so each gets the right treatment
//   - Backoff: fixed, linear, and exponential retry delays with jitter
//   - Typed errors: validation, capacity, delivery, and expiry failures
//
// Publish-time errors (validation, capacity) are returned synchronously to
// producers. Delivery-time errors never reach producers; they drive the
// retry state machine and surface through metrics and dead-letter entries.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: timeouts, 5xx responses, 429 rate limits, network resets.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: 4xx responses (other than 429), malformed endpoints.
	CategoryPermanent

	// CategoryValidation indicates a malformed request rejected before it
	// entered the event log. Never retried, never dead-lettered.
	CategoryValidation

	// CategoryCapacity indicates a queue or in-flight limit was exceeded.
	// The call fails fast rather than silently dropping work.
	CategoryCapacity

	// CategoryExpired indicates the event's TTL elapsed before delivery
	// succeeded. Dead-lettered without consuming further retries.
	CategoryExpired
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryValidation:
		return "validation"
	case CategoryCapacity:
		return "capacity"
	case CategoryExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseCategory converts a category name to a Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient":
		return CategoryTransient, nil
	case "permanent":
		return CategoryPermanent, nil
	case "validation":
		return CategoryValidation, nil
	case "capacity":
		return CategoryCapacity, nil
	case "expired":
		return CategoryExpired, nil
	default:
		return CategoryTransient, fmt.Errorf("unknown error category %q", s)
	}
}

// MarshalJSON encodes the category as its name.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a category from its name.
func (c *Category) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseCategory(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// DeliveryError wraps a failed delivery attempt with its category and the
// transport detail needed for retry decisions.
type DeliveryError struct {
	// Err is the underlying error, if any.
	Err error

	// Category indicates how this failure should be handled.
	Category Category

	// StatusCode is the HTTP status when the failure came from a webhook
	// response. Zero for network-level failures.
	StatusCode int

	// RetryAfter is the server-suggested delay (from a 429 response).
	// Zero means use the configured backoff curve.
	RetryAfter time.Duration

	// Endpoint describes where delivery was attempted.
	Endpoint string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := "delivery failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("delivery failed with status %d", e.StatusCode)
	}
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Endpoint)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (category: %s): %v", msg, e.Category, e.Err)
	}
	return fmt.Sprintf("%s (category: %s)", msg, e.Category)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient creates a transient delivery error.
func Transient(err error, endpoint string) *DeliveryError {
	return &DeliveryError{Err: err, Category: CategoryTransient, Endpoint: endpoint}
}

// Permanent creates a permanent delivery error.
func Permanent(err error, endpoint string) *DeliveryError {
	return &DeliveryError{Err: err, Category: CategoryPermanent, Endpoint: endpoint}
}

// FromStatusCode categorizes a webhook HTTP response code.
//
// 2xx is success and never reaches this function in practice; it maps to
// transient as a fail-safe. 429 and 408 are transient (the subscriber asked
// for a slowdown or timed out reading). 5xx is transient. Any other 4xx is
// permanent: the subscriber's configuration is wrong and hammering it won't
// fix anything.
func FromStatusCode(code int) Category {
	switch {
	case code == 429, code == 408:
		return CategoryTransient
	case code >= 500:
		return CategoryTransient
	case code >= 400:
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// HTTPStatus maps a category to the status code the API layer answers
// with. The inverse of FromStatusCode, roughly: validation failures are
// the caller's fault, capacity is backpressure, everything else is on us.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryCapacity:
		return http.StatusTooManyRequests
	case CategoryExpired:
		return http.StatusGone
	case CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var delErr *DeliveryError
	if errors.As(err, &delErr) {
		return delErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return CategoryCapacity
	}

	var expErr *ExpiredError
	if errors.As(err, &expErr) {
		return CategoryExpired
	}

	// Timeouts and cancellations during a delivery attempt are transient:
	// the attempt is rescheduled, not crashed.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe).
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
