package errors

import (
	"fmt"
	"time"
)

// ValidationError indicates a malformed event or subscription request.
// Returned synchronously; the request never enters the event log.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Validation creates a validation error for a field.
func Validation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CapacityError indicates a queue or in-flight limit was exceeded.
type CapacityError struct {
	// Resource names the saturated resource (e.g. "pending deliveries").
	Resource string

	// Limit is the configured bound that was hit.
	Limit int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s at limit %d", e.Resource, e.Limit)
}

// ExpiredError indicates an event's TTL elapsed before successful delivery.
type ExpiredError struct {
	EventID   string
	ExpiredAt time.Time
}

// Error implements the error interface.
func (e *ExpiredError) Error() string {
	return fmt.Sprintf("event %s expired at %s", e.EventID, e.ExpiredAt.Format(time.RFC3339))
}
