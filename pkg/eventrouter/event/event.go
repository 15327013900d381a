// Package event defines the event envelope carried through the router.
//
// An Event is immutable once accepted: the router assigns its ID, timestamp,
// and log sequence at publish time, and every later stage (matching,
// scheduling, delivery, replay) reads but never rewrites it. Producers
// control the type, source, topic, priority, payload, and metadata.
//
// Correlation and causation IDs let consumers stitch together event chains
// across services: correlation groups a whole interaction, causation points
// at the single event that directly triggered this one.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// Event is the unit of routing and delivery.
type Event struct {
	// ID uniquely identifies the event. Router-assigned.
	ID string `json:"id"`

	// Type names what happened, dot-delimited (e.g. "project.created").
	Type string `json:"type"`

	// Source names the producing service.
	Source string `json:"source"`

	// Topic is the hierarchical routing key subscriptions match against.
	// Stored in canonical dot notation.
	Topic string `json:"topic"`

	// Priority orders this event within each subscriber's queue.
	Priority Priority `json:"priority"`

	// Payload is the producer's opaque JSON body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata carries routing hints and delivery bookkeeping.
	Metadata Metadata `json:"metadata,omitempty"`

	// CorrelationID groups related events across services.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID is the ID of the event that directly caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// Timestamp is when the router accepted the event. Router-assigned.
	Timestamp time.Time `json:"timestamp"`

	// Sequence is the event's position in the log, monotonic per router.
	// Router-assigned; zero until accepted.
	Sequence int64 `json:"sequence,omitempty"`
}

// Metadata carries the optional routing and delivery hints attached by
// producers.
type Metadata struct {
	// Tags label the event for subscription filters.
	Tags []string `json:"tags,omitempty"`

	// ProjectID scopes the event to a project, for project-scoped filters.
	ProjectID string `json:"project_id,omitempty"`

	// UserID marks the event relevant to a user, for user-relevant filters.
	UserID string `json:"user_id,omitempty"`

	// MaxRetries overrides the router's retry budget for this event.
	// Zero means use the configured default.
	MaxRetries int `json:"max_retries,omitempty"`

	// ExpiresAt is the delivery deadline. An event still undelivered when
	// it passes is dead-lettered without consuming further retries.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithPriority sets the delivery priority (default: NORMAL).
func WithPriority(p Priority) Option {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithPayload sets the JSON payload.
func WithPayload(payload json.RawMessage) Option {
	return func(e *Event) {
		e.Payload = payload
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.CausationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithTags labels the event for subscription filters.
func WithTags(tags ...string) Option {
	return func(e *Event) {
		e.Metadata.Tags = tags
	}
}

// WithProject scopes the event to a project.
func WithProject(projectID string) Option {
	return func(e *Event) {
		e.Metadata.ProjectID = projectID
	}
}

// WithUser marks the event relevant to a user.
func WithUser(userID string) Option {
	return func(e *Event) {
		e.Metadata.UserID = userID
	}
}

// WithMaxRetries overrides the retry budget for this event.
func WithMaxRetries(n int) Option {
	return func(e *Event) {
		e.Metadata.MaxRetries = n
	}
}

// WithExpiresAt sets the delivery deadline.
func WithExpiresAt(t time.Time) Option {
	return func(e *Event) {
		e.Metadata.ExpiresAt = &t
	}
}

// WithTTL sets the delivery deadline relative to the event timestamp.
func WithTTL(d time.Duration) Option {
	return func(e *Event) {
		t := e.Timestamp.Add(d)
		e.Metadata.ExpiresAt = &t
	}
}

// New creates an event with the given type, source, and topic. The topic is
// normalized to canonical form. ID and timestamp default to a fresh UUID
// and the current time; the correlation ID defaults to the event's own ID
// so it can root a new chain.
func New(eventType, source, eventTopic string, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Topic:     topic.Normalize(eventTopic),
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}

	return e
}

// NewFromParent creates an event caused by a parent event. It inherits the
// parent's correlation ID and sets causation to the parent's ID.
func NewFromParent(parent *Event, eventType, source, eventTopic string, opts ...Option) *Event {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, source, eventTopic, append(parentOpts, opts...)...)
}

// Validate checks the fields a producer controls. Router-assigned fields
// (ID, timestamp, sequence) are not validated here.
func (e *Event) Validate() error {
	if e.Type == "" {
		return ererrors.Validation("type", "must not be empty")
	}
	if e.Source == "" {
		return ererrors.Validation("source", "must not be empty")
	}
	if err := topic.Validate(e.Topic); err != nil {
		return err
	}
	if !e.Priority.Valid() {
		return ererrors.Validation("priority", "must be LOW, NORMAL, HIGH, or CRITICAL")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return ererrors.Validation("payload", "must be valid JSON")
	}
	if e.Metadata.MaxRetries < 0 {
		return ererrors.Validation("metadata.max_retries", "must not be negative")
	}
	return nil
}

// Expired reports whether the event's delivery deadline has passed.
func (e *Event) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt != nil && now.After(*e.Metadata.ExpiresAt)
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Delivery and replay hand copies to concurrent
// consumers so none can observe another's mutations.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Metadata.Tags != nil {
		clone.Metadata.Tags = make([]string, len(e.Metadata.Tags))
		copy(clone.Metadata.Tags, e.Metadata.Tags)
	}
	if e.Metadata.ExpiresAt != nil {
		t := *e.Metadata.ExpiresAt
		clone.Metadata.ExpiresAt = &t
	}
	return &clone
}
