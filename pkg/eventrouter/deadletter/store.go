// Package deadletter stores events whose delivery terminally failed.
//
// A dead-letter entry is the end state of the retry machinery: retries
// exhausted, a permanent failure confirmed, the event expired, or a
// subscriber queue overflowed. Entries are never removed automatically.
// An operator either requeues an entry (the router re-drives the event
// through the scheduler) or deletes it explicitly. The original event also
// stays in the event log, so entries can be cross-referenced by event ID.
//
// Two Store implementations are provided: MemoryStore for tests and
// embedded use, SQLiteStore for durability across restarts. The package
// also ships a PoisonDetector that flags event content failing repeatedly
// across subscribers within a time window.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// Reason records which terminal path produced an entry.
type Reason string

const (
	// ReasonExhausted means the attempt ran out of retries.
	ReasonExhausted Reason = "retries_exhausted"

	// ReasonPermanent means a permanent failure was confirmed by the
	// follow-up attempt.
	ReasonPermanent Reason = "permanent_failure"

	// ReasonExpired means the event's TTL elapsed before delivery
	// succeeded.
	ReasonExpired Reason = "expired"

	// ReasonOverflow means a subscriber queue was full and the attempt was
	// shed rather than silently dropped.
	ReasonOverflow Reason = "queue_overflow"

	// ReasonPoison means the event's content was flagged by the poison
	// detector and quarantined instead of delivered.
	ReasonPoison Reason = "poison_suspected"
)

// Entry is one terminally failed delivery, unique per event and
// subscription.
type Entry struct {
	// ID identifies the entry for requeue and delete operations.
	ID string `json:"id"`

	// Event is a snapshot of the event at dead-letter time.
	Event *event.Event `json:"event"`

	// SubscriptionID identifies the subscriber the delivery was for.
	SubscriptionID string `json:"subscription_id"`

	// Attempts is the number of delivery attempts made before giving up.
	Attempts int `json:"attempts"`

	// Reason records the terminal path.
	Reason Reason `json:"reason"`

	// Category is the failure category of the last delivery error.
	Category ererrors.Category `json:"category"`

	// LastError is the message of the last delivery error, if any.
	LastError string `json:"last_error,omitempty"`

	// FirstFailedAt is when the first attempt failed.
	FirstFailedAt time.Time `json:"first_failed_at"`

	// LastFailedAt is when the final attempt failed.
	LastFailedAt time.Time `json:"last_failed_at"`
}

// NewEntry builds an entry for a terminally failed attempt. lastErr may be
// nil; overflow and expiry entries carry no delivery error, so the category
// falls back to the one implied by the reason.
func NewEntry(e *event.Event, subscriptionID string, attempts int, reason Reason, lastErr error, firstFailedAt time.Time) *Entry {
	now := time.Now().UTC()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		Event:          e.Clone(),
		SubscriptionID: subscriptionID,
		Attempts:       attempts,
		Reason:         reason,
		FirstFailedAt:  firstFailedAt.UTC(),
		LastFailedAt:   now,
	}

	if lastErr != nil {
		entry.LastError = lastErr.Error()
		entry.Category = ererrors.Categorize(lastErr)
		return entry
	}

	switch reason {
	case ReasonExpired:
		entry.Category = ererrors.CategoryExpired
	case ReasonOverflow:
		entry.Category = ererrors.CategoryCapacity
	default:
		entry.Category = ererrors.CategoryPermanent
	}
	return entry
}

// validate checks the fields a store depends on.
func (e *Entry) validate() error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.Event == nil || e.Event.ID == "" {
		return fmt.Errorf("entry has no event")
	}
	if e.SubscriptionID == "" {
		return fmt.Errorf("entry has no subscription id")
	}
	return nil
}

// clone returns an independent copy so stored entries can't be mutated
// through returned pointers.
func (e *Entry) clone() *Entry {
	c := *e
	c.Event = e.Event.Clone()
	return &c
}

// Store persists dead-letter entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Add records an entry. Adding is idempotent per (event, subscription):
	// it reports false, without error, when an entry for the same pair
	// already exists.
	Add(ctx context.Context, entry *Entry) (bool, error)

	// Get retrieves an entry by ID.
	// Returns ErrNotFound if no entry has that ID.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries matching the criteria in the order they were
	// dead-lettered, oldest first.
	List(ctx context.Context, criteria ListCriteria) (*Page, error)

	// Remove deletes an entry by ID and returns it. Requeue re-drives the
	// returned entry's event; operator deletes discard it.
	Remove(ctx context.Context, id string) (*Entry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Stats summarizes the stored entries.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any resources (connections, files).
	Close() error
}

// ListCriteria filters and pages List results. Zero fields match
// everything.
type ListCriteria struct {
	// SubscriptionID restricts results to one subscriber.
	SubscriptionID string

	// Reason restricts results to one terminal path.
	Reason Reason

	// EventType restricts results by exact event type.
	EventType string

	// Limit bounds the page size. Default: 100, max 1000.
	Limit int

	// Offset skips this many matching entries.
	Offset int
}

// normalized returns the criteria with paging bounds applied.
func (c ListCriteria) normalized() ListCriteria {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Limit > 1000 {
		c.Limit = 1000
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	return c
}

// matches reports whether an entry passes the non-paging filters.
func (c ListCriteria) matches(e *Entry) bool {
	if c.SubscriptionID != "" && e.SubscriptionID != c.SubscriptionID {
		return false
	}
	if c.Reason != "" && e.Reason != c.Reason {
		return false
	}
	if c.EventType != "" && e.Event.Type != c.EventType {
		return false
	}
	return true
}

// Page is one window of List results.
type Page struct {
	// Entries is the page window, oldest first.
	Entries []*Entry `json:"entries"`

	// Total is the number of entries matching the criteria, ignoring
	// paging.
	Total int `json:"total"`

	Limit  int `json:"limit"`
	Offset int `json:"offset"`

	// HasMore reports whether entries match beyond this page.
	HasMore bool `json:"has_more"`
}

// Stats summarizes a dead-letter store.
type Stats struct {
	// Entries is the total number of stored entries.
	Entries int `json:"entries"`

	// ByReason counts entries per terminal path.
	ByReason map[Reason]int `json:"by_reason,omitempty"`

	// BySubscription counts entries per subscriber.
	BySubscription map[string]int `json:"by_subscription,omitempty"`

	// OldestAge is the age of the oldest first failure. Zero when the
	// store is empty.
	OldestAge time.Duration `json:"oldest_age,omitempty"`
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no entry has the requested ID.
	ErrNotFound = errors.New("dead-letter entry not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead-letter store closed")
)

// dedupeKey is the idempotency key for Add.
func dedupeKey(eventID, subscriptionID string) string {
	return eventID + "\x00" + subscriptionID
}
