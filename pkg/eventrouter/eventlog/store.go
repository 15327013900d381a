// Package eventlog provides the append-only event log backing publish
// durability, history queries, and replay.
//
// Append is the router's durability boundary: a publish is acknowledged to
// the producer only after Append returns. Events are retained according to
// a policy that is independent of delivery state, so an event stays
// queryable and replayable even after every subscriber has consumed it.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// Store persists accepted events in sequence order.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores an event and assigns its log sequence.
	// Returns ErrDuplicateID if the event ID is already logged.
	Append(ctx context.Context, e *event.Event) error

	// AppendBatch stores each event independently and reports one outcome
	// per input. A failed event never affects its siblings.
	AppendBatch(ctx context.Context, events []*event.Event) []error

	// Get retrieves an event by ID.
	// Returns ErrNotFound if the event isn't logged.
	Get(ctx context.Context, id string) (*event.Event, error)

	// Query returns events matching the filters in sequence order.
	Query(ctx context.Context, q Query) (Page, error)

	// Count returns the number of logged events.
	Count(ctx context.Context) (int64, error)

	// Prune removes events outside the retention policy, oldest first.
	// Returns the number removed.
	Prune(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Query filters a log read. Zero fields match everything.
type Query struct {
	// Topic filters by routing key. May be a concrete topic or a pattern
	// with "*"/"#" wildcards.
	Topic string

	// Type filters by exact event type.
	Type string

	// Source filters by exact producing service.
	Source string

	// Since excludes events before this time (inclusive).
	Since time.Time

	// Until excludes events after this time (exclusive).
	Until time.Time

	// Limit bounds the page size. Default: 100, max 1000.
	Limit int

	// Offset skips this many matching events.
	Offset int
}

// normalized returns the query with paging bounds applied.
func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Page is one window of query results.
type Page struct {
	// Events is the page window, in sequence order.
	Events []*event.Event

	// Total is the number of events matching the query, ignoring paging.
	Total int

	Limit  int
	Offset int

	// HasMore reports whether events match beyond this page.
	HasMore bool
}

// RetentionPolicy bounds how much history a store keeps. Zero fields mean
// unbounded.
type RetentionPolicy struct {
	// MaxEvents caps the number of retained events.
	// Default: 0 (unbounded)
	MaxEvents int

	// MaxAge caps event age relative to prune time.
	// Default: 0 (unbounded)
	MaxAge time.Duration
}

// Sentinel errors for log operations.
var (
	// ErrNotFound indicates the event isn't logged.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicateID indicates the event ID is already logged.
	ErrDuplicateID = errors.New("event id already logged")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event log closed")
)
