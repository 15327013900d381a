package observability

import (
	"context"
	"sync/atomic"
	"time"
)

// CounterSet mirrors the router's counters as process-local atomics.
// The OTel pipeline is write-only from the router's point of view, so
// the JSON metrics endpoint reads totals from here instead.
type CounterSet struct {
	published   atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	retries     atomic.Int64
	deadLetters atomic.Int64
}

var _ MetricsRecorder = (*CounterSet)(nil)

// RecordPublish counts an accepted event.
func (c *CounterSet) RecordPublish(_ context.Context, _ string) {
	c.published.Add(1)
}

// RecordDelivery counts a delivery attempt by outcome.
func (c *CounterSet) RecordDelivery(_ context.Context, _, outcome string, _ time.Duration) {
	if outcome == "delivered" {
		c.delivered.Add(1)
		return
	}
	c.failed.Add(1)
}

// RecordRetry counts a rescheduled attempt.
func (c *CounterSet) RecordRetry(_ context.Context, _ string) {
	c.retries.Add(1)
}

// RecordDeadLetter counts a terminally failed delivery.
func (c *CounterSet) RecordDeadLetter(_ context.Context, _ string) {
	c.deadLetters.Add(1)
}

// RecordQueueDepth is a gauge, not a counter; the scheduler reports
// depth directly in its stats.
func (c *CounterSet) RecordQueueDepth(_ context.Context, _ int64) {}

// CounterSnapshot is a point-in-time view of the counters.
type CounterSnapshot struct {
	// Published is the number of events accepted into the log.
	Published int64 `json:"published"`

	// Delivered is the number of delivery attempts the target
	// acknowledged.
	Delivered int64 `json:"delivered"`

	// FailedAttempts is the number of delivery attempts that failed,
	// transiently or permanently.
	FailedAttempts int64 `json:"failed_attempts"`

	// Retries is the number of attempts rescheduled with backoff.
	Retries int64 `json:"retries"`

	// DeadLetters is the number of entries written to the dead-letter
	// store.
	DeadLetters int64 `json:"dead_letters"`
}

// Snapshot returns the current counter values.
func (c *CounterSet) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Published:      c.published.Load(),
		Delivered:      c.delivered.Load(),
		FailedAttempts: c.failed.Load(),
		Retries:        c.retries.Load(),
		DeadLetters:    c.deadLetters.Load(),
	}
}

// Tee fans each recorder call out to every given recorder. Nil entries
// are skipped.
func Tee(recorders ...MetricsRecorder) MetricsRecorder {
	kept := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			kept = append(kept, r)
		}
	}
	return kept
}

type multiRecorder []MetricsRecorder

func (m multiRecorder) RecordPublish(ctx context.Context, priority string) {
	for _, r := range m {
		r.RecordPublish(ctx, priority)
	}
}

func (m multiRecorder) RecordDelivery(ctx context.Context, connection, outcome string, duration time.Duration) {
	for _, r := range m {
		r.RecordDelivery(ctx, connection, outcome, duration)
	}
}

func (m multiRecorder) RecordRetry(ctx context.Context, subscriptionID string) {
	for _, r := range m {
		r.RecordRetry(ctx, subscriptionID)
	}
}

func (m multiRecorder) RecordDeadLetter(ctx context.Context, reason string) {
	for _, r := range m {
		r.RecordDeadLetter(ctx, reason)
	}
}

func (m multiRecorder) RecordQueueDepth(ctx context.Context, depth int64) {
	for _, r := range m {
		r.RecordQueueDepth(ctx, depth)
	}
}
