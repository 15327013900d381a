package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/observability"
)

func TestCounterSetSnapshot(t *testing.T) {
	ctx := context.Background()
	var c observability.CounterSet

	c.RecordPublish(ctx, "NORMAL")
	c.RecordPublish(ctx, "HIGH")
	c.RecordDelivery(ctx, "webhook", "delivered", 5*time.Millisecond)
	c.RecordDelivery(ctx, "webhook", "transient", 8*time.Millisecond)
	c.RecordDelivery(ctx, "websocket", "permanent", 2*time.Millisecond)
	c.RecordRetry(ctx, "sub-1")
	c.RecordDeadLetter(ctx, "retries_exhausted")
	c.RecordQueueDepth(ctx, 42) // gauge, not counted

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Published)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(2), snap.FailedAttempts)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(1), snap.DeadLetters)
}

func TestTeeFansOut(t *testing.T) {
	ctx := context.Background()
	var a, b observability.CounterSet

	m := observability.Tee(&a, nil, &b)
	m.RecordPublish(ctx, "NORMAL")
	m.RecordDelivery(ctx, "webhook", "delivered", time.Millisecond)
	m.RecordQueueDepth(ctx, 3)

	assert.Equal(t, int64(1), a.Snapshot().Published)
	assert.Equal(t, int64(1), b.Snapshot().Published)
	assert.Equal(t, int64(1), a.Snapshot().Delivered)
	assert.Equal(t, int64(1), b.Snapshot().Delivered)
}
