package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/subscription"
)

// BenchmarkNewEvent measures event construction, ID assignment included.
func BenchmarkNewEvent(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = event.New("order.created", "bench", "orders.eu.created")
	}
}

// BenchmarkEventLogAppend measures an in-memory log append. Events are
// built inside the loop because the log rejects duplicate IDs.
func BenchmarkEventLogAppend(b *testing.B) {
	store := eventlog.NewMemoryStore(eventlog.RetentionPolicy{})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Append(ctx, event.New("order.created", "bench", "orders.eu.created"))
	}
}

// BenchmarkEventLogQuery_1000 pages through a 1000-event log with a
// wildcard topic filter.
func BenchmarkEventLogQuery_1000(b *testing.B) {
	store := eventlog.NewMemoryStore(eventlog.RetentionPolicy{})
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if err := store.Append(ctx, event.New("order.created", "bench", benchPattern(i*4))); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Query(ctx, eventlog.Query{Topic: "orders.#", Limit: 100})
	}
}

// BenchmarkPublish_NoSubscribers measures the publish path when routing
// matches nothing: validate, append, done.
func BenchmarkPublish_NoSubscribers(b *testing.B) {
	router := benchRouter(b, 0)
	ctx := context.Background()
	req := benchPublishRequest()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = router.Publish(ctx, req)
	}
}

// BenchmarkPublish_OneSubscriber publishes to a single internal no-op
// subscriber, so the enqueue and dispatch path is in the measurement.
func BenchmarkPublish_OneSubscriber(b *testing.B) {
	benchmarkPublish(b, 1)
}

// BenchmarkPublish_FanOut_10 fans each event out to 10 subscribers.
func BenchmarkPublish_FanOut_10(b *testing.B) {
	benchmarkPublish(b, 10)
}

func benchmarkPublish(b *testing.B, subs int) {
	router := benchRouter(b, subs)
	ctx := context.Background()
	req := benchPublishRequest()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = router.Publish(ctx, req)
	}
}

// Helper functions

func benchPublishRequest() eventrouter.PublishRequest {
	return eventrouter.PublishRequest{
		Type:   "order.created",
		Source: "bench",
		Topic:  "orders.eu.created",
	}
}

// benchRouter builds a started router with n internal no-op subscribers.
// Queue bounds are raised far past anything the loop can enqueue so
// backpressure never skews the numbers.
func benchRouter(b *testing.B, n int) *eventrouter.Router {
	b.Helper()

	cfg := eventrouter.Config{
		PruneInterval: -1,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg.Scheduler.MaxPending = 1 << 20
	cfg.Scheduler.LaneDepth = 1 << 20

	router, err := eventrouter.New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = router.Close() })
	if err := router.Start(context.Background()); err != nil {
		b.Fatal(err)
	}

	for i := 0; i < n; i++ {
		_, err := router.Subscribe(subscription.Request{
			Topic:          "orders.#",
			ConnectionType: subscription.ConnInternal,
			Callback:       func(context.Context, *event.Event) error { return nil },
		})
		if err != nil {
			b.Fatal(err)
		}
	}
	return router
}
