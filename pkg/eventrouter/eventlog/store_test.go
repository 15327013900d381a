package eventlog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T, policy eventlog.RetentionPolicy) eventlog.Store

func memoryFactory(_ *testing.T, policy eventlog.RetentionPolicy) eventlog.Store {
	return eventlog.NewMemoryStore(policy)
}

func sqliteFactory(t *testing.T, policy eventlog.RetentionPolicy) eventlog.Store {
	store, err := eventlog.NewSQLiteStore(":memory:", policy)
	require.NoError(t, err)
	return store
}

func TestStoreContract(t *testing.T) {
	storeContractTest(t, "Memory", memoryFactory)
	storeContractTest(t, "SQLite", sqliteFactory)
}

func testEvent(eventType, topic string, opts ...event.Option) *event.Event {
	return event.New(eventType, "test-producer", topic, opts...)
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Append_assigns_sequence", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		first := testEvent("project.created", "project.created")
		second := testEvent("project.deleted", "project.deleted")

		require.NoError(t, store.Append(ctx, first))
		require.NoError(t, store.Append(ctx, second))

		assert.Equal(t, int64(1), first.Sequence)
		assert.Equal(t, int64(2), second.Sequence)
	})

	t.Run(name+"/Append_duplicate_id", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		e := testEvent("a.b", "a.b")
		require.NoError(t, store.Append(ctx, e))

		dup := testEvent("a.b", "a.b", event.WithID(e.ID))
		assert.ErrorIs(t, store.Append(ctx, dup), eventlog.ErrDuplicateID)
	})

	t.Run(name+"/Get", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		e := testEvent("a.b", "a.b", event.WithPriority(event.PriorityHigh))
		require.NoError(t, store.Append(ctx, e))

		got, err := store.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, event.PriorityHigh, got.Priority)
		assert.Equal(t, e.Sequence, got.Sequence)

		_, err = store.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, eventlog.ErrNotFound)
	})

	t.Run(name+"/AppendBatch_partial_failure", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		good := testEvent("a.b", "a.b")
		require.NoError(t, store.Append(ctx, good))

		batch := []*event.Event{
			testEvent("x.1", "x.one"),
			testEvent("x.2", "x.two", event.WithID(good.ID)), // duplicate
			testEvent("x.3", "x.three"),
		}

		outcomes := store.AppendBatch(ctx, batch)
		require.Len(t, outcomes, 3)
		assert.NoError(t, outcomes[0])
		assert.ErrorIs(t, outcomes[1], eventlog.ErrDuplicateID)
		assert.NoError(t, outcomes[2])

		// Siblings of the failed event are durably stored.
		_, err := store.Get(ctx, batch[0].ID)
		assert.NoError(t, err)
		_, err = store.Get(ctx, batch[2].ID)
		assert.NoError(t, err)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run(name+"/Query_filters", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		events := []*event.Event{
			event.New("project.created", "project-manager", "project.created", event.WithTimestamp(base)),
			event.New("project.deleted", "project-manager", "project.deleted", event.WithTimestamp(base.Add(time.Minute))),
			event.New("simulation.completed", "simulation-manager", "simulation.run.completed", event.WithTimestamp(base.Add(2*time.Minute))),
		}
		for _, e := range events {
			require.NoError(t, store.Append(ctx, e))
		}

		t.Run("by exact topic", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Topic: "project.created"})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[0].ID, page.Events[0].ID)
			assert.Equal(t, 1, page.Total)
		})

		t.Run("by topic pattern", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Topic: "project.*"})
			require.NoError(t, err)
			assert.Len(t, page.Events, 2)
			assert.Equal(t, 2, page.Total)
		})

		t.Run("by trailing pattern", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Topic: "simulation.#"})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[2].ID, page.Events[0].ID)
		})

		t.Run("by type", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Type: "project.deleted"})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[1].ID, page.Events[0].ID)
		})

		t.Run("by source", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Source: "simulation-manager"})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[2].ID, page.Events[0].ID)
		})

		t.Run("by time range", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{
				Since: base.Add(30 * time.Second),
				Until: base.Add(90 * time.Second),
			})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[1].ID, page.Events[0].ID)
		})

		t.Run("since is inclusive, until exclusive", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{
				Since: base,
				Until: base.Add(time.Minute),
			})
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, events[0].ID, page.Events[0].ID)
		})

		t.Run("no match", func(t *testing.T) {
			page, err := store.Query(ctx, eventlog.Query{Topic: "unrelated.#"})
			require.NoError(t, err)
			assert.Empty(t, page.Events)
			assert.Zero(t, page.Total)
			assert.False(t, page.HasMore)
		})

		t.Run("bad pattern", func(t *testing.T) {
			_, err := store.Query(ctx, eventlog.Query{Topic: "a.#.b"})
			assert.Error(t, err)
		})
	})

	t.Run(name+"/Query_pagination", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		defer store.Close()

		for i := 0; i < 10; i++ {
			require.NoError(t, store.Append(ctx, testEvent("tick", fmt.Sprintf("tick.%d", i))))
		}

		page, err := store.Query(ctx, eventlog.Query{Limit: 4})
		require.NoError(t, err)
		assert.Len(t, page.Events, 4)
		assert.Equal(t, 10, page.Total)
		assert.True(t, page.HasMore)
		assert.Equal(t, int64(1), page.Events[0].Sequence)

		page, err = store.Query(ctx, eventlog.Query{Limit: 4, Offset: 8})
		require.NoError(t, err)
		assert.Len(t, page.Events, 2)
		assert.Equal(t, 10, page.Total)
		assert.False(t, page.HasMore)
		assert.Equal(t, int64(9), page.Events[0].Sequence)

		// Pattern-filtered pagination takes the Go-side path.
		page, err = store.Query(ctx, eventlog.Query{Topic: "tick.#", Limit: 3, Offset: 6})
		require.NoError(t, err)
		assert.Len(t, page.Events, 3)
		assert.Equal(t, 10, page.Total)
		assert.True(t, page.HasMore)
		assert.Equal(t, int64(7), page.Events[0].Sequence)
	})

	t.Run(name+"/Prune_by_age", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{MaxAge: time.Hour})
		defer store.Close()

		now := time.Now().UTC()
		old := testEvent("a", "old.topic", event.WithTimestamp(now.Add(-2*time.Hour)))
		fresh := testEvent("a", "fresh.topic", event.WithTimestamp(now))
		require.NoError(t, store.Append(ctx, old))
		require.NoError(t, store.Append(ctx, fresh))

		removed, err := store.Prune(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.Get(ctx, old.ID)
		assert.ErrorIs(t, err, eventlog.ErrNotFound)
		_, err = store.Get(ctx, fresh.ID)
		assert.NoError(t, err)
	})

	t.Run(name+"/Prune_by_count", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{MaxEvents: 3})
		defer store.Close()

		var ids []string
		for i := 0; i < 5; i++ {
			e := testEvent("a", fmt.Sprintf("t.%d", i))
			require.NoError(t, store.Append(ctx, e))
			ids = append(ids, e.ID)
		}

		// MemoryStore enforces the cap on append; SQLiteStore on Prune.
		// After an explicit prune both are at the cap.
		_, err := store.Prune(ctx, time.Now())
		require.NoError(t, err)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		// Oldest events are gone, newest remain.
		_, err = store.Get(ctx, ids[0])
		assert.ErrorIs(t, err, eventlog.ErrNotFound)
		_, err = store.Get(ctx, ids[4])
		assert.NoError(t, err)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t, eventlog.RetentionPolicy{})
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Append(ctx, testEvent("a", "b")), eventlog.ErrStoreClosed)
		_, err := store.Get(ctx, "x")
		assert.ErrorIs(t, err, eventlog.ErrStoreClosed)
		_, err = store.Query(ctx, eventlog.Query{})
		assert.ErrorIs(t, err, eventlog.ErrStoreClosed)
		_, err = store.Count(ctx)
		assert.ErrorIs(t, err, eventlog.ErrStoreClosed)
	})
}
