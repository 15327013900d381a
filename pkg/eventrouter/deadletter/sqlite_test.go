package deadletter_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/deadletter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deadletters.db")

	store, err := deadletter.NewSQLiteStore(path)
	require.NoError(t, err)

	e := event.New("project.created", "api", "project.created")
	entry := deadletter.NewEntry(e, "sub-1", 4, deadletter.ReasonExhausted, nil, time.Time{})
	added, err := store.Add(ctx, entry)
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, store.Close())

	reopened, err := deadletter.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.SubscriptionID)
	assert.Equal(t, deadletter.ReasonExhausted, got.Reason)
	assert.Equal(t, e.ID, got.Event.ID)

	// Idempotency survives restarts.
	again := deadletter.NewEntry(e, "sub-1", 9, deadletter.ReasonPermanent, nil, time.Time{})
	added, err = reopened.Add(ctx, again)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestSQLiteStore_ConcurrentAddSameKey(t *testing.T) {
	ctx := context.Background()

	store, err := deadletter.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	e := event.New("a.b", "test-producer", "a.b")

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := deadletter.NewEntry(e, "sub-1", 3, deadletter.ReasonExhausted, nil, time.Time{})
			added, err := store.Add(ctx, entry)
			assert.NoError(t, err)
			if added {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := deadletter.NewSQLiteStore("/nonexistent/dir/deadletters.db")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := deadletter.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
