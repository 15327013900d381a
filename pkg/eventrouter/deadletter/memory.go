package deadletter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps dead-letter entries in memory. Suitable for tests and
// embedded single-process use; entries are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // dead-letter order, oldest first
	byID    map[string]*Entry
	byKey   map[string]*Entry // (event, subscription) idempotency index
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Entry),
		byKey: make(map[string]*Entry),
	}
}

// Add implements Store.
func (m *MemoryStore) Add(_ context.Context, entry *Entry) (bool, error) {
	if err := entry.validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	key := dedupeKey(entry.Event.ID, entry.SubscriptionID)
	if _, exists := m.byKey[key]; exists {
		return false, nil
	}

	stored := entry.clone()
	m.entries = append(m.entries, stored)
	m.byID[stored.ID] = stored
	m.byKey[key] = stored
	return true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, criteria ListCriteria) (*Page, error) {
	criteria = criteria.normalized()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	page := &Page{Limit: criteria.Limit, Offset: criteria.Offset}
	for _, entry := range m.entries {
		if !criteria.matches(entry) {
			continue
		}
		if page.Total >= criteria.Offset && len(page.Entries) < criteria.Limit {
			page.Entries = append(page.Entries, entry.clone())
		}
		page.Total++
	}

	page.HasMore = criteria.Offset+len(page.Entries) < page.Total
	return page, nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	delete(m.byID, id)
	delete(m.byKey, dedupeKey(entry.Event.ID, entry.SubscriptionID))
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	return entry, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.entries), nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{
		Entries:        len(m.entries),
		ByReason:       make(map[Reason]int),
		BySubscription: make(map[string]int),
	}

	var oldest time.Time
	for _, entry := range m.entries {
		stats.ByReason[entry.Reason]++
		stats.BySubscription[entry.SubscriptionID]++
		if oldest.IsZero() || entry.FirstFailedAt.Before(oldest) {
			oldest = entry.FirstFailedAt
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
