package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// MemoryStore is an in-memory event log. Suitable for tests and embedded
// single-process use; history is lost when the process exits.
type MemoryStore struct {
	policy RetentionPolicy

	mu      sync.RWMutex
	events  []*event.Event // sequence order
	byID    map[string]*event.Event
	nextSeq int64
	closed  bool
}

// NewMemoryStore creates an in-memory log with the given retention.
func NewMemoryStore(policy RetentionPolicy) *MemoryStore {
	return &MemoryStore{
		policy:  policy,
		byID:    make(map[string]*event.Event),
		nextSeq: 1,
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(e)
}

// AppendBatch implements Store.
func (m *MemoryStore) AppendBatch(_ context.Context, events []*event.Event) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]error, len(events))
	for i, e := range events {
		outcomes[i] = m.append(e)
	}
	return outcomes
}

// append assigns the sequence and stores a copy. Callers hold m.mu.
func (m *MemoryStore) append(e *event.Event) error {
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.byID[e.ID]; exists {
		return ErrDuplicateID
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Sequence = m.nextSeq
	m.nextSeq++

	stored := e.Clone()
	m.events = append(m.events, stored)
	m.byID[stored.ID] = stored

	// Keep the cap while holding the lock so readers never see an
	// over-budget log.
	if m.policy.MaxEvents > 0 && len(m.events) > m.policy.MaxEvents {
		m.dropOldest(len(m.events) - m.policy.MaxEvents)
	}

	return nil
}

func (m *MemoryStore) dropOldest(n int) {
	for _, old := range m.events[:n] {
		delete(m.byID, old.ID)
	}
	m.events = append([]*event.Event(nil), m.events[n:]...)
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, q Query) (Page, error) {
	q = q.normalized()

	var pattern topic.Pattern
	if q.Topic != "" {
		parsed, err := topic.ParsePattern(q.Topic)
		if err != nil {
			return Page{}, err
		}
		pattern = parsed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Page{}, ErrStoreClosed
	}

	page := Page{Limit: q.Limit, Offset: q.Offset}
	for _, e := range m.events {
		if !matches(e, q, pattern) {
			continue
		}
		if page.Total >= q.Offset && len(page.Events) < q.Limit {
			page.Events = append(page.Events, e.Clone())
		}
		page.Total++
	}
	page.HasMore = q.Offset+len(page.Events) < page.Total
	return page, nil
}

func matches(e *event.Event, q Query, pattern topic.Pattern) bool {
	if !pattern.IsZero() && !pattern.Matches(e.Topic) {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.Timestamp.Before(q.Until) {
		return false
	}
	return true
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(m.events)), nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	if m.policy.MaxAge > 0 {
		cutoff := now.Add(-m.policy.MaxAge)
		keep := 0
		for keep < len(m.events) && m.events[keep].Timestamp.Before(cutoff) {
			keep++
		}
		if keep > 0 {
			m.dropOldest(keep)
			removed += keep
		}
	}
	if m.policy.MaxEvents > 0 && len(m.events) > m.policy.MaxEvents {
		n := len(m.events) - m.policy.MaxEvents
		m.dropOldest(n)
		removed += n
	}
	return removed, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.events = nil
	m.byID = nil
	return nil
}
