package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

// SQLiteStore persists dead-letter entries to SQLite so they survive
// restarts. Entries outlive the process that failed to deliver them; that
// is the whole point of the store.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a SQLite-backed dead-letter store.
// The path should be a file path (e.g., "./deadletters.db") or ":memory:"
// for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the store serializes access anyway, and a ":memory:"
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// The (event_id, subscription_id) uniqueness carries the Add
	// idempotency contract.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			reason TEXT NOT NULL,
			category INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			first_failed_ns INTEGER NOT NULL,
			last_failed_ns INTEGER NOT NULL,
			event BLOB NOT NULL,
			UNIQUE(event_id, subscription_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_sub ON dead_letters(subscription_id)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, entry *Entry) (bool, error) {
	if err := entry.validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	data, err := json.Marshal(entry.Event)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, event_id, subscription_id, event_type, attempts, reason,
			 category, last_error, first_failed_ns, last_failed_ns, event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, subscription_id) DO NOTHING
	`, entry.ID, entry.Event.ID, entry.SubscriptionID, entry.Event.Type,
		entry.Attempts, string(entry.Reason), int(entry.Category),
		entry.LastError, entry.FirstFailedAt.UnixNano(),
		entry.LastFailedAt.UnixNano(), data)
	if err != nil {
		return false, fmt.Errorf("add entry: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add entry: %w", err)
	}
	return inserted > 0, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx,
		selectEntry+" WHERE id = ?", id,
	)
	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, criteria ListCriteria) (*Page, error) {
	criteria = criteria.normalized()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	where, args := buildEntryWhere(criteria)
	page := &Page{Limit: criteria.Limit, Offset: criteria.Offset}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dead_letters"+where, args...,
	).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectEntry+where+" ORDER BY rowid LIMIT ? OFFSET ?",
		append(args, criteria.Limit, criteria.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	page.HasMore = criteria.Offset+len(page.Entries) < page.Total
	return page, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx,
		selectEntry+" WHERE id = ?", id,
	)
	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remove entry: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE id = ?", id,
	); err != nil {
		return nil, fmt.Errorf("remove entry: %w", err)
	}
	return entry, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dead_letters",
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{
		ByReason:       make(map[Reason]int),
		BySubscription: make(map[string]int),
	}

	if err := s.statsGroup(ctx,
		"SELECT reason, COUNT(*) FROM dead_letters GROUP BY reason",
		func(key string, n int) { stats.ByReason[Reason(key)] = n; stats.Entries += n },
	); err != nil {
		return Stats{}, err
	}
	if err := s.statsGroup(ctx,
		"SELECT subscription_id, COUNT(*) FROM dead_letters GROUP BY subscription_id",
		func(key string, n int) { stats.BySubscription[key] = n },
	); err != nil {
		return Stats{}, err
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(first_failed_ns) FROM dead_letters",
	).Scan(&oldest); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestAge = time.Since(time.Unix(0, oldest.Int64))
	}
	return stats, nil
}

func (s *SQLiteStore) statsGroup(ctx context.Context, query string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		add(key, n)
	}
	return rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

const selectEntry = `
	SELECT id, subscription_id, attempts, reason, category, last_error,
	       first_failed_ns, last_failed_ns, event
	FROM dead_letters`

func buildEntryWhere(c ListCriteria) (string, []any) {
	var clauses []string
	var args []any

	if c.SubscriptionID != "" {
		clauses = append(clauses, "subscription_id = ?")
		args = append(args, c.SubscriptionID)
	}
	if c.Reason != "" {
		clauses = append(clauses, "reason = ?")
		args = append(args, string(c.Reason))
	}
	if c.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, c.EventType)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(scan func(...any) error) (*Entry, error) {
	var entry Entry
	var reason string
	var category int
	var firstNS, lastNS int64
	var data []byte

	if err := scan(&entry.ID, &entry.SubscriptionID, &entry.Attempts,
		&reason, &category, &entry.LastError, &firstNS, &lastNS, &data); err != nil {
		return nil, err
	}

	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	entry.Event = &e
	entry.Reason = Reason(reason)
	entry.Category = ererrors.Category(category)
	entry.FirstFailedAt = time.Unix(0, firstNS).UTC()
	entry.LastFailedAt = time.Unix(0, lastNS).UTC()
	return &entry, nil
}
