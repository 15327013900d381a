package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/topic"
)

// SQLiteStore persists the event log to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	policy RetentionPolicy

	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a SQLite-backed event log.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string, policy RetentionPolicy) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the store serializes access anyway, and a ":memory:"
	// database exists per connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// The rowid doubles as the log sequence; AUTOINCREMENT keeps sequences
	// monotonic even after pruning.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			topic TEXT NOT NULL,
			priority INTEGER NOT NULL,
			ts_ns INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{policy: policy, db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(ctx, e)
}

// AppendBatch implements Store.
func (s *SQLiteStore) AppendBatch(ctx context.Context, events []*event.Event) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]error, len(events))
	for i, e := range events {
		outcomes[i] = s.append(ctx, e)
	}
	return outcomes
}

// append inserts one event. Callers hold s.mu.
func (s *SQLiteStore) append(ctx context.Context, e *event.Event) error {
	if s.closed {
		return ErrStoreClosed
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// The blob is marshaled before the sequence exists; readers take the
	// sequence from its column, never from the blob.
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, source, topic, priority, ts_ns, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Type, e.Source, e.Topic, int(e.Priority), e.Timestamp.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateID
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	e.Sequence = seq
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, data FROM events WHERE id = ?
	`, id)
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, q Query) (Page, error) {
	q = q.normalized()

	var pattern topic.Pattern
	exactTopic := ""
	if q.Topic != "" {
		parsed, err := topic.ParsePattern(q.Topic)
		if err != nil {
			return Page{}, err
		}
		if parsed.IsExact() {
			exactTopic = parsed.String()
		} else {
			pattern = parsed
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Page{}, ErrStoreClosed
	}

	where, args := buildWhere(q, exactTopic)

	if pattern.IsZero() {
		return s.queryPaged(ctx, q, where, args)
	}
	return s.queryFiltered(ctx, q, where, args, pattern)
}

// queryPaged pushes paging into SQL when every filter is expressible there.
func (s *SQLiteStore) queryPaged(ctx context.Context, q Query, where string, args []any) (Page, error) {
	page := Page{Limit: q.Limit, Offset: q.Offset}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events"+where, args...,
	).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT sequence, data FROM events"+where+" ORDER BY sequence LIMIT ? OFFSET ?",
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return Page{}, fmt.Errorf("scan event: %w", err)
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate events: %w", err)
	}

	page.HasMore = q.Offset+len(page.Events) < page.Total
	return page, nil
}

// queryFiltered streams candidate rows and applies the wildcard pattern in
// Go; SQL cannot express segment matching.
func (s *SQLiteStore) queryFiltered(ctx context.Context, q Query, where string, args []any, pattern topic.Pattern) (Page, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sequence, data FROM events"+where+" ORDER BY sequence", args...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	page := Page{Limit: q.Limit, Offset: q.Offset}
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return Page{}, fmt.Errorf("scan event: %w", err)
		}
		if !pattern.Matches(e.Topic) {
			continue
		}
		if page.Total >= q.Offset && len(page.Events) < q.Limit {
			page.Events = append(page.Events, e)
		}
		page.Total++
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate events: %w", err)
	}

	page.HasMore = q.Offset+len(page.Events) < page.Total
	return page, nil
}

func buildWhere(q Query, exactTopic string) (string, []any) {
	var clauses []string
	var args []any

	if exactTopic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, exactTopic)
	}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, q.Source)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts_ns < ?")
		args = append(args, q.Until.UnixNano())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvent(scan func(...any) error) (*event.Event, error) {
	var seq int64
	var data []byte
	if err := scan(&seq, &data); err != nil {
		return nil, err
	}

	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	e.Sequence = seq
	return &e, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := int64(0)

	if s.policy.MaxAge > 0 {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM events WHERE ts_ns < ?", now.Add(-s.policy.MaxAge).UnixNano(),
		)
		if err != nil {
			return 0, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if s.policy.MaxEvents > 0 {
		// Keep the newest MaxEvents rows. The subquery yields no row when
		// the log is under budget, so nothing matches.
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE sequence <= (
				SELECT sequence FROM events ORDER BY sequence DESC LIMIT 1 OFFSET ?
			)
		`, s.policy.MaxEvents)
		if err != nil {
			return 0, fmt.Errorf("prune by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return int(removed), nil
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
