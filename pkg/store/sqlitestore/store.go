// Package sqlitestore is the embedded event store used by single-instance
// durable nodes. One store holds one channel's append-only event table with
// auto-increment ids, a throttled retention sweep and an inactivity alarm
// that wipes state once the node has been idle past its retention window.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Options configure a store.
type Options struct {
	// Prefix namespaces the events table, e.g. "chat_" yields "chat_events".
	Prefix string
	// Retention bounds how long events stay replayable. Zero keeps the
	// default of 5 minutes.
	Retention time.Duration
	// InactivityThreshold is added to Retention to pick the inactivity alarm
	// deadline. Zero keeps the default of 10 minutes.
	InactivityThreshold time.Duration
	// ActivityProbe reports whether the node still has live subscribers.
	// Consulted when the inactivity alarm fires; nil means no subscribers.
	ActivityProbe func() bool
	Logger        *slog.Logger
}

// StoredEvent is one appended event.
type StoredEvent struct {
	ID       string
	Payload  []byte
	StoredAt time.Time
}

// Store is a single-writer embedded event store.
type Store struct {
	db        *sql.DB
	table     string
	retention time.Duration
	inactive  time.Duration
	probe     func() bool
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
	alarm     *time.Timer
	closed    bool
}

// Open opens (or creates) the store at path. ":memory:" is accepted for
// tests but loses state with the process.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// The store is single-writer; a second connection would only trade
	// SQLITE_BUSY errors for serialization we already have.
	db.SetMaxOpenConns(1)

	retention := opts.Retention
	if retention == 0 {
		retention = 5 * time.Minute
	}
	inactive := opts.InactivityThreshold
	if inactive == 0 {
		inactive = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:        db,
		table:     opts.Prefix + "events",
		retention: retention,
		inactive:  inactive,
		probe:     opts.ActivityProbe,
		logger:    logger,
		now:       time.Now,
	}
	if err := s.createSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	// An empty table means a fresh (or wiped) node: arm the inactivity
	// alarm so abandoned state does not linger forever.
	empty, err := s.isEmpty(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if empty {
		s.armAlarm()
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			stored_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stored_at ON %s (stored_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) isEmpty(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: count events: %w", err)
	}
	return n == 0, nil
}

// Append stores payload and returns the assigned id as text. Ids are strictly
// increasing until the table is reset; text form tolerates values past the
// 53-bit safe range on the transport side.
//
// A failed insert (disk full, id overflow) resets the schema and retries
// once; ids restart from 1 after a reset.
func (s *Store) Append(ctx context.Context, payload []byte) (string, error) {
	s.sweepIfDue(ctx)

	id, err := s.insert(ctx, payload)
	if err != nil {
		s.logger.Warn("event append failed, resetting schema", "table", s.table, "error", err)
		if resetErr := s.ResetSchema(ctx); resetErr != nil {
			return "", fmt.Errorf("sqlitestore: reset after failed append: %w", resetErr)
		}
		id, err = s.insert(ctx, payload)
		if err != nil {
			return "", fmt.Errorf("sqlitestore: append after reset: %w", err)
		}
	}

	// State exists again: make sure the inactivity alarm is ticking so it
	// eventually gets a chance to reap it.
	s.armAlarm()
	return strconv.FormatInt(id, 10), nil
}

func (s *Store) insert(ctx context.Context, payload []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (payload, stored_at) VALUES (?, ?) RETURNING id`, s.table),
		string(payload), s.now().Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: insert: %w", err)
	}
	return id, nil
}

// EventsAfter returns retained events with id strictly greater than
// lastEventID in ascending id order. Empty lastEventID reads from the start.
// limit <= 0 means no limit.
func (s *Store) EventsAfter(ctx context.Context, lastEventID string, limit int) ([]StoredEvent, error) {
	after := int64(0)
	if lastEventID != "" {
		var err error
		after, err = strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: invalid event id %q: %w", lastEventID, err)
		}
	}

	query := fmt.Sprintf(
		`SELECT id, payload, stored_at FROM %s WHERE id > ? AND stored_at >= ? ORDER BY id`, s.table)
	args := []any{after, s.now().Add(-s.retention).Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			id       int64
			payload  string
			storedAt int64
		)
		if err := rows.Scan(&id, &payload, &storedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		out = append(out, StoredEvent{
			ID:       strconv.FormatInt(id, 10),
			Payload:  []byte(payload),
			StoredAt: time.Unix(storedAt, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate events: %w", err)
	}
	return out, nil
}

// CompareIDs orders two store ids numerically.
func (s *Store) CompareIDs(a, b string) (int, error) {
	ai, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: invalid event id %q: %w", a, err)
	}
	bi, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: invalid event id %q: %w", b, err)
	}
	switch {
	case ai < bi:
		return -1, nil
	case ai > bi:
		return 1, nil
	default:
		return 0, nil
	}
}

// sweepIfDue deletes expired events at most once per retention window.
func (s *Store) sweepIfDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := now.Sub(s.lastSweep) > s.retention
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE stored_at < ?`, s.table),
		now.Add(-s.retention).Unix())
	if err != nil {
		// The next append retries; expired events are already filtered on read.
		s.logger.Warn("retention sweep failed", "table", s.table, "error", err)
	}
}

// ResetSchema drops and recreates the events table. Ids restart from 1.
func (s *Store) ResetSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table),
		// AUTOINCREMENT bookkeeping lives in sqlite_sequence; dropping the
		// table clears it, so recreated ids start over at 1.
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: drop table: %w", err)
		}
	}
	return s.createSchema(ctx)
}

// armAlarm schedules (or leaves running) the inactivity alarm at
// now + retention + inactivityThreshold.
func (s *Store) armAlarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.alarm != nil {
		return
	}
	s.alarm = time.AfterFunc(s.retention+s.inactive, s.alarmFired)
}

// alarmFired reaps the store's state when the node is idle: no live
// subscribers and no unexpired events. Otherwise it reschedules.
func (s *Store) alarmFired() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	probe := s.probe
	s.mu.Unlock()

	ctx := context.Background()
	active := probe != nil && probe()
	if !active {
		var n int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE stored_at >= ?`, s.table),
			s.now().Add(-s.retention).Unix()).Scan(&n)
		if err != nil {
			s.logger.Warn("inactivity check failed", "table", s.table, "error", err)
			active = true // keep state on doubt, retry next period
		} else {
			active = n > 0
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if active {
		s.alarm = time.AfterFunc(s.retention+s.inactive, s.alarmFired)
		s.mu.Unlock()
		return
	}
	s.alarm = nil
	s.mu.Unlock()

	if err := s.ResetSchema(ctx); err != nil {
		s.logger.Warn("inactivity wipe failed", "table", s.table, "error", err)
		s.armAlarm()
		return
	}
	s.logger.Info("idle event store wiped", "table", s.table)
}

// Close stops the inactivity alarm and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}
