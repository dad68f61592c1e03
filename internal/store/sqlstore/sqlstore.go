// Package sqlstore is a calendar store backed by SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"calbridge/internal/model"
	"calbridge/internal/store"
)

// SQLDB is the subset of *sql.DB the store needs.
type SQLDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
}

var _ SQLDB = (*sql.DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_event (
	id TEXT PRIMARY KEY,
	calendar TEXT NOT NULL,
	title TEXT NOT NULL,
	notes TEXT,
	start_ms INTEGER NOT NULL,
	end_ms INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendar_event_range ON calendar_event (start_ms, end_ms);
`

// OpenDB opens a SQLite database at dsn. ":memory:" is limited to one
// connection so every query sees the same database.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// InitDB enables WAL and creates the schema.
// PRE: db is a valid database connection
// POST: calendar_event exists
func InitDB(ctx context.Context, db SQLDB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Store implements store.Store on SQLite.
type Store struct {
	db              SQLDB
	defaultCalendar string
	now             func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a Store.
// PRE: db has InitDB applied
func New(db SQLDB, defaultCalendar string) *Store {
	if defaultCalendar == "" {
		defaultCalendar = "Calendar"
	}
	return &Store{db: db, defaultCalendar: defaultCalendar, now: time.Now}
}

// RequestAccess grants access when the database answers.
func (s *Store) RequestAccess(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, fmt.Errorf("calendar database unavailable: %w", err)
	}
	return true, nil
}

func (s *Store) Precision() time.Duration {
	return time.Millisecond
}

func (s *Store) Create(ctx context.Context, d model.EventDraft) (model.EventID, error) {
	if err := store.CheckDraft(d); err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_event (id, calendar, title, notes, start_ms, end_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.defaultCalendar, d.Title, nullString(d.Notes),
		d.Start.UnixMilli(), d.End.UnixMilli(), now, now,
	)
	if err != nil {
		return "", err
	}
	return model.EventID(id), nil
}

func (s *Store) Find(ctx context.Context, id model.EventID) (model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, calendar, title, notes, start_ms, end_ms FROM calendar_event WHERE id = ?`, string(id))
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) Update(ctx context.Context, id model.EventID, d model.EventDraft) error {
	if err := store.CheckDraft(d); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_event SET title = ?, notes = ?, start_ms = ?, end_ms = ?, updated_at = ?
		 WHERE id = ?`,
		d.Title, nullString(d.Notes), d.Start.UnixMilli(), d.End.UnixMilli(),
		s.now().UTC().Format(time.RFC3339Nano), string(id),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) Remove(ctx context.Context, id model.EventID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_event WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) Query(ctx context.Context, r model.TimeRange) ([]model.Event, error) {
	out := make([]model.Event, 0)
	if r.Inverted() {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calendar, title, notes, start_ms, end_ms FROM calendar_event
		 WHERE start_ms <= ? AND end_ms >= ?
		 ORDER BY start_ms, end_ms, id`,
		r.End.UnixMilli(), r.Start.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (model.Event, error) {
	var (
		ev             model.Event
		id             string
		notes          sql.NullString
		startMs, endMs int64
	)
	if err := sc.Scan(&id, &ev.Calendar, &ev.Title, &notes, &startMs, &endMs); err != nil {
		return model.Event{}, err
	}
	ev.ID = model.EventID(id)
	ev.Start = time.UnixMilli(startMs).UTC()
	ev.End = time.UnixMilli(endMs).UTC()
	if notes.Valid {
		ev.Notes = model.StrPtr(notes.String)
	}
	return ev, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
