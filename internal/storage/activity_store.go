// Package storage persists the activity log in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leadloop/activityd/pkg/feed"
)

var ErrActivityNotFound = errors.New("activity not found")

// tsLayout is a fixed-width RFC3339 encoding with zero-padded nanoseconds.
// RFC3339Nano drops trailing fractional zeros, which breaks SQLite's string
// comparison ("…00.5Z" sorts before "…00Z"); padding keeps the column
// lexicographically monotonic for ORDER BY and range predicates.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	ts          TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	read        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activities_ts ON activities (ts DESC);
CREATE INDEX IF NOT EXISTS idx_activities_type ON activities (type);
`

// ActivityStore is a SQLite-backed activity log. Events are upserted by id
// and listed newest first.
type ActivityStore struct {
	db *sql.DB
}

// OpenActivityStore opens (and creates if needed) the database at path.
// ":memory:" is accepted for tests.
func OpenActivityStore(path string) (*ActivityStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite connections do not share in-memory databases, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &ActivityStore{db: db}, nil
}

func (s *ActivityStore) Close() error {
	return s.db.Close()
}

// Upsert writes the event, replacing any existing row with the same id.
func (s *ActivityStore) Upsert(ctx context.Context, ev feed.Event) error {
	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = data
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, type, description, ts, metadata, read)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			description = excluded.description,
			ts = excluded.ts,
			metadata = excluded.metadata,
			read = excluded.read`,
		ev.ID, string(ev.Type.Canonical()), ev.Description,
		ev.Timestamp.UTC().Format(tsLayout), string(metadata), boolToInt(ev.Read))
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

// Get returns a single event by id.
func (s *ActivityStore) Get(ctx context.Context, id string) (feed.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, description, ts, metadata, read FROM activities WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Event{}, ErrActivityNotFound
	}
	return ev, err
}

// List returns up to limit events matching the filter, newest first,
// starting at offset. The second return value reports whether more rows
// remain past the returned page.
func (s *ActivityStore) List(ctx context.Context, filter feed.Filter, limit, offset int) ([]feed.Event, bool, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t.Canonical()))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.From.UTC().Format(tsLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, filter.To.UTC().Format(tsLayout))
	}

	query := "SELECT id, type, description, ts, metadata, read FROM activities"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Fetch one extra row to detect whether a next page exists.
	query += " ORDER BY ts DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	events := make([]feed.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, false, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	more := len(events) > limit
	if more {
		events = events[:limit]
	}
	return events, more, nil
}

// MarkRead flags the event as read and returns the updated row.
func (s *ActivityStore) MarkRead(ctx context.Context, id string) (feed.Event, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE activities SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return feed.Event{}, fmt.Errorf("mark read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return feed.Event{}, err
	}
	if affected == 0 {
		return feed.Event{}, ErrActivityNotFound
	}
	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (feed.Event, error) {
	var (
		ev       feed.Event
		evType   string
		ts       string
		metadata string
		read     int
	)
	if err := row.Scan(&ev.ID, &evType, &ev.Description, &ts, &metadata, &read); err != nil {
		return feed.Event{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return feed.Event{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	ev.Type = feed.EventType(evType).Canonical()
	ev.Timestamp = parsed
	ev.Read = read != 0
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return feed.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
