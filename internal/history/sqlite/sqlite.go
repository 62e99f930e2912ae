package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/history"
)

// DefaultRecentLimit applies when Recent is called with limit <= 0.
const DefaultRecentLimit = 100

// Sink writes supervisor events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if path := strings.TrimPrefix(dsn, "file:"); path != ":memory:" && !strings.HasPrefix(path, ":") {
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0o750)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sidecar_events(
			id TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sidecar_events_occurred ON sidecar_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	payload, err := history.EncodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sidecar_events(id, occurred_at, name, payload)
		VALUES(?, ?, ?, ?);`,
		e.ID, e.Timestamp.UTC().UnixNano(), e.Name, payload)
	return err
}

// Recent implements history.Reader.
func (s *Sink) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, name, payload FROM sidecar_events
		ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			nanos   int64
			payload string
		)
		if err := rows.Scan(&e.ID, &nanos, &e.Name, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, nanos).UTC()
		e.Payload = history.DecodePayload(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history.Reverse(out), nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
