// Package lite is a single-node run store on SQLite (modernc.org/sqlite,
// no cgo). It honours the same contract as the PostgreSQL store: guarded
// status transitions, version-guarded saves, transactional hypothesis
// creation and soft deletes. It backs the single-binary mode and the
// package tests that do not need a container.
package lite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed run store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("lite: open: %w", err)
	}
	// One writer at a time; this also keeps an in-memory database shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("lite: apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	previous_run_id  TEXT UNIQUE,
	config           TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	current_phase    TEXT NOT NULL DEFAULT 'pending',
	current_step     INTEGER NOT NULL DEFAULT 0,
	interactions     TEXT NOT NULL DEFAULT '[]',
	divergent_output TEXT,
	result           TEXT,
	progress         TEXT NOT NULL DEFAULT '{}',
	resume_count     INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);

CREATE TABLE IF NOT EXISTS hypotheses (
	seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
	id                     TEXT NOT NULL UNIQUE,
	idx                    INTEGER NOT NULL,
	run_id                 TEXT REFERENCES runs(id) ON DELETE SET NULL,
	project_id             TEXT NOT NULL,
	display_title          TEXT NOT NULL,
	summary                TEXT NOT NULL DEFAULT '',
	content_hash           TEXT NOT NULL,
	outputs                TEXT NOT NULL DEFAULT '{}',
	processing_status      TEXT NOT NULL DEFAULT 'pending',
	current_interaction_id TEXT,
	interaction_started_at INTEGER,
	last_polled_at         INTEGER,
	next_attempt_at        INTEGER,
	rate_limit_hits        INTEGER NOT NULL DEFAULT 0,
	error_message          TEXT,
	deleted_at             INTEGER,
	version                INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL,
	UNIQUE(run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_hypotheses_project_hash ON hypotheses(project_id, content_hash);

CREATE TABLE IF NOT EXISTS mutation_audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL,
	actor         TEXT NOT NULL,
	actor_role    TEXT NOT NULL,
	http_method   TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	operation     TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	before_data   TEXT,
	after_data    TEXT,
	metadata      TEXT NOT NULL DEFAULT '{}',
	occurred_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	actor           TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL,
	status_code     INTEGER,
	response_data   TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (actor, endpoint, idempotency_key)
);
`

// Timestamps are stored as Unix nanoseconds.

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func textBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
