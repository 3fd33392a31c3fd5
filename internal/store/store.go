// Package store implements the durable Session Store: an append-only log of
// FeedEvents per session backed by a pure-Go SQLite file, with degraded-mode
// stickiness and resume/bootstrap support. The schema is created on open and
// every write path uses a prepared statement, so there's no eviction or
// capacity bound to manage — the log grows as long as the file does.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lespaceman/athena/internal/feed"
)

// ErrStoreWrite wraps every store write failure so callers can distinguish
// "the store rejected this write" from other error classes without
// string-matching.
var ErrStoreWrite = errors.New("store: write failed")

// Bootstrap is the state handed back to the mapper/facade on resume.
type Bootstrap struct {
	Session *feed.Session
	Run     *feed.Run
	LastSeq uint64
	Events  []*feed.FeedEvent
}

// Store is the durable, single-writer-per-session append log.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	degraded bool
	degradedReason string
}

// Open creates or attaches to a session store file at path. Use ":memory:"
// for ephemeral/test stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer-per-session

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS feed_events (
	seq INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
	session_id TEXT PRIMARY KEY,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS session_locks (
	session_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// RecordEvent appends a single FeedEvent. Per the store's throw-on-failure
// contract, a write failure is returned to the caller rather than swallowed
// — the facade decides whether that failure escalates to MarkDegraded.
func (s *Store) RecordEvent(ctx context.Context, fe *feed.FeedEvent) error {
	return s.RecordFeedEvents(ctx, []*feed.FeedEvent{fe})
}

// RecordFeedEvents appends a batch of FeedEvents atomically, preserving seq
// order.
func (s *Store) RecordFeedEvents(ctx context.Context, events []*feed.FeedEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w: %w", ErrStoreWrite, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO feed_events (seq, event_id, kind, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w: %w", ErrStoreWrite, err)
	}
	defer stmt.Close()

	for _, fe := range events {
		payload, err := json.Marshal(fe)
		if err != nil {
			return fmt.Errorf("store: marshal event %s: %w", fe.EventID, err)
		}
		if _, err := stmt.ExecContext(ctx, fe.Seq, fe.EventID, string(fe.Kind), string(payload)); err != nil {
			return fmt.Errorf("store: insert event %s: %w: %w", fe.EventID, ErrStoreWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w: %w", ErrStoreWrite, err)
	}
	return nil
}

// RecordSession upserts the session record.
func (s *Store) RecordSession(ctx context.Context, sess *feed.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, payload) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		sess.ID, string(payload))
	if err != nil {
		return fmt.Errorf("store: upsert session: %w: %w", ErrStoreWrite, err)
	}
	return nil
}

// RecordRun upserts the run record.
func (s *Store) RecordRun(ctx context.Context, run *feed.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, payload) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		run.ID, run.SessionID, string(payload))
	if err != nil {
		return fmt.Errorf("store: upsert run: %w: %w", ErrStoreWrite, err)
	}
	return nil
}

// RecordTokens sets the cumulative token totals for a session.
func (s *Store) RecordTokens(ctx context.Context, sessionID string, inputTokens, outputTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (session_id, input_tokens, output_tokens) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens`,
		sessionID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("store: record tokens: %w: %w", ErrStoreWrite, err)
	}
	return nil
}

// GetRestoredTokens returns the last recorded cumulative totals for a
// session, or zero values if none were ever recorded.
func (s *Store) GetRestoredTokens(ctx context.Context, sessionID string) (inputTokens, outputTokens int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT input_tokens, output_tokens FROM tokens WHERE session_id = ?`, sessionID)
	if err := row.Scan(&inputTokens, &outputTokens); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("store: get tokens: %w", err)
	}
	return inputTokens, outputTokens, nil
}

// Restore reconstructs bootstrap state for a session: its last known seq
// and every durable FeedEvent recorded for it, in seq order. Events across
// every session share the log, so the kind/payload rows are filtered to
// those whose decoded session_id matches.
func (s *Store) Restore(ctx context.Context, sessionID string) (*Bootstrap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boot := &Bootstrap{}

	sessRow := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, sessionID)
	var sessPayload string
	if err := sessRow.Scan(&sessPayload); err == nil {
		var sess feed.Session
		if err := json.Unmarshal([]byte(sessPayload), &sess); err == nil {
			boot.Session = &sess
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload FROM feed_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq uint64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var fe feed.FeedEvent
		if err := json.Unmarshal([]byte(payload), &fe); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		if fe.SessionID != "" && fe.SessionID != sessionID {
			continue
		}
		boot.Events = append(boot.Events, &fe)
		if seq > boot.LastSeq {
			boot.LastSeq = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}

	return boot, nil
}

// NewSessionLocker creates a SessionLocker over this store's database
// handle, scoped to ownerID (typically the process id or instance id).
func (s *Store) NewSessionLocker(ownerID string, ttl time.Duration) *SessionLocker {
	return NewSessionLocker(s.db, ownerID, ttl)
}

// ListSessions returns every session record, in no particular order, for
// `athena sessions list`.
func (s *Store) ListSessions(ctx context.Context) ([]*feed.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var out []*feed.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		var sess feed.Session
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			return nil, fmt.Errorf("store: decode session: %w", err)
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return out, nil
}

// MarkDegraded flips the store into degraded mode. Per spec, this is sticky
// — once degraded, a store instance never clears the flag on its own, and
// degradedReason is pinned to the reason given on the first call.
func (s *Store) MarkDegraded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return
	}
	s.degraded = true
	s.degradedReason = reason
}

// IsDegraded reports whether the store is in degraded mode.
func (s *Store) IsDegraded() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded, s.degradedReason
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
