package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned when a session lock is held by a different owner
// and hasn't expired.
var ErrLockHeld = errors.New("store: session lock held by another owner")

// DefaultLockTTL bounds how long a lease survives without being refreshed,
// so a crashed owner's lock doesn't block a session forever.
const DefaultLockTTL = 2 * time.Minute

// SessionLocker guards single-writer-per-session access to a session's feed
// log using a lease row per session: acquiring a lease either inserts a
// fresh row or steals an expired one. It has no background renewal
// goroutine — a lease only needs to outlive one `athena serve` invocation,
// so Refresh is exposed for a caller that wants to extend it explicitly.
type SessionLocker struct {
	db      *sql.DB
	ownerID string
	ttl     time.Duration
}

// NewSessionLocker creates a locker scoped to this store's database handle.
func NewSessionLocker(db *sql.DB, ownerID string, ttl time.Duration) *SessionLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &SessionLocker{db: db, ownerID: ownerID, ttl: ttl}
}

// Lock acquires the lease for sessionID, stealing it if the prior owner's
// lease has expired. Returns ErrLockHeld if a live lease is owned by someone
// else.
func (l *SessionLocker) Lock(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	expiresAt := now.Add(l.ttl)

	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO session_locks (session_id, owner_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at < ? OR session_locks.owner_id = excluded.owner_id
		RETURNING owner_id
	`, sessionID, l.ownerID, now, expiresAt, now).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting row's lease hasn't expired and belongs to someone
		// else: the WHERE clause skipped the update, so nothing RETURNING.
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("store: acquire session lock %s: %w", sessionID, err)
	}
	if owner != l.ownerID {
		return ErrLockHeld
	}
	return nil
}

// Refresh extends an already-held lease. Callers that hold a session open
// for longer than the TTL call this periodically.
func (l *SessionLocker) Refresh(ctx context.Context, sessionID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE session_locks SET expires_at = ? WHERE session_id = ? AND owner_id = ?`,
		time.Now().UTC().Add(l.ttl), sessionID, l.ownerID)
	if err != nil {
		return fmt.Errorf("store: refresh session lock %s: %w", sessionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: refresh session lock %s: %w", sessionID, err)
	}
	if rows == 0 {
		return ErrLockHeld
	}
	return nil
}

// Unlock releases the lease, if this locker still owns it. Best-effort: if
// the owner no longer matches (lease already stolen), Unlock is a silent
// no-op.
func (l *SessionLocker) Unlock(ctx context.Context, sessionID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE session_id = ? AND owner_id = ?`,
		sessionID, l.ownerID)
	if err != nil {
		return fmt.Errorf("store: release session lock %s: %w", sessionID, err)
	}
	return nil
}
