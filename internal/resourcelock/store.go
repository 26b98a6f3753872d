package resourcelock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNoLock is returned when the resource has no live lock row.
var ErrNoLock = errors.New("no lock held")

// Store owns a single resource's lock state.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates the store and its schema idempotently.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database handles.
func (s *Store) Close() error {
	if err := s.ro.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS lock_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		resource_path TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT 'custom',
		locked_by TEXT NOT NULL,
		reason TEXT DEFAULT '',
		locked_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lock_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		locked_by TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT 'custom',
		reason TEXT DEFAULT '',
		locked_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		released_at TIMESTAMP,
		release_reason TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_lock_history_locked_at ON lock_history(locked_at DESC);
	`)
	return err
}

// Get returns the live lock row, or ErrNoLock.
func (s *Store) Get(ctx context.Context) (*Lock, error) {
	lock := &Lock{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT resource_path, resource_type, locked_by, reason, locked_at, expires_at
		FROM lock_state WHERE id = 1
	`).Scan(&lock.ResourcePath, &lock.ResourceType, &lock.LockedBy, &lock.Reason, &lock.LockedAt, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoLock
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Put upserts the live lock row and opens a history entry for the acquisition.
// Re-locks by the same owner refresh the row without a new history entry.
func (s *Store) Put(ctx context.Context, lock *Lock, newAcquisition bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lock_state (id, resource_path, resource_type, locked_by, reason, locked_at, expires_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_path = excluded.resource_path,
			resource_type = excluded.resource_type,
			locked_by = excluded.locked_by,
			reason = excluded.reason,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at
	`, lock.ResourcePath, lock.ResourceType, lock.LockedBy, lock.Reason, lock.LockedAt, lock.ExpiresAt)
	if err != nil {
		return err
	}
	if !newAcquisition {
		// Refresh the open history entry's TTL instead of opening a new one.
		_, err = s.db.ExecContext(ctx, `
			UPDATE lock_history SET expires_at = ?
			WHERE id = (SELECT id FROM lock_history WHERE released_at IS NULL ORDER BY id DESC LIMIT 1)
		`, lock.ExpiresAt)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lock_history (locked_by, resource_type, reason, locked_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, lock.LockedBy, lock.ResourceType, lock.Reason, lock.LockedAt, lock.ExpiresAt)
	return err
}

// Release deletes the live lock row and closes the open history entry with the
// given reason.
func (s *Store) Release(ctx context.Context, reason string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lock_state WHERE id = 1`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE lock_history SET released_at = ?, release_reason = ?
		WHERE id = (SELECT id FROM lock_history WHERE released_at IS NULL ORDER BY id DESC LIMIT 1)
	`, at, reason)
	return err
}

// History returns the most recent acquisitions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, locked_by, resource_type, reason, locked_at, expires_at, released_at, release_reason
		FROM lock_history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*HistoryEntry, 0, limit)
	for rows.Next() {
		e := &HistoryEntry{}
		var releasedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.LockedBy, &e.ResourceType, &e.Reason, &e.LockedAt, &e.ExpiresAt, &releasedAt, &e.ReleaseReason); err != nil {
			return nil, err
		}
		if releasedAt.Valid {
			e.ReleasedAt = &releasedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
