// Copyright 2025 James Ross
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ErrAlreadyHeld is returned by Acquire when another coordinator already holds the
// singleton lock for this worker id (SPEC_FULL.md §4.6).
var ErrAlreadyHeld = errors.New("lock: already held by another coordinator")

// Lock is the coordinator singleton lock contract. Exactly one of PostgresLock or
// SQLiteLock backs it, chosen by store.driver, matching the Job Store's own split.
type Lock interface {
	// Acquire attempts to take the lock. It returns ErrAlreadyHeld (not a generic
	// error) when another holder has it, so callers can distinguish "someone else is
	// running" from "the database is unreachable".
	Acquire(ctx context.Context) error
	// Release gives up the lock. Safe to call even if Acquire was never called or failed.
	Release(ctx context.Context) error
}

// Key derives the 63-bit signed advisory-lock key for a worker id, per SPEC_FULL.md
// §4.6: Postgres advisory locks take a 64-bit signed key, so the low 63 bits of the
// xxhash are kept and the sign bit is masked off.
func Key(workerID string) int64 {
	h := xxhash.Sum64String("sgucard_worker:" + workerID)
	return int64(h & 0x7FFFFFFFFFFFFFFF)
}

// PostgresLock wraps pg_try_advisory_lock/pg_advisory_unlock. Because advisory locks
// are scoped to a single database session, it must hold one dedicated *sql.Conn for
// its entire lifetime rather than borrowing from the pool per call.
type PostgresLock struct {
	db   *sql.DB
	key  int64
	conn *sql.Conn
}

// NewPostgresLock prepares a lock for workerID against db. Acquire must be called
// before the lock is considered held.
func NewPostgresLock(db *sql.DB, workerID string) *PostgresLock {
	return &PostgresLock{db: db, key: Key(workerID)}
}

func (l *PostgresLock) Acquire(ctx context.Context) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("lock: acquire connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		conn.Close()
		return fmt.Errorf("lock: pg_try_advisory_lock: %w", err)
	}
	if !got {
		conn.Close()
		return ErrAlreadyHeld
	}
	l.conn = conn
	return nil
}

func (l *PostgresLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("lock: pg_advisory_unlock: %w", err)
	}
	return closeErr
}

// SQLiteLock emulates the advisory lock with an O_EXCL lock file, since SQLite has no
// server-side advisory lock primitive (SPEC_FULL.md §4.6). Release removes the file on
// clean exit. A crash leaves the file in place, and Acquire keeps returning
// ErrAlreadyHeld until the file is removed.
type SQLiteLock struct {
	path string
	file *os.File
}

// NewSQLiteLock derives a lock file path from workerID under dir.
func NewSQLiteLock(dir, workerID string) *SQLiteLock {
	name := fmt.Sprintf("sgucard-worker-%d.lock", Key(workerID))
	return &SQLiteLock{path: filepath.Join(dir, name)}
}

func (l *SQLiteLock) Acquire(ctx context.Context) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyHeld
		}
		return fmt.Errorf("lock: create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	l.file = f
	return nil
}

func (l *SQLiteLock) Release(ctx context.Context) error {
	if l.file == nil {
		return nil
	}
	l.file.Close()
	err := os.Remove(l.path)
	l.file = nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: remove lock file: %w", err)
	}
	return nil
}
