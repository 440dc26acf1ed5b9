// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the dev/test Job Store backend. SQLite has no SELECT ... FOR UPDATE
// SKIP LOCKED, so Claim is implemented as a single-writer transaction: the database/sql
// driver serializes writers against one file-backed connection, which gives the same
// claim semantics without row-level locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the sqlite file at path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent Claim calls.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_sgucard (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			card_number   TEXT NOT NULL,
			card_alt      TEXT,
			patient_id    TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			locked_by     TEXT,
			locked_at     DATETIME,
			locked_until  DATETIME,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_job_sgucard_status_locked_until ON job_sgucard (status, locked_until);
		CREATE INDEX IF NOT EXISTS idx_job_sgucard_card_status ON job_sgucard (card_number, status);
		CREATE INDEX IF NOT EXISTS idx_job_sgucard_created_at ON job_sgucard (created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate job_sgucard: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, jobType, card string, cardAlt, patientID *string) (*Job, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_sgucard (id, type, card_number, card_alt, patient_id)
		VALUES (?, ?, ?, ?, ?)
	`, id, jobType, card, cardAlt, patientID)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Claim(ctx context.Context, slotID string, limit int, visibilityTimeout time.Duration) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM job_sgucard
		 WHERE status IN ('pending', 'error')
		   AND (locked_until IS NULL OR locked_until < CURRENT_TIMESTAMP)
		 ORDER BY created_at ASC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, slotID, fmt.Sprintf("+%d seconds", int(visibilityTimeout.Seconds())))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE job_sgucard
		   SET status = 'processing',
		       locked_by = ?,
		       locked_at = CURRENT_TIMESTAMP,
		       locked_until = datetime(CURRENT_TIMESTAMP, ?),
		       attempts = attempts + 1,
		       updated_at = CURRENT_TIMESTAMP
		 WHERE id IN (%s)
	`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *SQLiteStore) FetchReady(ctx context.Context, statuses []Status, limit int) ([]Job, error) {
	if limit <= 0 || len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard
		 WHERE status IN (%s)
		   AND (locked_until IS NULL OR locked_until < CURRENT_TIMESTAMP)
		 ORDER BY created_at ASC
		 LIMIT ?
	`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) Start(ctx context.Context, jobID, slotID string, visibilityTimeout time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'processing',
		       locked_by = ?,
		       locked_at = CURRENT_TIMESTAMP,
		       locked_until = datetime(CURRENT_TIMESTAMP, ?),
		       attempts = attempts + 1,
		       updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ('pending', 'error')
	`, slotID, fmt.Sprintf("+%d seconds", int(visibilityTimeout.Seconds())), jobID)
	if err != nil {
		return false, fmt.Errorf("start: %w", err)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID, slotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'success', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) Fail(ctx context.Context, jobID, slotID, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'error', last_error = ?, locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, errText, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("fail: %w", err)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) Release(ctx context.Context, jobID, slotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'pending', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'processing' AND locked_by = ?
	`, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) PurgeStale(ctx context.Context, jobType string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'pending', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE type = ? AND status = 'processing' AND locked_until < CURRENT_TIMESTAMP
	`, jobType)
	if err != nil {
		return 0, fmt.Errorf("purge stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ByCardSuccessRecent(ctx context.Context, card string, minHours float64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = ? AND status = 'success'
			   AND updated_at >= datetime(CURRENT_TIMESTAMP, ?)
		)
	`, card, fmt.Sprintf("-%f hours", minHours)).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) ByCardActiveProcessing(ctx context.Context, card string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = ? AND status = 'processing' AND locked_until >= CURRENT_TIMESTAMP
		)
	`, card).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) ByCardPendingOrProcessing(ctx context.Context, card string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = ? AND status IN ('pending', 'processing')
		)
	`, card).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard WHERE id = ?
	`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) ByCard(ctx context.Context, card string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard WHERE card_number = ? ORDER BY created_at DESC
	`, card)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}
