// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore is the production Job Store backend, grounded in the pack's own
// database/sql + lib/pq usage (internal/exactly_once/outbox.go) generalized to the
// claim/lease protocol of SPEC_FULL.md §4.1.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and ensures the job_sgucard table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_sgucard (
			id            UUID PRIMARY KEY,
			type          TEXT NOT NULL,
			card_number   TEXT NOT NULL,
			card_alt      TEXT,
			patient_id    TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			locked_by     TEXT,
			locked_at     TIMESTAMPTZ,
			locked_until  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Insert(ctx context.Context, jobType, card string, cardAlt, patientID *string) (*Job, error) {
	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO job_sgucard (id, type, card_number, card_alt, patient_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		          locked_by, locked_at, locked_until, created_at, updated_at
	`, id, jobType, card, cardAlt, patientID)
	return scanJob(row)
}

func (s *PostgresStore) Claim(ctx context.Context, slotID string, limit int, visibilityTimeout time.Duration) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'processing',
		       locked_by = $1,
		       locked_at = now(),
		       locked_until = now() + $2::interval,
		       attempts = attempts + 1,
		       updated_at = now()
		 WHERE id IN (
		       SELECT id FROM job_sgucard
		        WHERE status IN ('pending', 'error')
		          AND (locked_until IS NULL OR locked_until < now())
		        ORDER BY created_at ASC
		        LIMIT $3
		        FOR UPDATE SKIP LOCKED
		       )
		RETURNING id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		          locked_by, locked_at, locked_until, created_at, updated_at
	`, slotID, fmt.Sprintf("%d seconds", int(visibilityTimeout.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) FetchReady(ctx context.Context, statuses []Status, limit int) ([]Job, error) {
	if limit <= 0 || len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(st))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard
		 WHERE status IN (%s)
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY created_at ASC
		 LIMIT $%d
	`, strings.Join(placeholders, ","), len(statuses)+1)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) Start(ctx context.Context, jobID, slotID string, visibilityTimeout time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'processing',
		       locked_by = $1,
		       locked_at = now(),
		       locked_until = now() + $2::interval,
		       attempts = attempts + 1,
		       updated_at = now()
		 WHERE id = $3 AND status IN ('pending', 'error')
	`, slotID, fmt.Sprintf("%d seconds", int(visibilityTimeout.Seconds())), jobID)
	if err != nil {
		return false, fmt.Errorf("start: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, slotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'success', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, slotID, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'error', last_error = $1, locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $2 AND status = 'processing' AND locked_by = $3
	`, errText, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("fail: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) Release(ctx context.Context, jobID, slotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'pending', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, jobID, slotID)
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	return rowsAffected(res)
}

func (s *PostgresStore) PurgeStale(ctx context.Context, jobType string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_sgucard
		   SET status = 'pending', locked_by = NULL, locked_at = NULL, locked_until = NULL, updated_at = now()
		 WHERE type = $1 AND status = 'processing' AND locked_until < now()
	`, jobType)
	if err != nil {
		return 0, fmt.Errorf("purge stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ByCardSuccessRecent(ctx context.Context, card string, minHours float64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = $1 AND status = 'success' AND updated_at >= now() - ($2 || ' hours')::interval
		)
	`, card, fmt.Sprintf("%f", minHours)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ByCardActiveProcessing(ctx context.Context, card string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = $1 AND status = 'processing' AND locked_until >= now()
		)
	`, card).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ByCardPendingOrProcessing(ctx context.Context, card string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			 WHERE card_number = $1 AND status IN ('pending', 'processing')
		)
	`, card).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard WHERE id = $1
	`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) ByCard(ctx context.Context, card string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, card_number, card_alt, patient_id, status, attempts, last_error,
		       locked_by, locked_at, locked_until, created_at, updated_at
		  FROM job_sgucard WHERE card_number = $1 ORDER BY created_at DESC
	`, card)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var status string
	err := r.Scan(&j.ID, &j.Type, &j.CardNumber, &j.CardAlt, &j.PatientID, &status, &j.Attempts,
		&j.LastError, &j.LockedBy, &j.LockedAt, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
