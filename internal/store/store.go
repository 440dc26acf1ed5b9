// Copyright 2025 James Ross
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("store: job not found")

// Store is the Job Store contract (SPEC_FULL.md §4.1). Both the Postgres and SQLite
// implementations satisfy it identically so the dispatcher, worker, and producer are
// backend-agnostic.
type Store interface {
	// Insert creates a new pending job. Never fails for duplicate card numbers.
	Insert(ctx context.Context, jobType, card string, cardAlt, patientID *string) (*Job, error)

	// Claim atomically selects up to limit ready rows (pending or error, lease free or
	// expired) ordered by created_at, transitions them to processing under slotID, and
	// returns the post-update snapshot. Returned order is unspecified.
	Claim(ctx context.Context, slotID string, limit int, visibilityTimeout time.Duration) ([]Job, error)

	// FetchReady is the plain-SELECT fallback used by the dispatcher when Claim returns
	// nothing: it looks at the given statuses only, without claiming.
	FetchReady(ctx context.Context, statuses []Status, limit int) ([]Job, error)

	// Start optimistically claims a specific job previously fetched by FetchReady.
	Start(ctx context.Context, jobID, slotID string, visibilityTimeout time.Duration) (bool, error)

	// Complete transitions processing -> success iff locked_by == slotID.
	Complete(ctx context.Context, jobID, slotID string) (bool, error)

	// Fail transitions processing -> error iff locked_by == slotID.
	Fail(ctx context.Context, jobID, slotID, errText string) (bool, error)

	// Release transitions processing -> pending iff locked_by == slotID.
	Release(ctx context.Context, jobID, slotID string) (bool, error)

	// PurgeStale resets expired processing leases to pending and returns the count affected.
	PurgeStale(ctx context.Context, jobType string) (int, error)

	// ByCardSuccessRecent reports whether a success row for card exists within minHours.
	ByCardSuccessRecent(ctx context.Context, card string, minHours float64) (bool, error)

	// ByCardActiveProcessing reports whether a live (non-expired) processing row exists for card.
	ByCardActiveProcessing(ctx context.Context, card string) (bool, error)

	// ByCardPendingOrProcessing reports whether any pending or processing row exists for card.
	ByCardPendingOrProcessing(ctx context.Context, card string) (bool, error)

	// Get fetches a single job by id.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ByCard lists all rows for a card, most recent first.
	ByCard(ctx context.Context, card string) ([]Job, error)

	// Close releases underlying resources (connection pool).
	Close() error
}
