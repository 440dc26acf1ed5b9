// Copyright 2025 James Ross
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "0001112223334", nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPending, j.Status)
	require.Equal(t, 0, j.Attempts)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.CardNumber, got.CardNumber)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

// P1: a claimed job is owned by exactly one slot at a time.
func TestClaimIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, TypeSGUCard, "card-a", nil, nil)
	require.NoError(t, err)

	first, err := s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, StatusProcessing, first[0].Status)

	second, err := s.Claim(ctx, "worker-1:2", 5, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestClaimRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, TypeSGUCard, "card-"+string(rune('a'+i)), nil, nil)
		require.NoError(t, err)
	}

	claimed, err := s.Claim(ctx, "worker-1:1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
}

// An expired lease becomes claimable again.
func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "card-expired", nil, nil)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "worker-1:1", 5, -1*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, j.ID, claimed[0].ID)

	again, err := s.Claim(ctx, "worker-2:1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, j.ID, again[0].ID)
}

// P4: terminal transitions are guarded by slot ownership.
func TestCompleteRequiresMatchingSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "card-guard", nil, nil)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := s.Complete(ctx, j.ID, "worker-9:9")
	require.NoError(t, err)
	require.False(t, ok, "a foreign slot must not be able to complete the job")

	ok, err = s.Complete(ctx, j.ID, "worker-1:1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)
	require.Nil(t, got.LockedBy)
}

func TestFailTransitionsToErrorAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "card-fail", nil, nil)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)

	ok, err := s.Fail(ctx, j.ID, "worker-1:1", "boom")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.LastError)
	require.Equal(t, "boom", *got.LastError)
}

func TestReleaseReturnsJobToPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "card-release", nil, nil)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)

	ok, err := s.Release(ctx, j.ID, "worker-1:1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Nil(t, got.LockedBy)
}

// Stale processing rows are reclaimed by PurgeStale independent of Claim.
func TestPurgeStaleResetsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, TypeSGUCard, "card-stale", nil, nil)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1:1", 5, -1*time.Second)
	require.NoError(t, err)

	n, err := s.PurgeStale(ctx, TypeSGUCard)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := s.ByCard(ctx, "card-stale")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusPending, rows[0].Status)
}

func TestByCardDedupPredicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, TypeSGUCard, "card-dedup", nil, nil)
	require.NoError(t, err)

	activeProcessing, err := s.ByCardActiveProcessing(ctx, "card-dedup")
	require.NoError(t, err)
	require.False(t, activeProcessing)

	pendingOrProcessing, err := s.ByCardPendingOrProcessing(ctx, "card-dedup")
	require.NoError(t, err)
	require.True(t, pendingOrProcessing)

	successRecent, err := s.ByCardSuccessRecent(ctx, "card-dedup", 24)
	require.NoError(t, err)
	require.False(t, successRecent)

	claimed, err := s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	activeProcessing, err = s.ByCardActiveProcessing(ctx, "card-dedup")
	require.NoError(t, err)
	require.True(t, activeProcessing)

	ok, err := s.Complete(ctx, claimed[0].ID, "worker-1:1")
	require.NoError(t, err)
	require.True(t, ok)

	successRecent, err = s.ByCardSuccessRecent(ctx, "card-dedup", 24)
	require.NoError(t, err)
	require.True(t, successRecent)
}

func TestFetchReadyIgnoresLiveLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, TypeSGUCard, "card-fetch", nil, nil)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "worker-1:1", 5, time.Minute)
	require.NoError(t, err)

	ready, err := s.FetchReady(ctx, []Status{StatusPending, StatusError}, 10)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestStartClaimsFetchedJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	j, err := s.Insert(ctx, TypeSGUCard, "card-start", nil, nil)
	require.NoError(t, err)

	ok, err := s.Start(ctx, j.ID, "worker-2:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Start(ctx, j.ID, "worker-3:1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a job already processing must not be claimable by Start")
}

func TestSlotIDFormat(t *testing.T) {
	require.Equal(t, "worker-1:2", SlotID("worker-1", 2))
}
