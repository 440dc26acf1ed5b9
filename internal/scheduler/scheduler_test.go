// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgucard/dispatcher/internal/producer"
	"github.com/sgucard/dispatcher/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCardLister struct {
	daily  []string
	active []string
	err    error
}

func (f *fakeCardLister) CardsWithAppointmentOn(ctx context.Context, day time.Time) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.daily, nil
}

func (f *fakeCardLister) ActiveCards(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.active, nil
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunDailyWindowEnqueuesEachCard(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	prod := producer.New(s, producer.Policy{SkipExisting: true}, zap.NewNop())
	lister := &fakeCardLister{daily: []string{"card-a", "card-b"}}
	sched := New(lister, prod, 0, "0 18 * * *", "0 3 * * 0", zap.NewNop())

	summary := sched.RunDailyWindow(ctx)
	require.Equal(t, 2, summary.Created)
	require.Equal(t, 0, summary.Skipped)
	require.Equal(t, 0, summary.Errored)

	rows, err := s.ByCard(ctx, "card-a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRunFullSweepSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	prod := producer.New(s, producer.Policy{SkipExisting: true}, zap.NewNop())
	_, err := s.Insert(ctx, store.TypeSGUCard, "card-existing", nil, nil)
	require.NoError(t, err)

	lister := &fakeCardLister{active: []string{"card-existing", "card-new"}}
	sched := New(lister, prod, 0, "0 18 * * *", "0 3 * * 0", zap.NewNop())

	summary := sched.RunFullSweep(ctx)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 1, summary.Skipped)
}

func TestRunDailyWindowReportsListerError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	prod := producer.New(s, producer.Policy{}, zap.NewNop())
	lister := &fakeCardLister{err: errors.New("reference data unavailable")}
	sched := New(lister, prod, 0, "0 18 * * *", "0 3 * * 0", zap.NewNop())

	summary := sched.RunDailyWindow(ctx)
	require.Equal(t, 1, summary.Errored)
	require.Equal(t, 0, summary.Created)
}

func TestEnqueueAllRespectsRateLimitAndContextCancellation(t *testing.T) {
	s := testStore(t)
	prod := producer.New(s, producer.Policy{}, zap.NewNop())
	lister := &fakeCardLister{active: []string{"card-1", "card-2", "card-3"}}
	sched := New(lister, prod, 50*time.Millisecond, "0 18 * * *", "0 3 * * 0", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	summary := sched.RunFullSweep(ctx)
	require.Equal(t, 1, summary.Created, "cancellation should stop the sweep while waiting on the rate limiter for the next card")
}

func TestStartAndStopRegistersBothSchedules(t *testing.T) {
	s := testStore(t)
	prod := producer.New(s, producer.Policy{}, zap.NewNop())
	lister := &fakeCardLister{}
	sched := New(lister, prod, 0, "0 18 * * *", "0 3 * * 0", zap.NewNop())

	err := sched.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sched.cron)
	require.Len(t, sched.cron.Entries(), 2)

	sched.Stop()
}

func TestStartRejectsInvalidCronSpec(t *testing.T) {
	s := testStore(t)
	prod := producer.New(s, producer.Policy{}, zap.NewNop())
	lister := &fakeCardLister{}
	sched := New(lister, prod, 0, "not-a-cron-spec", "0 3 * * 0", zap.NewNop())

	err := sched.Start(context.Background())
	require.Error(t, err)
}
