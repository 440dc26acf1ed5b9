// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgucard/dispatcher/internal/registry"
	"github.com/sgucard/dispatcher/internal/store"
	"github.com/sgucard/dispatcher/internal/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func regConfig() registry.Config {
	return registry.Config{
		HealthcheckPath:           "/",
		HealthcheckTimeout:        time.Second,
		HealthcheckCache:          time.Minute,
		CircuitBreakerWindow:      time.Minute,
		CircuitBreakerCooldown:    time.Minute,
		CircuitBreakerFailureRate: 0.5,
		CircuitBreakerMinSamples:  2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// Scenario 1: happy path.
func TestCycleHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "sucesso"})
	}))
	defer srv.Close()

	ctx := context.Background()
	s := testStore(t)
	reg := registry.New([]string{srv.URL}, regConfig())
	wrk := worker.New(s, "/verify", "tok", time.Second, 0, zap.NewNop())
	d := New(s, reg, wrk, "w1", time.Second, time.Minute, 0, zap.NewNop())

	_, err := s.Insert(ctx, store.TypeSGUCard, "0064.8000.400948.00-5", nil, nil)
	require.NoError(t, err)

	d.cycle(ctx)
	waitFor(t, time.Second, func() bool { return !reg.Backends()[0].Busy() })

	rows, err := s.ByCard(ctx, "0064.8000.400948.00-5")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.StatusSuccess, rows[0].Status)
	require.Equal(t, 1, rows[0].Attempts)
	require.Nil(t, rows[0].LastError)
}

// Scenario 4: an unhealthy backend leaves the job pending with no attempts.
func TestCycleSkipsUnhealthyBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := testStore(t)
	reg := registry.New([]string{srv.URL}, regConfig())
	wrk := worker.New(s, "/verify", "tok", time.Second, 0, zap.NewNop())
	d := New(s, reg, wrk, "w1", time.Second, time.Minute, 0, zap.NewNop())

	job, err := s.Insert(ctx, store.TypeSGUCard, "card-unhealthy", nil, nil)
	require.NoError(t, err)

	d.cycle(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func TestDispatchMissingCardTransitionsToError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	reg := registry.New([]string{"http://unused"}, regConfig())
	wrk := worker.New(s, "/verify", "tok", time.Second, 0, zap.NewNop())
	d := New(s, reg, wrk, "w1", time.Second, time.Minute, 0, zap.NewNop())

	job, err := s.Insert(ctx, store.TypeSGUCard, "", nil, nil)
	require.NoError(t, err)

	backend := reg.Backends()[0]
	slotID := backend.SlotID("w1")
	claimed, err := s.Claim(ctx, slotID, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d.dispatch(ctx, claimed[0], backend, slotID, true)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusError, got.Status)
	require.Equal(t, "missing card", *got.LastError)
	require.False(t, backend.Busy(), "a missing-card job must never mark the backend busy")
}

func TestDispatchFallbackClaimsPendingThenError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	reg := registry.New([]string{"http://b1", "http://b2"}, regConfig())
	wrk := worker.New(s, "/verify", "tok", time.Second, 0, zap.NewNop())
	d := New(s, reg, wrk, "w1", time.Second, time.Minute, 0, zap.NewNop())

	pending, err := s.Insert(ctx, store.TypeSGUCard, "card-pending", nil, nil)
	require.NoError(t, err)
	errJob, err := s.Insert(ctx, store.TypeSGUCard, "card-errored", nil, nil)
	require.NoError(t, err)
	_, err = s.Start(ctx, errJob.ID, "other:9", time.Minute)
	require.NoError(t, err)
	_, err = s.Fail(ctx, errJob.ID, "other:9", "previous failure")
	require.NoError(t, err)

	d.dispatchFallback(ctx, reg.Backends())

	got, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, got.Status)

	got2, err := s.Get(ctx, errJob.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, got2.Status)
}
