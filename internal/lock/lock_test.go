// Copyright 2025 James Ross
package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsStableAndPositive(t *testing.T) {
	k1 := Key("worker-a")
	k2 := Key("worker-a")
	require.Equal(t, k1, k2)
	require.GreaterOrEqual(t, k1, int64(0))

	k3 := Key("worker-b")
	require.NotEqual(t, k1, k3)
}

func TestSQLiteLockExclusion(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewSQLiteLock(dir, "worker-1")
	require.NoError(t, first.Acquire(ctx))

	second := NewSQLiteLock(dir, "worker-1")
	err := second.Acquire(ctx)
	require.ErrorIs(t, err, ErrAlreadyHeld)

	require.NoError(t, first.Release(ctx))

	third := NewSQLiteLock(dir, "worker-1")
	require.NoError(t, third.Acquire(ctx))
	require.NoError(t, third.Release(ctx))
}

func TestSQLiteLockDifferentWorkersDoNotConflict(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := NewSQLiteLock(dir, "worker-a")
	b := NewSQLiteLock(dir, "worker-b")
	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestSQLiteLockReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l := NewSQLiteLock(dir, "worker-x")
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
}
