package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/kv"
)

func setup(t *testing.T) (*Inbound, *time.Time) {
	t.Helper()
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })
	return New(store), &now
}

func TestReferenceCounting(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "acct-1", time.Hour, "tok", 3))

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Release(ctx, "acct-1", "tok"))
	}
	locked, err := l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, locked, "two of three releases must leave the lock held")

	require.NoError(t, l.Release(ctx, "acct-1", "tok"))
	locked, err = l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestReacquireAddsCount(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "acct-1", time.Hour, "tok", 1))
	require.NoError(t, l.Lock(ctx, "acct-1", time.Hour, "tok", 1))
	require.NoError(t, l.Release(ctx, "acct-1", "tok"))

	locked, err := l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestForeignTokenIsRefused(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "acct-1", time.Hour, "tok", 1))
	assert.ErrorIs(t, l.Lock(ctx, "acct-1", time.Hour, "other", 1), ErrHeld)

	require.NoError(t, l.Lock(ctx, "acct-2", time.Hour, "other", 1), "locks are per account")
}

func TestExpiryDissolvesLock(t *testing.T) {
	l, now := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "acct-1", time.Minute, "tok", 3))
	*now = now.Add(2 * time.Minute)

	locked, err := l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)

	// Late decrements from children that outlived the TTL are no-ops and
	// must not disturb a fresh lock taken afterwards.
	require.NoError(t, l.Lock(ctx, "acct-1", time.Minute, "fresh", 1))
	require.NoError(t, l.Release(ctx, "acct-1", "tok"))
	locked, err = l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestUnlockForceClears(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "acct-1", time.Hour, "tok", 5))
	require.NoError(t, l.Unlock(ctx, "acct-1"))

	locked, err := l.IsLocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, locked)
}
