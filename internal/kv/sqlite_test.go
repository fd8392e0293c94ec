package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupSQLite(t *testing.T) (*SQLite, *fakeClock) {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.WithClock(clk.now)
	return s, clk
}

func TestAcquireLockRefusesForeignToken(t *testing.T) {
	s, clk := setupSQLite(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "acct", "t1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "acct", "t2", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.advance(2 * time.Minute)
	ok, err = s.AcquireLock(ctx, "acct", "t2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock is replaced")
}

func TestReleaseLockIgnoresForeignToken(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "acct", "t1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLock(ctx, "acct", "other"))

	held, err := s.LockHeld(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestValuesExpire(t *testing.T) {
	s, clk := setupSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SetValues(ctx, map[string]string{"a": "1", "b": "2"}, time.Minute))
	got, err := s.GetValues(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	clk.advance(50 * time.Second)
	require.NoError(t, s.TouchValues(ctx, []string{"a"}, time.Minute))
	clk.advance(20 * time.Second)

	got, err = s.GetValues(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got)

	require.NoError(t, s.DeleteValues(ctx, []string{"a"}))
	got, err = s.GetValues(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValuesSpanManyKeys(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	keys := make([]string, 40000)
	values := make(map[string]string, len(keys))
	for i := range keys {
		keys[i] = fmt.Sprintf("etag:evt-%d", i)
		values[keys[i]] = strconv.Itoa(i)
	}
	require.NoError(t, s.SetValues(ctx, values, time.Minute))

	got, err := s.GetValues(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, len(keys))
	assert.Equal(t, "39999", got["etag:evt-39999"])

	require.NoError(t, s.TouchValues(ctx, keys, time.Hour))
	require.NoError(t, s.DeleteValues(ctx, keys))
	got, err = s.GetValues(ctx, keys)
	require.NoError(t, err)
	assert.Empty(t, got)
}
