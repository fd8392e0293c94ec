package etag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/kv"
	"calsync/internal/model"
	"calsync/internal/provider"
)

func standup() *provider.Event {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	return &provider.Event{
		ID:         "evt-1",
		CalendarID: "cal-1",
		Title:      "Standup",
		When:       model.TimeSpan{Start: start, End: start.Add(15 * time.Minute)},
		Status:     "confirmed",
		Busy:       true,
		Metadata:   map[string]string{"b": "2", "a": "1"},
	}
}

func TestComputeIsStable(t *testing.T) {
	a := standup()
	b := standup()
	b.UpdatedAt = time.Now()
	b.Metadata = map[string]string{"a": "1", "b": "2"}
	assert.Equal(t, Compute(a), Compute(b))
}

func TestComputeTracksMutableFields(t *testing.T) {
	base := Compute(standup())

	renamed := standup()
	renamed.Title = "Daily"
	assert.NotEqual(t, base, Compute(renamed))

	moved := standup()
	moved.When = model.ShiftTo(moved.When, time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC))
	assert.NotEqual(t, base, Compute(moved))

	allDay := standup()
	allDay.When = model.SingleDate{Day: model.NewDate(2025, time.March, 3)}
	assert.NotEqual(t, base, Compute(allDay))
}

func TestCacheRoundTrip(t *testing.T) {
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	c := NewCache(store, time.Hour)
	ctx := context.Background()
	ev := standup()

	ok, tag, err := c.Matches(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, map[string]string{ev.ID: tag}))
	ok, _, err = c.Matches(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(50 * time.Minute)
	require.NoError(t, c.Touch(ctx, ev.ID))
	now = now.Add(50 * time.Minute)
	got, err := c.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, tag, got, "touch extends the expiry")

	now = now.Add(2 * time.Hour)
	got, err = c.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.Save(ctx, map[string]string{"x": "1", "y": "2"}))
	require.NoError(t, c.Forget(ctx, "x", ""))
	many, err := c.GetMany(ctx, []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"y": "2"}, many)
}
