package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weeklyStandup(t *testing.T, exdate string) *Event {
	t.Helper()
	berlin := mustLoad(t, "Europe/Berlin")
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, berlin) // Monday
	ts, err := NewTimeSpan(start, start.Add(15*time.Minute))
	require.NoError(t, err)
	return &Event{
		ID:         "m1",
		When:       ts,
		Recurrence: Master{RRule: "RRULE:FREQ=WEEKLY", ExDate: exdate, Timezone: "Europe/Berlin"},
	}
}

func TestExpandWeekly(t *testing.T) {
	ev := weeklyStandup(t, "")
	occ, capped, err := Expand(ev, ExpandConfig{
		RangeStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.False(t, capped)
	require.Len(t, occ, 4)
	assert.Equal(t, time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC), occ[0].OriginalStart)
	assert.Equal(t, 15*time.Minute, occ[3].When.(TimeSpan).Duration())
}

func TestExpandHonoursExDate(t *testing.T) {
	ev := weeklyStandup(t, "EXDATE;TZID=Europe/Berlin:20250113T090000")
	occ, _, err := Expand(ev, ExpandConfig{
		RangeStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, occ, 3)
	for _, o := range occ {
		assert.NotEqual(t, time.Date(2025, 1, 13, 8, 0, 0, 0, time.UTC), o.OriginalStart)
	}
}

func TestExpandIsHalfOpen(t *testing.T) {
	ev := weeklyStandup(t, "")
	second := time.Date(2025, 1, 13, 8, 0, 0, 0, time.UTC)
	occ, _, err := Expand(ev, ExpandConfig{RangeStart: second, RangeEnd: second.Add(7 * 24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, second, occ[0].OriginalStart)
}

func TestExpandAllDay(t *testing.T) {
	ev := &Event{
		When:       SingleDate{Day: NewDate(2025, 1, 1)},
		Recurrence: Master{RRule: "RRULE:FREQ=DAILY;COUNT=5"},
	}
	occ, _, err := Expand(ev, ExpandConfig{
		RangeStart: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, NewDate(2025, 1, 3), occ[0].When.(SingleDate).Day)
}

func TestHasOccurrenceIn(t *testing.T) {
	ev := weeklyStandup(t, "")
	ok, err := HasOccurrenceIn(ev, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasOccurrenceIn(ev, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpandRejectsNonMaster(t *testing.T) {
	_, _, err := Expand(&Event{When: SingleDate{Day: NewDate(2025, 1, 1)}, Recurrence: NoRecurrence{}}, ExpandConfig{})
	assert.Error(t, err)
}
