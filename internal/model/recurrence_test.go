package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestNewMaster(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		allDay  *bool
		wantErr string
	}{
		{name: "weekly", lines: []string{"RRULE:FREQ=WEEKLY;BYDAY=MO,WE"}},
		{name: "with exdate", lines: []string{"RRULE:FREQ=DAILY;COUNT=10", "EXDATE;TZID=Europe/Berlin:20250102T090000,20250103T090000"}},
		{name: "missing rrule", lines: []string{"EXDATE:20250102T090000Z"}, wantErr: "an RRULE is required"},
		{name: "two rrules", lines: []string{"RRULE:FREQ=DAILY", "RRULE:FREQ=WEEKLY"}, wantErr: "exactly one RRULE"},
		{name: "two exdates", lines: []string{"RRULE:FREQ=DAILY", "EXDATE:20250102T090000Z", "EXDATE:20250103T090000Z"}, wantErr: "at most one EXDATE"},
		{name: "trailing semicolon", lines: []string{"RRULE:FREQ=WEEKLY;BYDAY=MO;"}, wantErr: "semicolon"},
		{name: "no freq", lines: []string{"RRULE:BYDAY=MO"}, wantErr: "requires FREQ"},
		{name: "unknown part", lines: []string{"RRULE:FREQ=DAILY;FOO=1"}, wantErr: "not supported"},
		{name: "count and until", lines: []string{"RRULE:FREQ=DAILY;COUNT=2;UNTIL=20250101T000000Z"}, wantErr: "COUNT and UNTIL"},
		{name: "rdate unsupported", lines: []string{"RRULE:FREQ=DAILY", "RDATE:20250101T000000Z"}, wantErr: "unsupported property RDATE"},
		{name: "all-day until date", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110"}, allDay: boolPtr(true)},
		{name: "all-day until datetime", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110T000000Z"}, allDay: boolPtr(true), wantErr: "UNTIL must be a date"},
		{name: "timed until utc", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110T000000Z"}, allDay: boolPtr(false)},
		{name: "timed until floating", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110T000000"}, allDay: boolPtr(false), wantErr: "ending in Z"},
		{name: "timed until date", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110"}, allDay: boolPtr(false), wantErr: "ending in Z"},
		{name: "unknown context accepts either", lines: []string{"RRULE:FREQ=DAILY;UNTIL=20250110"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMaster(tc.lines, "Europe/Berlin", tc.allDay)
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.lines[0], m.RRule)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "recurrence", ve.Field)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRecurrenceEqual(t *testing.T) {
	start := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	a := Instance{MasterID: "m1", OriginalStart: start}
	b := Instance{MasterID: "m1", OriginalStart: start.In(time.FixedZone("x", 3600))}
	assert.True(t, RecurrenceEqual(a, b))
	assert.False(t, RecurrenceEqual(a, Instance{MasterID: "m1", OriginalStart: start, Override: true}))
	assert.True(t, RecurrenceEqual(nil, NoRecurrence{}))
	assert.False(t, RecurrenceEqual(NoRecurrence{}, Master{RRule: "RRULE:FREQ=DAILY"}))
}
