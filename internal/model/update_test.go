package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNarrowDropsEqualFields(t *testing.T) {
	current := &Event{Title: "Standup", Location: "Room 1", Busy: true}
	u := NewEventUpdate(SourceClient).SetTitle("Standup").SetLocation("Room 2").SetBusy(true)

	narrowed := u.Narrow(current)
	assert.Equal(t, []Field{FieldLocation}, narrowed.Fields())
	assert.Len(t, u.Fields(), 3, "Narrow must not mutate the receiver")
}

func TestUntouchedFieldsAreIgnored(t *testing.T) {
	e := &Event{Title: "keep", Description: "old"}
	u := NewEventUpdate(SourceClient).SetDescription("new")
	u.ApplyTo(e)
	assert.Equal(t, "keep", e.Title)
	assert.Equal(t, "new", e.Description)
}

func TestDiff(t *testing.T) {
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	current := &Event{Title: "a", CheckinAt: &at, Participants: []Participant{{Email: "x@example.com"}}}
	target := current.Clone()
	target.Title = "b"

	d := Diff(current, target, SourceProvider, ProviderFields...)
	assert.Equal(t, []Field{FieldTitle}, d.Fields())
	assert.Equal(t, SourceProvider, d.Source())

	assert.True(t, Diff(current, current.Clone(), SourceProvider, AllFields...).Empty())
}

func TestWithoutAndOnly(t *testing.T) {
	u := NewEventUpdate(SourceSystem).SetExternalID("p1").SetTitle("t")
	assert.Equal(t, []Field{FieldTitle}, u.Without(FieldExternalID).Fields())
	assert.Equal(t, []Field{FieldExternalID}, u.Only(FieldExternalID, FieldBusy).Fields())
}

func TestMinuteAligned(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	assert.True(t, (&Event{When: TimeSpan{Start: start, End: start.Add(time.Hour)}}).MinuteAligned())
	assert.False(t, (&Event{When: TimeSpan{Start: start.Add(500 * time.Millisecond), End: start.Add(time.Hour)}}).MinuteAligned())
	assert.True(t, (&Event{When: SingleDate{Day: NewDate(2025, 1, 6)}}).MinuteAligned())
}
