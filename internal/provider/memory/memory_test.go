package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/provider"
)

var monday = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*Provider, provider.Event) {
	t.Helper()
	p := New()
	p.AddAccount(provider.Account{ID: "pa-1", Email: "owner@example.com"})
	p.AddCalendar(provider.Calendar{ID: "pc-1", AccountID: "pa-1", Name: "Work"})
	master := p.PutEvent(provider.Event{
		CalendarID: "pc-1",
		Title:      "Weekly",
		When:       model.TimeSpan{Start: monday, End: monday.Add(30 * time.Minute)},
		Recurrence: []string{"RRULE:FREQ=WEEKLY;COUNT=4"},
		Timezone:   "UTC",
		Status:     string(model.StatusConfirmed),
	})
	return p, master
}

func expanded(t *testing.T, p *Provider) []provider.Event {
	t.Helper()
	evs, err := p.ListEvents(context.Background(), "pa-1", provider.EventQuery{
		CalendarID:      "pc-1",
		StartsFrom:      monday,
		StartsBefore:    monday.AddDate(0, 1, 0),
		ExpandRecurring: true,
	})
	require.NoError(t, err)
	return evs
}

func TestExpandSynthesizesInstances(t *testing.T) {
	p, master := seeded(t)

	evs := expanded(t, p)
	require.Len(t, evs, 4)
	for i, ev := range evs {
		slot := monday.AddDate(0, 0, 7*i)
		assert.Equal(t, InstanceID(master.ID, slot), ev.ID)
		assert.Equal(t, master.ID, ev.MasterEventID)
		assert.True(t, slot.Equal(ev.OriginalStart))
		assert.False(t, ev.Override)
	}

	unexpanded, err := p.ListEvents(context.Background(), "pa-1", provider.EventQuery{CalendarID: "pc-1"})
	require.NoError(t, err)
	require.Len(t, unexpanded, 1)
	assert.True(t, unexpanded[0].IsMaster())
}

func TestUpdatingInstancePromotesOverride(t *testing.T) {
	p, master := seeded(t)
	ctx := context.Background()
	slot := monday.AddDate(0, 0, 7)

	inst := expanded(t, p)[1]
	inst.Title = "  Moved  "
	got, err := p.UpdateEvent(ctx, "pa-1", inst)
	require.NoError(t, err)
	assert.NotEqual(t, InstanceID(master.ID, slot), got.ID)
	assert.True(t, got.Override)
	assert.Equal(t, "Moved", got.Title)

	evs := expanded(t, p)
	require.Len(t, evs, 4)
	assert.Equal(t, got.ID, evs[1].ID, "the override takes its slot")
}

func TestDeletingInstanceCancelsSlot(t *testing.T) {
	p, master := seeded(t)
	ctx := context.Background()
	id := InstanceID(master.ID, monday.AddDate(0, 0, 14))

	require.NoError(t, p.DeleteEvent(ctx, "pa-1", id))
	assert.Len(t, expanded(t, p), 3)
	assert.ErrorIs(t, p.DeleteEvent(ctx, "pa-1", id), provider.ErrNotFound)

	require.NoError(t, p.DeleteEvent(ctx, "pa-1", master.ID))
	assert.Empty(t, expanded(t, p))
}

func TestFailNextCountsCalls(t *testing.T) {
	p, master := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")
	p.FailNext("GetEvent", boom)

	_, err := p.GetEvent(ctx, "pa-1", master.ID)
	assert.ErrorIs(t, err, boom)
	_, err = p.GetEvent(ctx, "pa-1", master.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls("GetEvent"))
}

func TestVirtualAccountConflicts(t *testing.T) {
	p := New()
	ctx := context.Background()

	acct, err := p.CreateVirtualAccount(ctx, "t1@virtual.example")
	require.NoError(t, err)
	assert.True(t, acct.Virtual)

	_, err = p.CreateVirtualAccount(ctx, "t1@virtual.example")
	assert.ErrorIs(t, err, provider.ErrConflict)

	found, err := p.FindVirtualAccount(ctx, "t1@virtual.example")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, found.ID)
}
