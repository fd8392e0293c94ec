package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/store"
	"calsync/internal/task"
)

var now = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db    *store.DB
	sched *task.Recorder
	notes *notify.Recorder
	svc   *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Calendars().Insert(ctx, &model.Calendar{ID: "c1", TenantID: "t1", AccountID: "a1", ExternalID: "pc-1", Timezone: "Europe/Berlin"}))
	require.NoError(t, db.Calendars().Insert(ctx, &model.Calendar{ID: "c-ro", TenantID: "t1", AccountID: "a1", ExternalID: "pc-ro", ReadOnly: true}))

	f := &fixture{db: db, sched: &task.Recorder{}, notes: &notify.Recorder{}}
	f.svc = New(db.Events(), db.Calendars(), f.sched, f.notes,
		model.ActivePeriod{Past: 7 * 24 * time.Hour, Future: 30 * 24 * time.Hour}).
		WithClock(func() time.Time { return now })
	return f
}

func meeting(start time.Time) *model.Event {
	return &model.Event{
		CalendarID: "c1",
		Title:      "Standup",
		When:       model.TimeSpan{Start: start, End: start.Add(15 * time.Minute)},
	}
}

func weekly(start time.Time) *model.Event {
	ev := meeting(start)
	ev.Recurrence = model.Master{RRule: "RRULE:FREQ=WEEKLY", Timezone: "Europe/Berlin"}
	return ev
}

func TestCreateSchedulesExport(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.NoError(t, err)

	stored, err := f.db.Events().Get(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceClient, stored.CreatedSource)
	assert.Equal(t, []task.Task{task.ExportEvent{TenantID: "t1", EventID: ev.ID}}, f.sched.Tasks())
	assert.Equal(t, [][]string{{ev.ID}}, f.notes.CreatedCalls())
}

func TestCreateWindowBoundary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	windowStart := now.Add(-7 * 24 * time.Hour)

	_, err := f.svc.Create(ctx, "t1", meeting(windowStart))
	require.NoError(t, err, "the window start is inclusive")

	_, err = f.svc.Create(ctx, "t1", meeting(windowStart.Add(-time.Nanosecond)))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.Create(ctx, "t1", meeting(now.Add(30*24*time.Hour)))
	assert.True(t, model.IsValidation(err), "the window end is exclusive")
}

func TestCreateMinuteAlignment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	start := now.Add(time.Hour)

	_, err := f.svc.Create(ctx, "t1", weekly(start.Add(500*time.Millisecond)))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.Create(ctx, "t1", weekly(start))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "t1", meeting(start.Add(500*time.Millisecond)))
	require.NoError(t, err, "one-off events need no alignment")
}

func TestTimeSpanIsStoredInWholeSeconds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	start := now.Add(time.Hour)

	ev, err := f.svc.Create(ctx, "t1", meeting(start.Add(500*time.Millisecond)))
	require.NoError(t, err)
	stored, err := f.db.Events().Get(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TimeSpan{Start: start, End: start.Add(15 * time.Minute)}, stored.When)

	moved := start.Add(2 * time.Hour)
	upd := model.NewEventUpdate(model.SourceClient).
		SetWhen(model.TimeSpan{Start: moved.Add(250 * time.Millisecond), End: moved.Add(time.Hour + 750*time.Millisecond)})
	_, err = f.svc.Update(ctx, "t1", ev.ID, upd)
	require.NoError(t, err)
	stored, err = f.db.Events().Get(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TimeSpan{Start: moved, End: moved.Add(time.Hour)}, stored.When)
}

func TestCreateRollsBackWhenSchedulingFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.sched.FailNext(task.KindExportEvent, errors.New("queue unavailable"))

	_, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.Error(t, err)

	evs, err := store.AllEvents(ctx, f.db.Events(), "t1", "c1")
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Empty(t, f.notes.CreatedCalls())
}

func TestCreateRejectsReadOnlyAndForeignCalendars(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ev := meeting(now.Add(time.Hour))
	ev.CalendarID = "c-ro"
	_, err := f.svc.Create(ctx, "t1", ev)
	assert.ErrorIs(t, err, model.ErrReadOnly)

	_, err = f.svc.Create(ctx, "t2", meeting(now.Add(time.Hour)))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateInstanceNeedsMaster(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	start := now.Add(time.Hour)
	master, err := f.svc.Create(ctx, "t1", weekly(start))
	require.NoError(t, err)

	inst := meeting(start.Add(7 * 24 * time.Hour))
	inst.Recurrence = model.Instance{MasterID: master.ID, OriginalStart: start.Add(7 * 24 * time.Hour)}
	created, err := f.svc.Create(ctx, "t1", inst)
	require.NoError(t, err)
	assert.Equal(t, master.ID, created.MasterID())

	orphan := meeting(start)
	orphan.Recurrence = model.Instance{MasterID: "nope", OriginalStart: start}
	_, err = f.svc.Create(ctx, "t1", orphan)
	assert.True(t, model.IsValidation(err))
}

func TestUpdateWritesOnlyChanges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.NoError(t, err)
	f.sched.Drain()
	f.notes.Reset()

	same, err := f.svc.Update(ctx, "t1", ev.ID, model.NewEventUpdate(model.SourceClient).SetTitle("Standup"))
	require.NoError(t, err)
	assert.Equal(t, "Standup", same.Title)
	assert.Empty(t, f.sched.Tasks())
	assert.Empty(t, f.notes.UpdatedCalls())

	got, err := f.svc.Update(ctx, "t1", ev.ID, model.NewEventUpdate(model.SourceClient).
		SetTitle("Standup").SetLocation("Room 4"))
	require.NoError(t, err)
	assert.Equal(t, "Room 4", got.Location)
	assert.Len(t, f.sched.OfKind(task.KindExportEvent), 1)
	assert.Equal(t, [][]string{{ev.ID}}, f.notes.UpdatedCalls())

	f.sched.Drain()
	_, err = f.svc.Update(ctx, "t1", ev.ID, model.NewEventUpdate(model.SourceClient).SetMetadata(map[string]string{"room": "4"}))
	require.NoError(t, err)
	assert.Empty(t, f.sched.Tasks(), "local metadata is never exported")
}

func TestUpdateRejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, "t1", ev.ID, model.NewEventUpdate(model.SourceClient).
		SetRecurrence(model.Master{RRule: "RRULE:FREQ=DAILY"}))
	assert.True(t, model.IsValidation(err), "recurrence kind changes are rejected")

	moved := now.Add(-8 * 24 * time.Hour)
	_, err = f.svc.Update(ctx, "t1", ev.ID, model.NewEventUpdate(model.SourceClient).
		SetWhen(model.TimeSpan{Start: moved, End: moved.Add(time.Hour)}))
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.Update(ctx, "t1", "missing", model.NewEventUpdate(model.SourceClient).SetTitle("x"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReadOnlyEventAllowsLocalChangesOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ro := meeting(now.Add(time.Hour))
	ro.ID = "ro-1"
	ro.TenantID = "t1"
	ro.Recurrence = model.NoRecurrence{}
	ro.ReadOnly = true
	ro.ExternalID = "x-ro"
	require.NoError(t, f.db.Events().Insert(ctx, ro))

	_, err := f.svc.Update(ctx, "t1", "ro-1", model.NewEventUpdate(model.SourceClient).SetTitle("mine"))
	assert.ErrorIs(t, err, model.ErrReadOnly)

	_, err = f.svc.Update(ctx, "t1", "ro-1", model.NewEventUpdate(model.SourceClient).SetMetadata(map[string]string{"note": "vip"}))
	require.NoError(t, err)

	checked, err := f.svc.Checkin(ctx, "t1", "ro-1", now)
	require.NoError(t, err)
	require.NotNil(t, checked.CheckinAt)
	assert.True(t, now.Equal(*checked.CheckinAt))

	require.NoError(t, f.svc.Delete(ctx, "t1", "ro-1"))
	assert.Empty(t, f.sched.Tasks(), "read-only events are never exported")
}

func TestCheckinToleratesSchedulingFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.NoError(t, err)
	f.notes.Reset()
	f.sched.FailNext(task.KindExportEvent, errors.New("queue unavailable"))

	got, err := f.svc.Checkout(ctx, "t1", ev.ID, now)
	require.NoError(t, err)
	require.NotNil(t, got.CheckoutAt)
	assert.Equal(t, [][]string{{ev.ID}}, f.notes.UpdatedCalls())
}

func TestDeleteMasterCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	start := now.Add(time.Hour)
	master, err := f.svc.Create(ctx, "t1", weekly(start))
	require.NoError(t, err)
	require.NoError(t, f.db.Events().SetExternalID(ctx, "t1", master.ID, "x-master", nil))
	for i := 1; i <= 3; i++ {
		slot := start.Add(time.Duration(i) * 7 * 24 * time.Hour)
		inst := meeting(slot)
		inst.Recurrence = model.Instance{MasterID: master.ID, OriginalStart: slot}
		_, err := f.svc.Create(ctx, "t1", inst)
		require.NoError(t, err)
	}
	f.sched.Drain()

	require.NoError(t, f.svc.Delete(ctx, "t1", master.ID))

	calls := f.notes.DeletedCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].EventIDs, 4)
	assert.Equal(t, master.ID, calls[0].EventIDs[0])
	assert.Equal(t, model.SourceClient, calls[0].Source)
	evs, err := store.AllEvents(ctx, f.db.Events(), "t1", "c1")
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, []task.Task{task.DeleteProviderEvent{TenantID: "t1", AccountID: "a1", ExternalEventID: "x-master"}}, f.sched.Tasks())

	assert.ErrorIs(t, f.svc.Delete(ctx, "t1", master.ID), model.ErrNotFound)
}

func TestDeleteToleratesSchedulingFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev, err := f.svc.Create(ctx, "t1", meeting(now.Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, f.db.Events().SetExternalID(ctx, "t1", ev.ID, "x-1", nil))
	f.sched.Drain()
	f.sched.FailNext(task.KindDeleteProviderEvent, errors.New("queue unavailable"))

	require.NoError(t, f.svc.Delete(ctx, "t1", ev.ID))

	_, err = f.db.Events().Get(ctx, "t1", ev.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	calls := f.notes.DeletedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{ev.ID}, calls[0].EventIDs)
	assert.Empty(t, f.sched.Tasks())
}
