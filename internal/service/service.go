// Package service is the synchronous rule layer for client writes. It
// enforces the active window and recurrence alignment, writes locally and
// then schedules the Provider export.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/store"
	"calsync/internal/task"
)

// Service handles client-initiated event changes.
type Service struct {
	events    store.Events
	calendars store.Calendars
	sched     task.Scheduler
	notify    notify.Publisher
	period    model.ActivePeriod

	now   func() time.Time
	newID func() string
}

func New(events store.Events, calendars store.Calendars, sched task.Scheduler, pub notify.Publisher, period model.ActivePeriod) *Service {
	if pub == nil {
		pub = notify.LogPublisher{}
	}
	return &Service{
		events:    events,
		calendars: calendars,
		sched:     sched,
		notify:    pub,
		period:    period,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// WithClock replaces the time source that places the active window.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns one event of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*model.Event, error) {
	ev, err := s.events.Get(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// Create stores a new event and schedules its export. When the export
// cannot be scheduled the local row is removed again and the error is
// returned.
func (s *Service) Create(ctx context.Context, tenantID string, in *model.Event) (*model.Event, error) {
	ev := in.Clone()
	ev.ID = s.newID()
	ev.TenantID = tenantID
	ev.ExternalID = ""
	ev.CreatedSource = model.SourceClient
	ev.UpdatedSource = model.SourceClient
	if ev.Recurrence == nil {
		ev.Recurrence = model.NoRecurrence{}
	}
	if ev.Status == "" {
		ev.Status = model.StatusConfirmed
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	cal, err := s.writableCalendar(ctx, tenantID, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	if err := s.checkMaster(ctx, ev); err != nil {
		return nil, err
	}
	if err := s.checkTiming(ev, cal); err != nil {
		return nil, err
	}
	if ev.When, err = truncateSpan(ev.When); err != nil {
		return nil, err
	}

	if err := s.events.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	if !ev.ReadOnly {
		if err := s.sched.Schedule(ctx, task.ExportEvent{TenantID: tenantID, EventID: ev.ID}); err != nil {
			if delErr := s.events.Delete(ctx, tenantID, ev.ID); delErr != nil {
				appLog.Error("roll back event after failed export scheduling", delErr, "event_id", ev.ID)
			}
			return nil, fmt.Errorf("schedule export of %s: %w", ev.ID, err)
		}
	}
	s.notify.Created(ctx, tenantID, ev.ID)
	return ev, nil
}

// Update applies the touched fields that actually differ. Read-only events
// accept metadata changes only.
func (s *Service) Update(ctx context.Context, tenantID, id string, upd *model.EventUpdate) (*model.Event, error) {
	cur, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if upd.Has(model.FieldExternalID) {
		return nil, model.Invalid("external_id", "is managed by sync")
	}
	if cur.ReadOnly {
		for _, f := range upd.Fields() {
			if f != model.FieldMetadata {
				return nil, fmt.Errorf("update %s of event %s: %w", f, id, model.ErrReadOnly)
			}
		}
	}

	upd = upd.Narrow(cur)
	if upd.Empty() {
		return cur, nil
	}
	if upd.Has(model.FieldRecurrence) &&
		model.KindOf(upd.Candidate().Recurrence) != model.KindOf(cur.Recurrence) {
		return nil, model.Invalid("recurrence", "cannot change from %s to %s",
			model.KindOf(cur.Recurrence), model.KindOf(upd.Candidate().Recurrence))
	}

	next := cur.Clone()
	upd.ApplyTo(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	var cal *model.Calendar
	if cur.ReadOnly {
		cal, err = s.calendar(ctx, tenantID, cur.CalendarID)
	} else {
		cal, err = s.writableCalendar(ctx, tenantID, cur.CalendarID)
	}
	if err != nil {
		return nil, err
	}
	if upd.Has(model.FieldWhen) || upd.Has(model.FieldRecurrence) {
		if err := s.checkTiming(next, cal); err != nil {
			return nil, err
		}
	}
	if upd.Has(model.FieldWhen) {
		w, err := truncateSpan(next.When)
		if err != nil {
			return nil, err
		}
		upd.SetWhen(w)
	}

	updated, err := s.events.Update(ctx, tenantID, id, upd)
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	s.notify.Updated(ctx, tenantID, id)
	if exported(upd) && !updated.ReadOnly {
		if err := s.sched.Schedule(ctx, task.ExportEvent{TenantID: tenantID, EventID: id}); err != nil {
			return updated, fmt.Errorf("schedule export of %s: %w", id, err)
		}
	}
	return updated, nil
}

// Delete removes an event, and all instances when it is a master, then
// asks the Provider to drop its copy. Read-only events are removed locally
// only.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	cur, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	cal, err := s.calendar(ctx, tenantID, cur.CalendarID)
	if err != nil {
		return err
	}
	removed, err := store.DeleteCascade(ctx, s.events, cur)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	s.notify.Deleted(ctx, notify.Deletion{
		TenantID:   tenantID,
		CalendarID: cur.CalendarID,
		EventIDs:   store.IDs(removed),
		Source:     model.SourceClient,
	})

	if cur.ReadOnly || !cal.Writable(tenantID) || cur.ExternalID == "" {
		return nil
	}
	err = s.sched.Schedule(ctx, task.DeleteProviderEvent{TenantID: tenantID, AccountID: cal.AccountID, ExternalEventID: cur.ExternalID})
	if err != nil {
		appLog.Error("schedule provider delete", err, "event_id", id, "external_id", cur.ExternalID)
	}
	return nil
}

// Checkin records attendance start. It is allowed on read-only events.
func (s *Service) Checkin(ctx context.Context, tenantID, id string, at time.Time) (*model.Event, error) {
	at = at.UTC()
	return s.attend(ctx, tenantID, id, model.NewEventUpdate(model.SourceClient).SetCheckinAt(&at))
}

// Checkout records attendance end. It is allowed on read-only events.
func (s *Service) Checkout(ctx context.Context, tenantID, id string, at time.Time) (*model.Event, error) {
	at = at.UTC()
	return s.attend(ctx, tenantID, id, model.NewEventUpdate(model.SourceClient).SetCheckoutAt(&at))
}

func (s *Service) attend(ctx context.Context, tenantID, id string, upd *model.EventUpdate) (*model.Event, error) {
	cur, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	upd = upd.Narrow(cur)
	if upd.Empty() {
		return cur, nil
	}
	updated, err := s.events.Update(ctx, tenantID, id, upd)
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	s.notify.Updated(ctx, tenantID, id)

	if updated.ReadOnly {
		return updated, nil
	}
	cal, err := s.calendar(ctx, tenantID, updated.CalendarID)
	if err != nil || !cal.Writable(tenantID) {
		return updated, nil
	}
	if err := s.sched.Schedule(ctx, task.ExportEvent{TenantID: tenantID, EventID: id}); err != nil {
		appLog.Error("schedule export after attendance change", err, "event_id", id)
	}
	return updated, nil
}

func (s *Service) calendar(ctx context.Context, tenantID, id string) (*model.Calendar, error) {
	cal, err := s.calendars.Get(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", id, err)
	}
	return cal, nil
}

func (s *Service) writableCalendar(ctx context.Context, tenantID, id string) (*model.Calendar, error) {
	cal, err := s.calendar(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !cal.Writable(tenantID) {
		return nil, fmt.Errorf("calendar %s: %w", id, model.ErrReadOnly)
	}
	return cal, nil
}

// checkMaster resolves the master of a new instance and fills in its
// Provider id.
func (s *Service) checkMaster(ctx context.Context, ev *model.Event) error {
	in, ok := ev.Recurrence.(model.Instance)
	if !ok {
		return nil
	}
	master, err := s.events.Get(ctx, ev.TenantID, in.MasterID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Invalid("recurrence", "master %s does not exist", in.MasterID)
	}
	if err != nil {
		return err
	}
	if !master.IsMaster() || master.CalendarID != ev.CalendarID {
		return model.Invalid("recurrence", "event %s is not a series of calendar %s", in.MasterID, ev.CalendarID)
	}
	in.MasterExternalID = master.ExternalID
	in.OriginalStart = in.OriginalStart.UTC()
	ev.Recurrence = in
	return nil
}

// checkTiming applies the window and alignment rules to ev's start.
func (s *Service) checkTiming(ev *model.Event, cal *model.Calendar) error {
	start, err := model.StartOf(ev.When, cal.Location)
	if err != nil {
		return model.Invalid("when", "%v", err)
	}
	w := s.period.WindowAt(s.now())
	if !w.Contains(start) {
		return model.Invalid("when", "start %s is outside the active window [%s, %s)",
			start.Format(time.RFC3339), w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if (ev.IsMaster() || ev.IsInstance()) && !ev.MinuteAligned() {
		return model.Invalid("when", "recurring events must start on a whole minute")
	}
	return nil
}

// truncateSpan drops sub-second precision from a TimeSpan. Other When
// kinds carry no sub-second part.
func truncateSpan(w model.When) (model.When, error) {
	ts, ok := w.(model.TimeSpan)
	if !ok {
		return w, nil
	}
	return model.NewTimeSpan(ts.Start, ts.End)
}

func exported(upd *model.EventUpdate) bool {
	for _, f := range model.ExportFields {
		if upd.Has(f) {
			return true
		}
	}
	return false
}
