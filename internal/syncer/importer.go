package syncer

import (
	"context"
	"errors"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/task"
)

// ImportEvent pulls one Provider event into the local store. A missing or
// cancelled event is handled as a Provider deletion.
func (s *Syncer) ImportEvent(ctx context.Context, t task.ImportEvent) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	if locked, err := s.inboundLocked(ctx, acct); err != nil || locked {
		return err
	}

	pe, err := s.Provider.GetEvent(ctx, acct.ExternalID, t.ExternalEventID)
	if errors.Is(err, provider.ErrNotFound) {
		return s.deleteByExternalID(ctx, acct.TenantID, t.ExternalEventID)
	}
	if err != nil {
		return fmt.Errorf("fetch provider event %s: %w", t.ExternalEventID, err)
	}
	if pe.Cancelled() {
		return s.deleteByExternalID(ctx, acct.TenantID, pe.ID)
	}
	return s.importEvent(ctx, acct, pe)
}

func (s *Syncer) importEvent(ctx context.Context, acct *model.Account, pe *provider.Event) error {
	tenant := acct.TenantID

	matched, tag, err := s.Etags.Matches(ctx, pe)
	if err != nil {
		return err
	}
	local, err := s.localByExternalID(ctx, tenant, pe.ID)
	if err != nil {
		return err
	}

	cal, err := s.calendarFor(ctx, acct, pe.CalendarID)
	if err != nil {
		return err
	}
	if cal == nil {
		appLog.Warn("provider calendar unknown, skipping event", "external_id", pe.ID, "calendar", pe.CalendarID)
		return nil
	}

	if matched && local != nil {
		if err := s.Etags.Touch(ctx, pe.ID); err != nil {
			return err
		}
		appLog.Debug("etag unchanged, skipping reconciliation", "event_id", local.ID, "external_id", pe.ID)
		if local.IsMaster() {
			return s.reconcileInstances(ctx, acct, cal, local)
		}
		return nil
	}

	master, err := s.masterFor(ctx, tenant, pe, local)
	if err != nil {
		return err
	}
	var replaced string
	if local == nil && master != nil {
		if local, err = s.localBySlot(ctx, tenant, pe, master); err != nil {
			return err
		}
		if local != nil {
			replaced = local.ExternalID
		}
	}
	target := toLocal(pe, cal, master)

	if local == nil {
		if cal.ReadOnly {
			appLog.Debug("read-only calendar, not importing new event", "external_id", pe.ID, "calendar_id", cal.ID)
			return nil
		}
		in, err := s.inWindow(target, cal)
		if err != nil {
			return err
		}
		if !in {
			appLog.Debug("event outside active window, skipping", "external_id", pe.ID)
			return nil
		}
		target.ID = s.newID()
		target.CreatedSource = model.SourceProvider
		if err := s.Events.Insert(ctx, target); err != nil {
			return fmt.Errorf("insert imported event %s: %w", pe.ID, err)
		}
		s.Notify.Created(ctx, tenant, target.ID)
		local = target
	} else {
		upd := model.Diff(local, target, model.SourceProvider, remoteFields...)
		if !upd.Empty() {
			updated, err := s.Events.Update(ctx, tenant, local.ID, upd)
			if err != nil {
				return fmt.Errorf("update imported event %s: %w", local.ID, err)
			}
			appLog.Debug("imported provider changes", "event_id", local.ID, "fields", upd.Fields())
			s.Notify.Updated(ctx, tenant, local.ID)
			local = updated
		}
	}

	if replaced != "" && replaced != pe.ID {
		if err := s.Etags.Forget(ctx, replaced); err != nil {
			return err
		}
	}
	if err := s.Etags.Save(ctx, map[string]string{pe.ID: tag}); err != nil {
		return err
	}
	if local.IsMaster() {
		return s.reconcileInstances(ctx, acct, cal, local)
	}
	return nil
}

// inWindow decides whether a new event belongs to the active window. A
// master starting before the window still counts when one of its
// occurrences falls inside.
func (s *Syncer) inWindow(ev *model.Event, cal *model.Calendar) (bool, error) {
	w := s.window()
	start, err := model.StartOf(ev.When, calendarZone(cal))
	if err != nil {
		return false, fmt.Errorf("start of %s: %w", ev.ExternalID, err)
	}
	if w.Contains(start) {
		return true, nil
	}
	if !ev.IsMaster() || !start.Before(w.End) {
		return false, nil
	}
	active, err := model.HasOccurrenceIn(ev, w.Start, w.End)
	if err != nil {
		appLog.Error("expand master for window check", err, "external_id", ev.ExternalID)
		return false, nil
	}
	return active, nil
}

// reconcileInstances brings the local instance set of master in line with
// the Provider's expansion inside the active window.
func (s *Syncer) reconcileInstances(ctx context.Context, acct *model.Account, cal *model.Calendar, master *model.Event) error {
	if master.ExternalID == "" {
		return nil
	}
	tenant := acct.TenantID
	w := s.window()

	remote, err := s.Provider.ListEvents(ctx, acct.ExternalID, provider.EventQuery{
		CalendarID:      cal.ExternalID,
		EventIDs:        []string{master.ExternalID},
		StartsFrom:      w.Start,
		StartsBefore:    w.End,
		ExpandRecurring: true,
	})
	if err != nil {
		return fmt.Errorf("list instances of %s: %w", master.ExternalID, err)
	}
	locals, err := s.Events.ListInstances(ctx, tenant, master.ID)
	if err != nil {
		return err
	}
	idx := newLocalIndex(locals)

	tags := make(map[string]string)
	var (
		touch   []string
		inserts []*model.Event
		updates []store.BatchUpdate
	)
	for i := range remote {
		pe := &remote[i]
		if !pe.IsInstance() || pe.MasterEventID != master.ExternalID {
			continue
		}
		local := idx.match(pe, master)
		matched, tag, err := s.Etags.Matches(ctx, pe)
		if err != nil {
			return err
		}
		if local != nil {
			idx.seen(local)
			if matched {
				touch = append(touch, pe.ID)
				continue
			}
			if upd := model.Diff(local, toLocal(pe, cal, master), model.SourceProvider, remoteFields...); !upd.Empty() {
				updates = append(updates, store.BatchUpdate{ID: local.ID, Update: upd})
			}
			tags[pe.ID] = tag
			continue
		}
		ev := toLocal(pe, cal, master)
		ev.ID = s.newID()
		ev.CreatedSource = model.SourceProvider
		inserts = append(inserts, ev)
		tags[pe.ID] = tag
	}

	var stale []*model.Event
	for _, ev := range idx.unseen() {
		if in, ok := ev.Recurrence.(model.Instance); ok && w.Contains(in.OriginalStart) {
			stale = append(stale, ev)
		}
	}

	if err := s.Events.InsertBatch(ctx, inserts); err != nil {
		return fmt.Errorf("insert instances of %s: %w", master.ID, err)
	}
	if len(inserts) > 0 {
		s.Notify.Created(ctx, tenant, store.IDs(inserts)...)
	}
	if len(updates) > 0 {
		if _, err := s.Events.UpdateBatch(ctx, tenant, updates); err != nil {
			return fmt.Errorf("update instances of %s: %w", master.ID, err)
		}
		s.Notify.Updated(ctx, tenant, batchIDs(updates)...)
	}
	if len(stale) > 0 {
		if _, err := s.Events.DeleteBatch(ctx, tenant, store.IDs(stale)); err != nil {
			return fmt.Errorf("delete stale instances of %s: %w", master.ID, err)
		}
		if err := s.notifyDeleted(ctx, tenant, stale, model.SourceProvider); err != nil {
			return err
		}
	}
	if err := s.Etags.Touch(ctx, touch...); err != nil {
		return err
	}
	appLog.Debug("instances reconciled", "master_id", master.ID,
		"inserted", len(inserts), "updated", len(updates), "deleted", len(stale), "unchanged", len(touch))
	return s.Etags.Save(ctx, tags)
}

// calendarFor resolves the local calendar of a Provider calendar id,
// importing it when it is not known yet. A nil calendar means the Provider
// no longer has it either.
func (s *Syncer) calendarFor(ctx context.Context, acct *model.Account, externalID string) (*model.Calendar, error) {
	cal, err := s.Calendars.GetByExternalID(ctx, acct.TenantID, externalID)
	if err == nil {
		return cal, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	cal, _, err = s.importCalendar(ctx, acct, externalID)
	return cal, err
}

// masterFor finds the local master of an instance. It falls back to the
// master an existing local copy already points to.
func (s *Syncer) masterFor(ctx context.Context, tenant string, pe *provider.Event, local *model.Event) (*model.Event, error) {
	if !pe.IsInstance() {
		return nil, nil
	}
	master, err := s.localByExternalID(ctx, tenant, pe.MasterEventID)
	if err != nil || master != nil {
		return master, err
	}
	if local != nil && local.IsInstance() {
		master, err = s.Events.Get(ctx, tenant, local.MasterID())
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return master, err
	}
	return nil, nil
}

// localBySlot finds the local instance of master scheduled at the original
// start of pe. A promoted occurrence keeps its slot but not its Provider id.
func (s *Syncer) localBySlot(ctx context.Context, tenant string, pe *provider.Event, master *model.Event) (*model.Event, error) {
	if !pe.IsInstance() {
		return nil, nil
	}
	locals, err := s.Events.ListInstances(ctx, tenant, master.ID)
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", master.ID, err)
	}
	return newLocalIndex(locals).match(pe, master), nil
}

func (s *Syncer) localByExternalID(ctx context.Context, tenant, externalID string) (*model.Event, error) {
	ev, err := s.Events.GetByExternalID(ctx, tenant, externalID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external id %s: %w", externalID, err)
	}
	return ev, nil
}

func batchIDs(upds []store.BatchUpdate) []string {
	out := make([]string, len(upds))
	for i, u := range upds {
		out[i] = u.ID
	}
	return out
}
