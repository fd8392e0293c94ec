package syncer

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/etag"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/task"
)

// SyncCalendar runs a full two-way sync of one calendar over the active
// window. A fanned-out child releases one account lock count when it
// succeeds; a failed child leaves its count to the lock TTL.
func (s *Syncer) SyncCalendar(ctx context.Context, t task.SyncCalendar) error {
	cal, err := s.Calendars.Get(ctx, t.TenantID, t.CalendarID)
	if errors.Is(err, model.ErrNotFound) {
		appLog.Info("calendar gone before sync", "tenant_id", t.TenantID, "calendar_id", t.CalendarID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load calendar %s: %w", t.CalendarID, err)
	}
	acct, ok, err := s.account(ctx, cal.TenantID, cal.AccountID)
	if err != nil || !ok {
		return err
	}
	if cal.ExternalID == "" {
		return fmt.Errorf("sync calendar %s: not linked to provider yet", cal.ID)
	}

	if err := s.syncCalendar(ctx, acct, cal); err != nil {
		return err
	}
	if t.LockToken != "" {
		return s.Lock.Release(ctx, acct.ID, t.LockToken)
	}
	return nil
}

type syncStats struct {
	inserted, updated, deleted, exported, unchanged int
}

func (s *Syncer) syncCalendar(ctx context.Context, acct *model.Account, cal *model.Calendar) error {
	tenant := cal.TenantID
	w := s.window()

	remote, err := s.fetchRemote(ctx, acct, cal, w)
	if err != nil {
		return err
	}
	locals, err := store.AllEvents(ctx, s.Events, tenant, cal.ID)
	if err != nil {
		return fmt.Errorf("list local events of %s: %w", cal.ID, err)
	}
	idx := newLocalIndex(locals)

	byID := make(map[string]*model.Event, len(locals))
	masterByExt := make(map[string]*model.Event)
	for _, ev := range locals {
		byID[ev.ID] = ev
		if ev.IsMaster() && ev.ExternalID != "" {
			masterByExt[ev.ExternalID] = ev
		}
	}

	remoteIDs := make([]string, len(remote))
	for i := range remote {
		remoteIDs[i] = remote[i].ID
	}
	cached, err := s.Etags.GetMany(ctx, remoteIDs)
	if err != nil {
		return err
	}

	var (
		stats   syncStats
		tags    = make(map[string]string)
		touch   []string
		inserts []*model.Event
		updates []store.BatchUpdate
	)
	for i := range remote {
		pe := &remote[i]
		var master *model.Event
		if pe.IsInstance() {
			master = masterByExt[pe.MasterEventID]
		}
		tag := etag.Compute(pe)

		if local := idx.match(pe, master); local != nil {
			idx.seen(local)
			if local.IsMaster() {
				masterByExt[pe.ID] = local
			}
			if cached[pe.ID] == tag {
				touch = append(touch, pe.ID)
				stats.unchanged++
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
		if ev.IsMaster() {
			// instances later in this batch link to the new id
			masterByExt[pe.ID] = ev
		}
		inserts = append(inserts, ev)
		tags[pe.ID] = tag
	}

	var unexported, stale []*model.Event
	for _, ev := range idx.unseen() {
		if ev.ExternalID == "" {
			unexported = append(unexported, ev)
		} else {
			stale = append(stale, ev)
		}
	}
	stale = withInstances(stale, locals)

	if err := s.Events.InsertBatch(ctx, inserts); err != nil {
		return fmt.Errorf("insert provider events into %s: %w", cal.ID, err)
	}
	if len(inserts) > 0 {
		s.Notify.Created(ctx, tenant, store.IDs(inserts)...)
	}
	stats.inserted = len(inserts)

	if len(updates) > 0 {
		if _, err := s.Events.UpdateBatch(ctx, tenant, updates); err != nil {
			return fmt.Errorf("update provider events in %s: %w", cal.ID, err)
		}
		s.Notify.Updated(ctx, tenant, batchIDs(updates)...)
	}
	stats.updated = len(updates)

	if len(stale) > 0 {
		if _, err := s.Events.DeleteBatch(ctx, tenant, store.IDs(stale)); err != nil {
			return fmt.Errorf("delete vanished events of %s: %w", cal.ID, err)
		}
		if err := s.notifyDeleted(ctx, tenant, stale, model.SourceProvider); err != nil {
			return err
		}
	}
	stats.deleted = len(stale)

	exported, exportErr := s.exportAll(ctx, acct, cal, unexported, byID)
	stats.exported = exported

	if err := s.Etags.Touch(ctx, touch...); err != nil {
		return err
	}
	if err := s.Etags.Save(ctx, tags); err != nil {
		return err
	}
	appLog.Info("calendar synced", "calendar_id", cal.ID,
		"inserted", stats.inserted, "updated", stats.updated, "deleted", stats.deleted,
		"exported", stats.exported, "unchanged", stats.unchanged)
	return exportErr
}

// fetchRemote lists the Provider side of the active window: the expanded
// in-window listing plus every master starting before the window end that
// still has an occurrence inside it. Masters come first.
func (s *Syncer) fetchRemote(ctx context.Context, acct *model.Account, cal *model.Calendar, w model.Window) ([]provider.Event, error) {
	expanded, err := s.Provider.ListEvents(ctx, acct.ExternalID, provider.EventQuery{
		CalendarID:      cal.ExternalID,
		StartsFrom:      w.Start,
		StartsBefore:    w.End,
		ExpandRecurring: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list provider events of %s: %w", cal.ExternalID, err)
	}
	series, err := s.Provider.ListEvents(ctx, acct.ExternalID, provider.EventQuery{
		CalendarID:   cal.ExternalID,
		StartsBefore: w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list provider series of %s: %w", cal.ExternalID, err)
	}

	var out []provider.Event
	seen := make(map[string]bool)
	for i := range series {
		pe := &series[i]
		if !pe.IsMaster() || pe.Cancelled() {
			continue
		}
		in, err := s.inWindow(toLocal(pe, cal, nil), cal)
		if err != nil {
			appLog.Error("skipping provider master", err, "external_id", pe.ID)
			continue
		}
		if in {
			seen[pe.ID] = true
			out = append(out, *pe)
		}
	}
	var rest []provider.Event
	for _, pe := range expanded {
		if seen[pe.ID] || pe.Cancelled() {
			continue
		}
		seen[pe.ID] = true
		if pe.IsMaster() {
			out = append(out, pe)
		} else {
			rest = append(rest, pe)
		}
	}
	return append(out, rest...), nil
}

// exportAll pushes local events that were never exported. Series go
// before instances so instances find their master's Provider id. One
// failure does not stop the rest.
func (s *Syncer) exportAll(ctx context.Context, acct *model.Account, cal *model.Calendar, evs []*model.Event, byID map[string]*model.Event) (int, error) {
	if cal.ReadOnly {
		return 0, nil
	}
	var first, instances []*model.Event
	for _, ev := range evs {
		switch {
		case ev.ReadOnly:
		case ev.IsInstance():
			instances = append(instances, ev)
		default:
			first = append(first, ev)
		}
	}

	var (
		n    int
		errs []error
	)
	for _, ev := range append(first, instances...) {
		var master *model.Event
		if ev.IsInstance() {
			master = byID[ev.MasterID()]
			if master == nil || master.ExternalID == "" {
				appLog.Warn("instance master not exported, deferring", "event_id", ev.ID, "master_id", ev.MasterID())
				errs = append(errs, fmt.Errorf("export instance %s: master %s not exported", ev.ID, ev.MasterID()))
				continue
			}
		}
		out, err := s.export(ctx, acct, cal, ev, master)
		if err != nil {
			appLog.Error("export during calendar sync", err, "event_id", ev.ID)
			errs = append(errs, err)
			continue
		}
		byID[out.ID] = out
		n++
	}
	return n, errors.Join(errs...)
}

// withInstances extends removed masters with all their local instances.
func withInstances(evs, locals []*model.Event) []*model.Event {
	in := make(map[string]bool, len(evs))
	masters := make(map[string]bool)
	for _, ev := range evs {
		in[ev.ID] = true
		if ev.IsMaster() {
			masters[ev.ID] = true
		}
	}
	if len(masters) == 0 {
		return evs
	}
	for _, ev := range locals {
		if !in[ev.ID] && masters[ev.MasterID()] {
			in[ev.ID] = true
			evs = append(evs, ev)
		}
	}
	return evs
}
