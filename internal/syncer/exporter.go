package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/etag"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/task"
)

// ExportEvent pushes one local event to the Provider and maps the
// normalized result back.
func (s *Syncer) ExportEvent(ctx context.Context, t task.ExportEvent) error {
	ev, err := s.Events.Get(ctx, t.TenantID, t.EventID)
	if errors.Is(err, model.ErrNotFound) {
		appLog.Info("event gone before export", "tenant_id", t.TenantID, "event_id", t.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", t.EventID, err)
	}
	if ev.ReadOnly {
		return task.Permanent(fmt.Errorf("export event %s: %w", ev.ID, model.ErrReadOnly))
	}
	cal, err := s.Calendars.Get(ctx, ev.TenantID, ev.CalendarID)
	if err != nil {
		return fmt.Errorf("load calendar %s: %w", ev.CalendarID, err)
	}
	if cal.ReadOnly {
		return task.Permanent(fmt.Errorf("export event %s to calendar %s: %w", ev.ID, cal.ID, model.ErrReadOnly))
	}
	if cal.ExternalID == "" {
		return fmt.Errorf("export event %s: calendar %s not linked to provider yet", ev.ID, cal.ID)
	}
	acct, ok, err := s.account(ctx, ev.TenantID, cal.AccountID)
	if err != nil || !ok {
		return err
	}

	var master *model.Event
	if ev.IsInstance() {
		master, err = s.Events.Get(ctx, ev.TenantID, ev.MasterID())
		if errors.Is(err, model.ErrNotFound) {
			appLog.Info("master gone before instance export", "event_id", ev.ID, "master_id", ev.MasterID())
			return nil
		}
		if err != nil {
			return fmt.Errorf("load master %s: %w", ev.MasterID(), err)
		}
		if master.ExternalID == "" {
			return fmt.Errorf("export instance %s: master %s not exported yet", ev.ID, master.ID)
		}
	}
	_, err = s.export(ctx, acct, cal, ev, master)
	return err
}

// export creates or updates the Provider copy of ev and persists what the
// Provider made of it. It returns the stored local event.
func (s *Syncer) export(ctx context.Context, acct *model.Account, cal *model.Calendar, ev, master *model.Event) (*model.Event, error) {
	remote, err := s.resolveRemote(ctx, acct, cal, ev, master)
	if err != nil {
		return nil, err
	}
	payload := toProvider(ev, cal, master)

	if remote != nil {
		payload.ID = remote.ID
		res, err := s.Provider.UpdateEvent(ctx, acct.ExternalID, payload)
		if err != nil {
			return nil, fmt.Errorf("update provider event %s: %w", remote.ID, err)
		}
		return s.persistUpdated(ctx, cal, ev, master, res)
	}

	payload.ID = ""
	res, err := s.Provider.CreateEvent(ctx, acct.ExternalID, payload)
	if err != nil {
		return nil, fmt.Errorf("create provider event for %s: %w", ev.ID, err)
	}
	appLog.Info("created provider event", "event_id", ev.ID, "external_id", res.ID)
	return s.persistCreated(ctx, acct, cal, ev, master, res)
}

// resolveRemote finds the Provider event ev corresponds to, or nil when it
// has none. Non-override instances are not fetchable by id and are looked
// up in their master's expansion.
func (s *Syncer) resolveRemote(ctx context.Context, acct *model.Account, cal *model.Calendar, ev, master *model.Event) (*provider.Event, error) {
	if in, ok := ev.Recurrence.(model.Instance); ok && !in.Override && master != nil {
		slot := in.OriginalStart
		list, err := s.Provider.ListEvents(ctx, acct.ExternalID, provider.EventQuery{
			CalendarID:      cal.ExternalID,
			EventIDs:        []string{master.ExternalID},
			StartsFrom:      slot,
			StartsBefore:    slot.Add(time.Second),
			ExpandRecurring: true,
		})
		if err != nil {
			return nil, fmt.Errorf("list instance slot of %s: %w", master.ExternalID, err)
		}
		for i := range list {
			if list[i].OriginalStart.Equal(slot) {
				return &list[i], nil
			}
		}
		return nil, nil
	}
	if ev.ExternalID == "" {
		return nil, nil
	}
	remote, err := s.Provider.GetEvent(ctx, acct.ExternalID, ev.ExternalID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch provider event %s: %w", ev.ExternalID, err)
	}
	return remote, nil
}

func (s *Syncer) persistUpdated(ctx context.Context, cal *model.Calendar, ev, master *model.Event, res *provider.Event) (*model.Event, error) {
	upd := model.Diff(ev, toLocal(res, cal, master), model.SourceSystem, remoteFields...)

	if upd.Has(model.FieldExternalID) {
		// The instance was promoted to an override and got its own id.
		var override *bool
		if ev.IsInstance() {
			override = &res.Override
		}
		if err := s.Events.SetExternalID(ctx, ev.TenantID, ev.ID, res.ID, override); err != nil {
			return nil, fmt.Errorf("persist new external id of %s: %w", ev.ID, err)
		}
		appLog.Info("instance promoted to override", "event_id", ev.ID, "external_id", res.ID)
		upd = upd.Without(model.FieldExternalID)
	}

	out := ev
	if !upd.Empty() {
		updated, err := s.Events.Update(ctx, ev.TenantID, ev.ID, upd)
		if err != nil {
			return nil, fmt.Errorf("persist exported event %s: %w", ev.ID, err)
		}
		out = updated
	} else if res.ID != ev.ExternalID {
		out = ev.Clone()
		out.ExternalID = res.ID
	}
	if !upd.Empty() || res.ID != ev.ExternalID {
		s.Notify.Updated(ctx, ev.TenantID, ev.ID)
	}
	if err := s.Etags.Save(ctx, map[string]string{res.ID: etag.Compute(res)}); err != nil {
		return nil, err
	}
	return out, nil
}

// persistCreated stores the id of a freshly created Provider event. When
// the full write fails the id alone is saved first, so a retry updates the
// Provider event instead of creating a duplicate.
func (s *Syncer) persistCreated(ctx context.Context, acct *model.Account, cal *model.Calendar, ev, master *model.Event, res *provider.Event) (*model.Event, error) {
	upd := model.Diff(ev, toLocal(res, cal, master), model.SourceSystem, remoteFields...)

	updated, err := s.Events.Update(ctx, ev.TenantID, ev.ID, upd)
	if errors.Is(err, model.ErrNotFound) {
		return nil, s.dropOrphan(ctx, acct, ev, res)
	}
	if err != nil {
		appLog.Error("persisting created provider event failed, saving external id alone", err,
			"event_id", ev.ID, "external_id", res.ID)
		if idErr := s.Events.SetExternalID(ctx, ev.TenantID, ev.ID, res.ID, nil); idErr != nil {
			if errors.Is(idErr, model.ErrNotFound) {
				return nil, s.dropOrphan(ctx, acct, ev, res)
			}
			return nil, fmt.Errorf("persist external id of %s: %w", ev.ID, errors.Join(err, idErr))
		}
		updated, err = s.Events.Update(ctx, ev.TenantID, ev.ID, upd.Without(model.FieldExternalID))
		if err != nil {
			return nil, fmt.Errorf("persist exported event %s: %w", ev.ID, err)
		}
	}
	s.Notify.Updated(ctx, ev.TenantID, ev.ID)
	if err := s.Etags.Save(ctx, map[string]string{res.ID: etag.Compute(res)}); err != nil {
		return nil, err
	}
	return updated, nil
}

// dropOrphan removes a Provider event whose local row vanished while it
// was being created.
func (s *Syncer) dropOrphan(ctx context.Context, acct *model.Account, ev *model.Event, res *provider.Event) error {
	appLog.Warn("local event deleted during export, removing provider copy", "event_id", ev.ID, "external_id", res.ID)
	if err := s.Provider.DeleteEvent(ctx, acct.ExternalID, res.ID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("delete orphan provider event %s: %w", res.ID, err)
	}
	return nil
}

// DeleteProviderEvent removes the Provider copy of a locally deleted
// event. An already missing event counts as deleted.
func (s *Syncer) DeleteProviderEvent(ctx context.Context, t task.DeleteProviderEvent) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	err = s.Provider.DeleteEvent(ctx, acct.ExternalID, t.ExternalEventID)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("delete provider event %s: %w", t.ExternalEventID, err)
	}
	return s.Etags.Forget(ctx, t.ExternalEventID)
}
