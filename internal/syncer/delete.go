package syncer

import (
	"context"
	"errors"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/task"
)

// HandleEventDeleted mirrors a Provider-side deletion. Running it again
// after the event is gone is a no-op.
func (s *Syncer) HandleEventDeleted(ctx context.Context, t task.HandleEventDeleted) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	if locked, err := s.inboundLocked(ctx, acct); err != nil || locked {
		return err
	}
	return s.deleteByExternalID(ctx, acct.TenantID, t.ExternalEventID)
}

// deleteByExternalID removes the local copy of a Provider event and, for
// a master, all of its instances.
func (s *Syncer) deleteByExternalID(ctx context.Context, tenant, externalID string) error {
	ev, err := s.localByExternalID(ctx, tenant, externalID)
	if err != nil {
		return err
	}
	if ev == nil {
		appLog.Debug("deleted provider event not known locally", "external_id", externalID)
		return s.Etags.Forget(ctx, externalID)
	}
	removed, err := store.DeleteCascade(ctx, s.Events, ev)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", ev.ID, err)
	}
	appLog.Info("deleted event removed by provider", "event_id", ev.ID, "external_id", externalID, "cascade", len(removed)-1)
	return s.notifyDeleted(ctx, tenant, removed, model.SourceProvider)
}

// HandleCalendarDeleted removes a calendar the Provider dropped, together
// with its events.
func (s *Syncer) HandleCalendarDeleted(ctx context.Context, t task.HandleCalendarDeleted) error {
	cal, err := s.Calendars.GetByExternalID(ctx, t.TenantID, t.ExternalCalendarID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup calendar %s: %w", t.ExternalCalendarID, err)
	}
	return s.deleteCalendar(ctx, cal, model.SourceProvider)
}

func (s *Syncer) deleteCalendar(ctx context.Context, cal *model.Calendar, source model.DataSource) error {
	removed, err := s.Calendars.Delete(ctx, cal.TenantID, cal.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete calendar %s: %w", cal.ID, err)
	}
	appLog.Info("calendar deleted", "calendar_id", cal.ID, "external_id", cal.ExternalID, "events", len(removed))
	return s.notifyDeleted(ctx, cal.TenantID, removed, source)
}
