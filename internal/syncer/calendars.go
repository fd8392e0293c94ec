package syncer

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/lock"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/task"
)

// ImportCalendar upserts one Provider calendar. New calendars get a full
// two-way sync scheduled.
func (s *Syncer) ImportCalendar(ctx context.Context, t task.ImportCalendar) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	_, _, err = s.importCalendar(ctx, acct, t.ExternalCalendarID)
	return err
}

// importCalendar fetches and upserts a Provider calendar. A calendar the
// Provider no longer has is deleted locally and nil is returned.
func (s *Syncer) importCalendar(ctx context.Context, acct *model.Account, externalID string) (*model.Calendar, bool, error) {
	pc, err := s.Provider.GetCalendar(ctx, acct.ExternalID, externalID)
	if errors.Is(err, provider.ErrNotFound) {
		appLog.Info("provider calendar gone", "account_id", acct.ID, "external_id", externalID)
		return nil, false, s.HandleCalendarDeleted(ctx, task.HandleCalendarDeleted{
			TenantID:           acct.TenantID,
			AccountID:          acct.ID,
			ExternalCalendarID: externalID,
		})
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch provider calendar %s: %w", externalID, err)
	}
	cal, created, err := s.upsertCalendar(ctx, acct, pc)
	if err != nil || !created {
		return cal, created, err
	}
	if err := s.Scheduler.Schedule(ctx, task.SyncCalendar{TenantID: cal.TenantID, CalendarID: cal.ID}); err != nil {
		return cal, true, fmt.Errorf("schedule sync of new calendar %s: %w", cal.ID, err)
	}
	return cal, true, nil
}

// upsertCalendar mirrors a Provider calendar locally. Virtual calendars
// are owned locally and keep their own attributes.
func (s *Syncer) upsertCalendar(ctx context.Context, acct *model.Account, pc *provider.Calendar) (*model.Calendar, bool, error) {
	cal, err := s.Calendars.GetByExternalID(ctx, acct.TenantID, pc.ID)
	if errors.Is(err, model.ErrNotFound) {
		cal = &model.Calendar{
			ID:          s.newID(),
			TenantID:    acct.TenantID,
			AccountID:   acct.ID,
			ExternalID:  pc.ID,
			Name:        pc.Name,
			Description: pc.Description,
			Timezone:    pc.Timezone,
			ReadOnly:    pc.ReadOnly,
		}
		if err := s.Calendars.Insert(ctx, cal); err != nil {
			return nil, false, fmt.Errorf("insert calendar %s: %w", pc.ID, err)
		}
		appLog.Info("calendar imported", "calendar_id", cal.ID, "external_id", pc.ID, "name", pc.Name)
		return cal, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup calendar %s: %w", pc.ID, err)
	}
	if cal.Virtual {
		return cal, false, nil
	}
	if cal.Name == pc.Name && cal.Description == pc.Description &&
		cal.Timezone == pc.Timezone && cal.ReadOnly == pc.ReadOnly && cal.AccountID == acct.ID {
		return cal, false, nil
	}
	cal.Name, cal.Description, cal.Timezone, cal.ReadOnly = pc.Name, pc.Description, pc.Timezone, pc.ReadOnly
	cal.AccountID = acct.ID
	if err := s.Calendars.Update(ctx, cal); err != nil {
		return nil, false, fmt.Errorf("update calendar %s: %w", cal.ID, err)
	}
	return cal, false, nil
}

// SyncAccount imports the account's calendars, drops vanished ones, then
// locks the account for N calendars and fans out N SyncCalendar tasks
// that each release one count.
func (s *Syncer) SyncAccount(ctx context.Context, t task.SyncAccount) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	if acct.Virtual {
		return s.Scheduler.Schedule(ctx, task.ExportVirtualCalendars{TenantID: acct.TenantID})
	}

	remote, err := s.Provider.ListCalendars(ctx, acct.ExternalID)
	if err != nil {
		return fmt.Errorf("list provider calendars of %s: %w", acct.ID, err)
	}
	seen := make(map[string]bool, len(remote))
	cals := make([]*model.Calendar, 0, len(remote))
	for i := range remote {
		cal, _, err := s.upsertCalendar(ctx, acct, &remote[i])
		if err != nil {
			return err
		}
		seen[cal.ID] = true
		cals = append(cals, cal)
	}

	locals, err := s.Calendars.ListByAccount(ctx, acct.TenantID, acct.ID)
	if err != nil {
		return err
	}
	for _, cal := range locals {
		if seen[cal.ID] || cal.Virtual {
			continue
		}
		if err := s.deleteCalendar(ctx, cal, model.SourceProvider); err != nil {
			return err
		}
	}
	if len(cals) == 0 {
		return nil
	}

	token := s.newID()
	err = s.Lock.Lock(ctx, acct.ID, s.cfg.LockTTL, token, len(cals))
	if errors.Is(err, lock.ErrHeld) {
		appLog.Info("account sync already running", "account_id", acct.ID)
		return nil
	}
	if err != nil {
		return err
	}
	for i, cal := range cals {
		err := s.Scheduler.Schedule(ctx, task.SyncCalendar{TenantID: acct.TenantID, CalendarID: cal.ID, LockToken: token})
		if err == nil {
			continue
		}
		for range cals[i:] {
			if relErr := s.Lock.Release(ctx, acct.ID, token); relErr != nil {
				appLog.Error("release unscheduled lock count", relErr, "account_id", acct.ID)
			}
		}
		return fmt.Errorf("schedule sync of calendar %s: %w", cal.ID, err)
	}
	appLog.Info("account sync fanned out", "account_id", acct.ID, "calendars", len(cals))
	return nil
}

// ExportVirtualCalendars schedules one export per virtual calendar.
func (s *Syncer) ExportVirtualCalendars(ctx context.Context, t task.ExportVirtualCalendars) error {
	cals, err := s.Calendars.ListVirtual(ctx, t.TenantID)
	if err != nil {
		return err
	}
	for _, cal := range cals {
		if err := s.Scheduler.Schedule(ctx, task.ExportVirtualCalendar{TenantID: t.TenantID, CalendarID: cal.ID}); err != nil {
			return fmt.Errorf("schedule export of calendar %s: %w", cal.ID, err)
		}
	}
	return nil
}

// ExportVirtualCalendar creates or updates the Provider copy of a locally
// managed calendar under the tenant's virtual account. Leftovers of an
// earlier partial run are relinked instead of created again.
func (s *Syncer) ExportVirtualCalendar(ctx context.Context, t task.ExportVirtualCalendar) error {
	cal, err := s.Calendars.Get(ctx, t.TenantID, t.CalendarID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load calendar %s: %w", t.CalendarID, err)
	}
	if !cal.Virtual {
		return task.Permanent(fmt.Errorf("calendar %s is not virtual", cal.ID))
	}
	acct, err := s.ensureVirtualAccount(ctx, cal.TenantID)
	if err != nil {
		return err
	}

	payload := provider.Calendar{
		ID:          cal.ExternalID,
		AccountID:   acct.ExternalID,
		Name:        cal.Name,
		Description: cal.Description,
		Timezone:    cal.Timezone,
		Metadata:    map[string]string{provider.MetaReference: cal.ID},
	}

	var res *provider.Calendar
	if cal.ExternalID != "" && cal.AccountID == acct.ID {
		res, err = s.Provider.UpdateCalendar(ctx, acct.ExternalID, payload)
		if errors.Is(err, provider.ErrNotFound) {
			appLog.Warn("virtual calendar missing at provider, recreating", "calendar_id", cal.ID, "external_id", cal.ExternalID)
			res, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("update provider calendar %s: %w", cal.ExternalID, err)
		}
	}
	if res == nil {
		payload.ID = ""
		res, err = s.Provider.CreateCalendar(ctx, acct.ExternalID, payload)
		if errors.Is(err, provider.ErrConflict) {
			res, err = s.relinkCalendar(ctx, acct, payload)
		}
		if err != nil {
			return fmt.Errorf("create provider calendar for %s: %w", cal.ID, err)
		}
	}

	if cal.ExternalID != res.ID || cal.AccountID != acct.ID {
		cal.ExternalID = res.ID
		cal.AccountID = acct.ID
		if err := s.Calendars.Update(ctx, cal); err != nil {
			return fmt.Errorf("link calendar %s: %w", cal.ID, err)
		}
		appLog.Info("virtual calendar linked", "calendar_id", cal.ID, "external_id", res.ID)
	}
	return s.Scheduler.Schedule(ctx, task.SyncCalendar{TenantID: cal.TenantID, CalendarID: cal.ID})
}

// relinkCalendar finds the Provider calendar a prior run created for the
// same local calendar and brings it up to date.
func (s *Syncer) relinkCalendar(ctx context.Context, acct *model.Account, payload provider.Calendar) (*provider.Calendar, error) {
	ref := payload.Metadata[provider.MetaReference]
	cals, err := s.Provider.ListCalendars(ctx, acct.ExternalID)
	if err != nil {
		return nil, err
	}
	for _, pc := range cals {
		if pc.Metadata[provider.MetaReference] != ref {
			continue
		}
		appLog.Info("provider calendar already exists, relinking", "calendar_id", ref, "external_id", pc.ID)
		payload.ID = pc.ID
		return s.Provider.UpdateCalendar(ctx, acct.ExternalID, payload)
	}
	return nil, fmt.Errorf("calendar %s conflicts but no provider calendar references it: %w", ref, provider.ErrConflict)
}

// ensureVirtualAccount returns the tenant's virtual account, creating it
// locally and at the Provider as needed.
func (s *Syncer) ensureVirtualAccount(ctx context.Context, tenant string) (*model.Account, error) {
	acct, err := s.Accounts.GetVirtual(ctx, tenant)
	switch {
	case err == nil && acct.ExternalID != "":
		return acct, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("load virtual account: %w", err)
	}

	email := tenant + "@" + s.cfg.VirtualAccountDomain
	pa, err := s.Provider.CreateVirtualAccount(ctx, email)
	if errors.Is(err, provider.ErrConflict) {
		appLog.Info("provider virtual account already exists, relinking", "tenant_id", tenant, "email", email)
		pa, err = s.Provider.FindVirtualAccount(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("create virtual account %s: %w", email, err)
	}

	state := model.SyncState(pa.SyncState)
	if state == "" {
		state = model.SyncStateRunning
	}
	if acct == nil {
		acct = &model.Account{
			ID:         s.newID(),
			TenantID:   tenant,
			ExternalID: pa.ID,
			Email:      email,
			Virtual:    true,
			SyncState:  state,
		}
		if err := s.Accounts.Insert(ctx, acct); err != nil {
			return nil, fmt.Errorf("insert virtual account: %w", err)
		}
		return acct, nil
	}
	acct.ExternalID, acct.Email, acct.SyncState = pa.ID, email, state
	if err := s.Accounts.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("link virtual account: %w", err)
	}
	return acct, nil
}
