// Package syncer implements the sync task set: every task is stateless and
// idempotent, so the scheduler may deliver it any number of times and in
// any order relative to other tasks for the same account.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/etag"
	"calsync/internal/lock"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/task"
)

// Sealer encrypts stored Provider credentials.
type Sealer interface {
	CurrentKeyID() string
	Seal(plain []byte) (sealed []byte, keyID string, err error)
	Open(keyID string, sealed []byte) ([]byte, error)
}

// Config carries the tunables the tasks need.
type Config struct {
	ActivePeriod         model.ActivePeriod
	LockTTL              time.Duration
	VirtualAccountDomain string
}

// Deps are the collaborators a Syncer drives.
type Deps struct {
	Events    store.Events
	Calendars store.Calendars
	Accounts  store.Accounts
	Provider  provider.Client
	Etags     *etag.Cache
	Lock      *lock.Inbound
	Notify    notify.Publisher
	Scheduler task.Scheduler
	Sealer    Sealer
}

// Syncer runs sync tasks. It implements task.Handler.
type Syncer struct {
	cfg Config
	Deps

	now   func() time.Time
	newID func() string
}

var _ task.Handler = (*Syncer)(nil)

func New(deps Deps, cfg Config) *Syncer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.VirtualAccountDomain == "" {
		cfg.VirtualAccountDomain = "virtual.calsync.local"
	}
	if deps.Notify == nil {
		deps.Notify = notify.LogPublisher{}
	}
	return &Syncer{
		cfg:   cfg,
		Deps:  deps,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithClock replaces the time source that places the active window.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// Handle dispatches t to its task.
func (s *Syncer) Handle(ctx context.Context, t task.Task) error {
	switch p := t.(type) {
	case task.ImportEvent:
		return s.ImportEvent(ctx, p)
	case task.ExportEvent:
		return s.ExportEvent(ctx, p)
	case task.DeleteProviderEvent:
		return s.DeleteProviderEvent(ctx, p)
	case task.HandleEventDeleted:
		return s.HandleEventDeleted(ctx, p)
	case task.HandleCalendarDeleted:
		return s.HandleCalendarDeleted(ctx, p)
	case task.ImportCalendar:
		return s.ImportCalendar(ctx, p)
	case task.SyncAccount:
		return s.SyncAccount(ctx, p)
	case task.SyncCalendar:
		return s.SyncCalendar(ctx, p)
	case task.ExportVirtualCalendars:
		return s.ExportVirtualCalendars(ctx, p)
	case task.ExportVirtualCalendar:
		return s.ExportVirtualCalendar(ctx, p)
	case task.RefreshSyncState:
		return s.RefreshSyncState(ctx, p)
	case task.RotateCredentials:
		return s.RotateCredentials(ctx, p)
	case task.DisconnectAccount:
		return s.DisconnectAccount(ctx, p)
	default:
		return fmt.Errorf("%w: %T", task.ErrUnknownTask, t)
	}
}

func (s *Syncer) window() model.Window {
	return s.cfg.ActivePeriod.WindowAt(s.now())
}

// account loads a local account; a vanished account ends the task quietly.
func (s *Syncer) account(ctx context.Context, tenantID, accountID string) (*model.Account, bool, error) {
	acct, err := s.Accounts.Get(ctx, tenantID, accountID)
	if errors.Is(err, model.ErrNotFound) {
		appLog.Info("account gone, skipping task", "tenant_id", tenantID, "account_id", accountID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s: %w", accountID, err)
	}
	return acct, true, nil
}

// inboundLocked reports whether narrow inbound handlers must stand aside.
func (s *Syncer) inboundLocked(ctx context.Context, acct *model.Account) (bool, error) {
	locked, err := s.Lock.IsLocked(ctx, acct.ID)
	if err != nil {
		return false, err
	}
	if locked {
		appLog.Debug("account sync in flight, skipping inbound change", "account_id", acct.ID)
	}
	return locked, nil
}

func calendarZone(cal *model.Calendar) model.ZoneSupplier {
	return func() (*time.Location, error) { return cal.Location() }
}

// notifyDeleted publishes one deletion per calendar and drops the etags of
// the removed events.
func (s *Syncer) notifyDeleted(ctx context.Context, tenantID string, removed []*model.Event, source model.DataSource) error {
	if len(removed) == 0 {
		return nil
	}
	byCalendar := make(map[string][]string)
	var order []string
	for _, ev := range removed {
		if _, ok := byCalendar[ev.CalendarID]; !ok {
			order = append(order, ev.CalendarID)
		}
		byCalendar[ev.CalendarID] = append(byCalendar[ev.CalendarID], ev.ID)
	}
	for _, calID := range order {
		s.Notify.Deleted(ctx, notify.Deletion{
			TenantID:   tenantID,
			CalendarID: calID,
			EventIDs:   byCalendar[calID],
			Source:     source,
		})
	}
	return s.Etags.Forget(ctx, store.ExternalIDs(removed)...)
}
