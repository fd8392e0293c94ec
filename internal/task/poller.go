package task

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// AccountLister enumerates accounts across tenants.
type AccountLister interface {
	ListAll(ctx context.Context) ([]*model.Account, error)
}

// Poller periodically schedules account resyncs and sync state refreshes,
// complementing webhook delivery.
type Poller struct {
	cron     *cron.Cron
	accounts AccountLister
	sched    Scheduler
	timeout  time.Duration
}

// NewPoller validates spec (standard five-field cron syntax).
func NewPoller(spec string, accounts AccountLister, sched Scheduler) (*Poller, error) {
	p := &Poller{
		cron:     cron.New(),
		accounts: accounts,
		sched:    sched,
		timeout:  time.Minute,
	}
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}
	return p, nil
}

func (p *Poller) Start() {
	p.cron.Start()
	appLog.Info("account poller started", "entries", len(p.cron.Entries()))
}

// Stop waits for a running tick to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Poll(ctx); err != nil {
		appLog.Error("account poll failed", err)
	}
}

// Poll schedules one round of work for every account.
//
//   - running/partial accounts: RefreshSyncState + SyncAccount
//   - stopped/invalid accounts: RefreshSyncState only
//   - disconnected accounts: nothing
//   - tenants with a virtual account: one ExportVirtualCalendars
func (p *Poller) Poll(ctx context.Context) error {
	accts, err := p.accounts.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	virtualTenants := make(map[string]bool)
	scheduled := 0
	for _, a := range accts {
		if a.Virtual {
			if !virtualTenants[a.TenantID] {
				virtualTenants[a.TenantID] = true
				if err := p.sched.Schedule(ctx, ExportVirtualCalendars{TenantID: a.TenantID}); err != nil {
					return err
				}
				scheduled++
			}
			continue
		}
		switch a.SyncState {
		case model.SyncStateDisconnected:
			continue
		case model.SyncStateStopped, model.SyncStateInvalid:
			if err := p.sched.Schedule(ctx, RefreshSyncState{TenantID: a.TenantID, AccountID: a.ID}); err != nil {
				return err
			}
			scheduled++
		default:
			if err := p.sched.Schedule(ctx, RefreshSyncState{TenantID: a.TenantID, AccountID: a.ID}); err != nil {
				return err
			}
			if err := p.sched.Schedule(ctx, SyncAccount{TenantID: a.TenantID, AccountID: a.ID}); err != nil {
				return err
			}
			scheduled += 2
		}
	}
	appLog.Info("account poll scheduled", "accounts", len(accts), "tasks", scheduled)
	return nil
}
