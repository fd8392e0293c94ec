package syncer

import (
	"context"
	"errors"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/task"
)

// RefreshSyncState mirrors the Provider's sync state of an account. An
// account the Provider no longer knows becomes invalid.
func (s *Syncer) RefreshSyncState(ctx context.Context, t task.RefreshSyncState) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}

	var state model.SyncState
	pa, err := s.Provider.GetAccount(ctx, acct.ExternalID)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		state = model.SyncStateInvalid
	case err != nil:
		return fmt.Errorf("fetch provider account %s: %w", acct.ExternalID, err)
	default:
		state = model.SyncState(pa.SyncState)
	}
	if state == "" || state == acct.SyncState {
		return nil
	}

	appLog.Info("account sync state changed", "account_id", acct.ID, "from", acct.SyncState, "to", state)
	acct.SyncState = state
	return s.Accounts.Update(ctx, acct)
}

// RotateCredentials re-seals every stored credential of the tenant that is
// not yet under the current key. Accounts fail independently.
func (s *Syncer) RotateCredentials(ctx context.Context, t task.RotateCredentials) error {
	if s.Sealer == nil {
		return task.Permanent(errors.New("rotate credentials: no sealer configured"))
	}
	accts, err := s.Accounts.List(ctx, t.TenantID)
	if err != nil {
		return err
	}
	current := s.Sealer.CurrentKeyID()

	var (
		errs    []error
		rotated int
	)
	for _, acct := range accts {
		if len(acct.Credential) == 0 || acct.CredentialKeyID == current {
			continue
		}
		if err := s.reseal(ctx, acct); err != nil {
			appLog.Error("rotate account credential", err, "account_id", acct.ID)
			errs = append(errs, err)
			continue
		}
		rotated++
	}
	appLog.Info("credentials rotated", "tenant_id", t.TenantID, "rotated", rotated, "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Syncer) reseal(ctx context.Context, acct *model.Account) error {
	plain, err := s.Sealer.Open(acct.CredentialKeyID, acct.Credential)
	if err != nil {
		return fmt.Errorf("open credential of %s: %w", acct.ID, err)
	}
	sealed, keyID, err := s.Sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal credential of %s: %w", acct.ID, err)
	}
	acct.Credential, acct.CredentialKeyID = sealed, keyID
	return s.Accounts.Update(ctx, acct)
}

// DisconnectAccount removes an account at the Provider and locally, with
// all of its calendars and events.
func (s *Syncer) DisconnectAccount(ctx context.Context, t task.DisconnectAccount) error {
	acct, ok, err := s.account(ctx, t.TenantID, t.AccountID)
	if err != nil || !ok {
		return err
	}
	if acct.ExternalID != "" {
		err := s.Provider.DeleteAccount(ctx, acct.ExternalID)
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			return fmt.Errorf("delete provider account %s: %w", acct.ExternalID, err)
		}
	}

	cals, err := s.Calendars.ListByAccount(ctx, acct.TenantID, acct.ID)
	if err != nil {
		return err
	}
	for _, cal := range cals {
		if err := s.deleteCalendar(ctx, cal, model.SourceSystem); err != nil {
			return err
		}
	}
	if err := s.Lock.Unlock(ctx, acct.ID); err != nil {
		return err
	}
	err = s.Accounts.Delete(ctx, acct.TenantID, acct.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("delete account %s: %w", acct.ID, err)
	}
	appLog.Info("account disconnected", "account_id", acct.ID, "calendars", len(cals))
	return nil
}
