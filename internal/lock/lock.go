// Package lock implements the inbound sync lock: an account-scoped,
// reference-counted, TTL-bound advisory lock. A broad resync takes it so
// that narrow inbound handlers (single event import/delete) stand aside.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/kv"
	appLog "calsync/internal/log"
)

// ErrHeld is returned when another token holds a live lock on the account.
var ErrHeld = errors.New("account sync lock held by another token")

const keyPrefix = "inbound-sync:"

// Inbound is safe for use by many tasks and processes at once; all state
// lives in the kv store.
type Inbound struct {
	store kv.Store
}

func New(store kv.Store) *Inbound {
	return &Inbound{store: store}
}

func key(accountID string) string {
	return keyPrefix + accountID
}

// Lock acquires or re-acquires the account lock for token. A caller about
// to fan out N children locks with count=N; each child calls Release once.
// ttl bounds the lock if decrements are lost.
func (l *Inbound) Lock(ctx context.Context, accountID string, ttl time.Duration, token string, count int) error {
	if token == "" {
		return errors.New("lock: token is required")
	}
	if count < 1 {
		count = 1
	}
	ok, err := l.store.AcquireLock(ctx, key(accountID), token, count, ttl)
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}
	if !ok {
		return ErrHeld
	}
	appLog.Debug("inbound sync lock acquired", "account_id", accountID, "count", count, "ttl", ttl)
	return nil
}

// Release decrements the lock held under token. Releasing an expired lock
// or with a foreign token is a no-op.
func (l *Inbound) Release(ctx context.Context, accountID, token string) error {
	if err := l.store.ReleaseLock(ctx, key(accountID), token); err != nil {
		return fmt.Errorf("release account %s: %w", accountID, err)
	}
	return nil
}

// IsLocked reports whether a broad sync is in flight for the account.
func (l *Inbound) IsLocked(ctx context.Context, accountID string) (bool, error) {
	held, err := l.store.LockHeld(ctx, key(accountID))
	if err != nil {
		return false, fmt.Errorf("check account %s: %w", accountID, err)
	}
	return held, nil
}

// Unlock force-clears the account lock.
func (l *Inbound) Unlock(ctx context.Context, accountID string) error {
	if err := l.store.ClearLock(ctx, key(accountID)); err != nil {
		return fmt.Errorf("unlock account %s: %w", accountID, err)
	}
	return nil
}
