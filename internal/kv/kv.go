// Package kv is the shared, atomic key/value backend behind the inbound
// sync lock and the etag cache. Every task-executing instance must point at
// the same backend; Postgres serves multi-instance deployments and SQLite a
// single node.
package kv

import (
	"context"
	"time"
)

// Store is implemented by SQLite and Postgres.
type Store interface {
	// AcquireLock creates the lock row or, when the live row carries the same
	// token, adds count to it and refreshes its TTL. An expired row is
	// replaced. It reports false when a different live token holds key.
	AcquireLock(ctx context.Context, key, token string, count int, ttl time.Duration) (bool, error)

	// ReleaseLock decrements the live row held under token and removes it at
	// zero. Expired rows and foreign tokens are left untouched.
	ReleaseLock(ctx context.Context, key, token string) error

	// LockHeld reports whether a live row with a positive count exists.
	LockHeld(ctx context.Context, key string) (bool, error)

	// ClearLock removes the row regardless of token or count.
	ClearLock(ctx context.Context, key string) error

	// GetValues returns the live values among keys; missing or expired keys
	// are absent from the result.
	GetValues(ctx context.Context, keys []string) (map[string]string, error)

	// SetValues upserts values, each expiring after ttl.
	SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error

	// TouchValues extends the expiry of live keys to now+ttl.
	TouchValues(ctx context.Context, keys []string, ttl time.Duration) error

	DeleteValues(ctx context.Context, keys []string) error

	Close() error
}

// Clock lets tests move time forward.
type Clock func() time.Time

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
