package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_locks (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	count      INTEGER NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_values (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kv_values_expires ON kv_values(expires_at);
`

// Postgres is the Store shared by every worker instance.
type Postgres struct {
	pool *pgxpool.Pool
	now  Clock
}

// NewPostgres creates a connection pool, fails fast if the database is
// unreachable, and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect kv postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping kv postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize kv schema: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

// WithClock replaces the time source.
func (p *Postgres) WithClock(c Clock) *Postgres {
	p.now = c
	return p
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) AcquireLock(ctx context.Context, key, token string, count int, ttl time.Duration) (bool, error) {
	now := p.now()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kv_locks (key, token, count, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN kv_locks.expires_at <= $5 THEN excluded.count
			             ELSE kv_locks.count + excluded.count END,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE kv_locks.expires_at <= $5 OR kv_locks.token = excluded.token
	`, key, token, count, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ReleaseLock(ctx context.Context, key, token string) error {
	now := millis(p.now())
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE kv_locks SET count = count - 1 WHERE key = $1 AND token = $2 AND expires_at > $3`,
			key, token, now); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM kv_locks WHERE key = $1 AND (count <= 0 OR expires_at <= $2)`,
			key, now); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	})
}

func (p *Postgres) LockHeld(ctx context.Context, key string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM kv_locks WHERE key = $1 AND count > 0 AND expires_at > $2`,
		key, millis(p.now())).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return true, nil
}

func (p *Postgres) ClearLock(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_locks WHERE key = $1`, key); err != nil {
		return fmt.Errorf("clear lock %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) GetValues(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM kv_values WHERE key = ANY($1) AND expires_at > $2`,
		keys, millis(p.now()))
	if err != nil {
		return nil, fmt.Errorf("get values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("get values: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Postgres) SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	exp := millis(p.now().Add(ttl))
	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(`
			INSERT INTO kv_values (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		`, k, v, exp)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("set values: %w", err)
	}
	return nil
}

func (p *Postgres) TouchValues(ctx context.Context, keys []string, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	now := p.now()
	_, err := p.pool.Exec(ctx,
		`UPDATE kv_values SET expires_at = $1 WHERE key = ANY($2) AND expires_at > $3`,
		millis(now.Add(ttl)), keys, millis(now))
	if err != nil {
		return fmt.Errorf("touch values: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteValues(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_values WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete values: %w", err)
	}
	return nil
}
