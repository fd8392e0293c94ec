package kv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_locks (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	count      INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_values (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kv_values_expires ON kv_values(expires_at);
`

// SQLite is a single-node Store.
type SQLite struct {
	db    *sql.DB
	owned bool
	now   Clock
}

// OpenSQLite opens (creating if needed) a SQLite database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping kv database: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite wraps an existing handle, creating the kv tables if missing.
// The caller keeps ownership of db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize kv schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// WithClock replaces the time source.
func (s *SQLite) WithClock(c Clock) *SQLite {
	s.now = c
	return s
}

func (s *SQLite) Close() error {
	if !s.owned || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) AcquireLock(ctx context.Context, key, token string, count int, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_locks (key, token, count, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN kv_locks.expires_at <= ? THEN excluded.count
			             ELSE kv_locks.count + excluded.count END,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE kv_locks.expires_at <= ? OR kv_locks.token = excluded.token
	`, key, token, count, millis(now.Add(ttl)), millis(now), millis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLite) ReleaseLock(ctx context.Context, key, token string) error {
	now := millis(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_locks SET count = count - 1 WHERE key = ? AND token = ? AND expires_at > ?`,
		key, token, now); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_locks WHERE key = ? AND (count <= 0 OR expires_at <= ?)`,
		key, now); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLite) LockHeld(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv_locks WHERE key = ? AND count > 0 AND expires_at > ?`,
		key, millis(s.now())).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLite) ClearLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_locks WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear lock %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetValues(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	now := millis(s.now())
	err := chunked(keys, func(chunk []string) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT key, value FROM kv_values WHERE expires_at > ? AND key IN (`+placeholders(len(chunk))+`)`,
			keyArgs(chunk, now)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get values: %w", err)
	}
	return out, nil
}

func (s *SQLite) SetValues(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	exp := millis(s.now().Add(ttl))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set values: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kv_values (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`)
	if err != nil {
		return fmt.Errorf("set values: %w", err)
	}
	defer stmt.Close()
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v, exp); err != nil {
			return fmt.Errorf("set value %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) TouchValues(ctx context.Context, keys []string, ttl time.Duration) error {
	now := s.now()
	err := chunked(keys, func(chunk []string) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE kv_values SET expires_at = ? WHERE expires_at > ? AND key IN (`+placeholders(len(chunk))+`)`,
			keyArgs(chunk, millis(now.Add(ttl)), millis(now))...)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch values: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteValues(ctx context.Context, keys []string) error {
	err := chunked(keys, func(chunk []string) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_values WHERE key IN (`+placeholders(len(chunk))+`)`, keyArgs(chunk)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete values: %w", err)
	}
	return nil
}

// maxKeysPerQuery keeps IN lists under the SQLite variable limit.
const maxKeysPerQuery = 500

func chunked(keys []string, fn func([]string) error) error {
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		if err := fn(keys[start:min(start+maxKeysPerQuery, len(keys))]); err != nil {
			return err
		}
	}
	return nil
}

// keyArgs appends keys after the leading query arguments.
func keyArgs(keys []string, lead ...any) []any {
	args := make([]any, 0, len(lead)+len(keys))
	args = append(args, lead...)
	for _, k := range keys {
		args = append(args, k)
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
