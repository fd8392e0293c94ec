package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"calsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	external_id       TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	is_virtual        INTEGER NOT NULL DEFAULT 0,
	sync_state        TEXT NOT NULL DEFAULT '',
	credential        BLOB,
	credential_key_id TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_tenant ON accounts(tenant_id);

CREATE TABLE IF NOT EXISTS calendars (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	timezone    TEXT NOT NULL DEFAULT '',
	read_only   INTEGER NOT NULL DEFAULT 0,
	is_virtual  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendars_account ON calendars(tenant_id, account_id);
CREATE INDEX IF NOT EXISTS idx_calendars_external ON calendars(tenant_id, external_id);

CREATE TABLE IF NOT EXISTS events (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	calendar_id        TEXT NOT NULL,
	external_id        TEXT NOT NULL DEFAULT '',
	ical_uid           TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	location           TEXT NOT NULL DEFAULT '',
	when_kind          TEXT NOT NULL,
	when_start         TEXT NOT NULL,
	when_end           TEXT NOT NULL DEFAULT '',
	eff_zone           TEXT NOT NULL DEFAULT '',
	eff_start          INTEGER NOT NULL DEFAULT 0,
	eff_end            INTEGER NOT NULL DEFAULT 0,
	start_utc          INTEGER NOT NULL,
	end_utc            INTEGER NOT NULL,
	rec_kind           TEXT NOT NULL DEFAULT 'none',
	rrule              TEXT NOT NULL DEFAULT '',
	exdate             TEXT NOT NULL DEFAULT '',
	rec_timezone       TEXT NOT NULL DEFAULT '',
	master_id          TEXT NOT NULL DEFAULT '',
	master_external_id TEXT NOT NULL DEFAULT '',
	original_start     TEXT NOT NULL DEFAULT '',
	override           INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT '',
	busy               INTEGER NOT NULL DEFAULT 0,
	read_only          INTEGER NOT NULL DEFAULT 0,
	checkin_at         TEXT NOT NULL DEFAULT '',
	checkout_at        TEXT NOT NULL DEFAULT '',
	owner              TEXT NOT NULL DEFAULT '',
	participants       TEXT NOT NULL DEFAULT '[]',
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	created_source     TEXT NOT NULL DEFAULT '',
	updated_source     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_calendar ON events(tenant_id, calendar_id, id);
CREATE INDEX IF NOT EXISTS idx_events_external ON events(tenant_id, external_id);
CREATE INDEX IF NOT EXISTS idx_events_master ON events(tenant_id, master_id);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(tenant_id, calendar_id, start_utc);
`

// DB is the SQLite-backed local store.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open creates or opens the database file at path in WAL mode.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Raw exposes the handle so the kv tables can share the file.
func (db *DB) Raw() *sql.DB { return db.conn }

// WithClock replaces the time source used for audit columns.
func (db *DB) WithClock(now func() time.Time) *DB {
	db.now = now
	return db
}

func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) Events() *EventRepo       { return &EventRepo{db: db} }
func (db *DB) Calendars() *CalendarRepo { return &CalendarRepo{db: db} }
func (db *DB) Accounts() *AccountRepo   { return &AccountRepo{db: db} }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}
