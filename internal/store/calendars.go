package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"calsync/internal/model"
)

var calendarColumns = []string{
	"id", "tenant_id", "account_id", "external_id", "name", "description",
	"timezone", "read_only", "is_virtual", "created_at", "updated_at",
}

var selectCalendars = "SELECT " + strings.Join(calendarColumns, ", ") + " FROM calendars "

// CalendarRepo implements Calendars.
type CalendarRepo struct {
	db *DB
}

var _ Calendars = (*CalendarRepo)(nil)

func (r *CalendarRepo) Get(ctx context.Context, tenantID, id string) (*model.Calendar, error) {
	c, err := scanCalendar(r.db.conn.QueryRowContext(ctx,
		selectCalendars+"WHERE tenant_id = ? AND id = ?", tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *CalendarRepo) GetByExternalID(ctx context.Context, tenantID, externalID string) (*model.Calendar, error) {
	if externalID == "" {
		return nil, model.ErrNotFound
	}
	c, err := scanCalendar(r.db.conn.QueryRowContext(ctx,
		selectCalendars+"WHERE tenant_id = ? AND external_id = ? LIMIT 1", tenantID, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *CalendarRepo) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*model.Calendar, error) {
	return r.query(ctx, "WHERE tenant_id = ? AND account_id = ? ORDER BY id", tenantID, accountID)
}

func (r *CalendarRepo) ListVirtual(ctx context.Context, tenantID string) ([]*model.Calendar, error) {
	return r.query(ctx, "WHERE tenant_id = ? AND is_virtual = 1 ORDER BY id", tenantID)
}

func (r *CalendarRepo) Insert(ctx context.Context, c *model.Calendar) error {
	now := r.db.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := r.db.conn.ExecContext(ctx,
		"INSERT INTO calendars ("+strings.Join(calendarColumns, ", ")+") VALUES ("+placeholders(len(calendarColumns))+")",
		c.ID, c.TenantID, c.AccountID, c.ExternalID, c.Name, c.Description,
		c.Timezone, boolInt(c.ReadOnly), boolInt(c.Virtual), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert calendar %s: %w", c.ID, err)
	}
	return nil
}

func (r *CalendarRepo) Update(ctx context.Context, c *model.Calendar) error {
	c.UpdatedAt = r.db.now().UTC()
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE calendars SET account_id = ?, external_id = ?, name = ?, description = ?,
			timezone = ?, read_only = ?, is_virtual = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		c.AccountID, c.ExternalID, c.Name, c.Description,
		c.Timezone, boolInt(c.ReadOnly), boolInt(c.Virtual), fmtTime(c.UpdatedAt),
		c.TenantID, c.ID)
	if err != nil {
		return fmt.Errorf("update calendar %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *CalendarRepo) Delete(ctx context.Context, tenantID, id string) ([]*model.Event, error) {
	var removed []*model.Event
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = queryEvents(ctx, tx, "WHERE tenant_id = ? AND calendar_id = ?", tenantID, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE tenant_id = ? AND calendar_id = ?`, tenantID, id); err != nil {
			return fmt.Errorf("delete events of calendar %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE tenant_id = ? AND id = ?`, tenantID, id)
		if err != nil {
			return fmt.Errorf("delete calendar %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *CalendarRepo) query(ctx context.Context, where string, args ...any) ([]*model.Calendar, error) {
	rows, err := r.db.conn.QueryContext(ctx, selectCalendars+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendars: %w", err)
	}
	defer rows.Close()
	var out []*model.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCalendar(row rowScanner) (*model.Calendar, error) {
	var (
		c                 model.Calendar
		readOnly, virtual int
		created, updated  string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.AccountID, &c.ExternalID, &c.Name, &c.Description,
		&c.Timezone, &readOnly, &virtual, &created, &updated); err != nil {
		return nil, err
	}
	c.ReadOnly = readOnly != 0
	c.Virtual = virtual != 0
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}
