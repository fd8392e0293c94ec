package store

import (
	"context"
	"fmt"
	"strings"

	"calsync/internal/model"
)

var accountColumns = []string{
	"id", "tenant_id", "external_id", "email", "is_virtual", "sync_state",
	"credential", "credential_key_id", "created_at", "updated_at",
}

var selectAccounts = "SELECT " + strings.Join(accountColumns, ", ") + " FROM accounts "

// AccountRepo implements Accounts.
type AccountRepo struct {
	db *DB
}

var _ Accounts = (*AccountRepo)(nil)

func (r *AccountRepo) Get(ctx context.Context, tenantID, id string) (*model.Account, error) {
	a, err := scanAccount(r.db.conn.QueryRowContext(ctx,
		selectAccounts+"WHERE tenant_id = ? AND id = ?", tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *AccountRepo) GetVirtual(ctx context.Context, tenantID string) (*model.Account, error) {
	a, err := scanAccount(r.db.conn.QueryRowContext(ctx,
		selectAccounts+"WHERE tenant_id = ? AND is_virtual = 1 ORDER BY created_at LIMIT 1", tenantID))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *AccountRepo) List(ctx context.Context, tenantID string) ([]*model.Account, error) {
	return r.query(ctx, "WHERE tenant_id = ? ORDER BY id", tenantID)
}

func (r *AccountRepo) ListAll(ctx context.Context) ([]*model.Account, error) {
	return r.query(ctx, "ORDER BY tenant_id, id")
}

func (r *AccountRepo) Insert(ctx context.Context, a *model.Account) error {
	now := r.db.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := r.db.conn.ExecContext(ctx,
		"INSERT INTO accounts ("+strings.Join(accountColumns, ", ")+") VALUES ("+placeholders(len(accountColumns))+")",
		a.ID, a.TenantID, a.ExternalID, a.Email, boolInt(a.Virtual), string(a.SyncState),
		a.Credential, a.CredentialKeyID, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return nil
}

func (r *AccountRepo) Update(ctx context.Context, a *model.Account) error {
	a.UpdatedAt = r.db.now().UTC()
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE accounts SET external_id = ?, email = ?, is_virtual = ?, sync_state = ?,
			credential = ?, credential_key_id = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		a.ExternalID, a.Email, boolInt(a.Virtual), string(a.SyncState),
		a.Credential, a.CredentialKeyID, fmtTime(a.UpdatedAt),
		a.TenantID, a.ID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.conn.ExecContext(ctx, `DELETE FROM accounts WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) query(ctx context.Context, where string, args ...any) ([]*model.Account, error) {
	rows, err := r.db.conn.QueryContext(ctx, selectAccounts+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                model.Account
		virtual          int
		state            string
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.ExternalID, &a.Email, &virtual, &state,
		&a.Credential, &a.CredentialKeyID, &created, &updated); err != nil {
		return nil, err
	}
	a.Virtual = virtual != 0
	a.SyncState = model.SyncState(state)
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}
