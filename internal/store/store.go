// Package store holds the repository contracts the sync core consumes and
// a SQLite implementation of them. Every lookup is scoped by tenant.
package store

import (
	"context"

	"calsync/internal/model"
)

// DefaultPageSize bounds cursor-paginated listings.
const DefaultPageSize = 500

// BatchUpdate pairs a local event id with its pending update.
type BatchUpdate struct {
	ID     string
	Update *model.EventUpdate
}

// Events is the event repository. Missing rows yield model.ErrNotFound.
type Events interface {
	Get(ctx context.Context, tenantID, id string) (*model.Event, error)
	GetByExternalID(ctx context.Context, tenantID, externalID string) (*model.Event, error)
	// GetManyByExternalID returns the matches keyed by external id.
	GetManyByExternalID(ctx context.Context, tenantID string, externalIDs []string) (map[string]*model.Event, error)

	// ListByCalendar returns up to limit events ordered by id, starting
	// after cursor. The returned cursor is empty on the last page.
	ListByCalendar(ctx context.Context, tenantID, calendarID, cursor string, limit int) ([]*model.Event, string, error)
	ListInstances(ctx context.Context, tenantID, masterID string) ([]*model.Event, error)

	Insert(ctx context.Context, ev *model.Event) error
	InsertBatch(ctx context.Context, evs []*model.Event) error

	// Update writes only the touched fields and returns the stored result.
	Update(ctx context.Context, tenantID, id string, upd *model.EventUpdate) (*model.Event, error)
	UpdateBatch(ctx context.Context, tenantID string, upds []BatchUpdate) ([]*model.Event, error)

	// SetExternalID writes the Provider id, and the override flag when
	// non-nil, as one targeted statement.
	SetExternalID(ctx context.Context, tenantID, id, externalID string, override *bool) error

	Delete(ctx context.Context, tenantID, id string) error
	// DeleteBatch removes ids in one transaction and reports how many
	// rows existed.
	DeleteBatch(ctx context.Context, tenantID string, ids []string) (int, error)
}

// Calendars is the calendar repository.
type Calendars interface {
	Get(ctx context.Context, tenantID, id string) (*model.Calendar, error)
	GetByExternalID(ctx context.Context, tenantID, externalID string) (*model.Calendar, error)
	ListByAccount(ctx context.Context, tenantID, accountID string) ([]*model.Calendar, error)
	ListVirtual(ctx context.Context, tenantID string) ([]*model.Calendar, error)
	Insert(ctx context.Context, cal *model.Calendar) error
	Update(ctx context.Context, cal *model.Calendar) error
	// Delete removes the calendar and its events in one transaction and
	// returns the removed events.
	Delete(ctx context.Context, tenantID, id string) ([]*model.Event, error)
}

// Accounts is the account repository.
type Accounts interface {
	Get(ctx context.Context, tenantID, id string) (*model.Account, error)
	GetVirtual(ctx context.Context, tenantID string) (*model.Account, error)
	List(ctx context.Context, tenantID string) ([]*model.Account, error)
	// ListAll spans tenants; pollers use it.
	ListAll(ctx context.Context) ([]*model.Account, error)
	Insert(ctx context.Context, acct *model.Account) error
	Update(ctx context.Context, acct *model.Account) error
	Delete(ctx context.Context, tenantID, id string) error
}

// AllEvents drains every page of a calendar's events.
func AllEvents(ctx context.Context, repo Events, tenantID, calendarID string) ([]*model.Event, error) {
	var (
		out    []*model.Event
		cursor string
	)
	for {
		page, next, err := repo.ListByCalendar(ctx, tenantID, calendarID, cursor, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// DeleteCascade removes ev and, when it is a master, every local instance
// of it in one transaction. It returns the removed events, master first.
// Instances are collected before the delete so callers can notify and
// clean up by id.
func DeleteCascade(ctx context.Context, repo Events, ev *model.Event) ([]*model.Event, error) {
	removed := []*model.Event{ev}
	if ev.IsMaster() {
		instances, err := repo.ListInstances(ctx, ev.TenantID, ev.ID)
		if err != nil {
			return nil, err
		}
		removed = append(removed, instances...)
	}
	if _, err := repo.DeleteBatch(ctx, ev.TenantID, IDs(removed)); err != nil {
		return nil, err
	}
	return removed, nil
}

// IDs lists the local ids of evs.
func IDs(evs []*model.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

// ExternalIDs lists the non-empty Provider ids of evs.
func ExternalIDs(evs []*model.Event) []string {
	var out []string
	for _, e := range evs {
		if e.ExternalID != "" {
			out = append(out, e.ExternalID)
		}
	}
	return out
}
