// Package notify is the fire-and-forget change notification boundary.
package notify

import (
	"context"
	"strings"
	"sync"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Deletion describes removed events. All ids belong to one calendar.
type Deletion struct {
	TenantID   string
	CalendarID string
	EventIDs   []string
	Source     model.DataSource
}

// Publisher announces local event changes. Implementations must not block
// callers on delivery.
type Publisher interface {
	Created(ctx context.Context, tenantID string, eventIDs ...string)
	Updated(ctx context.Context, tenantID string, eventIDs ...string)
	Deleted(ctx context.Context, d Deletion)
}

// LogPublisher writes notifications to the application log.
type LogPublisher struct{}

func (LogPublisher) Created(_ context.Context, tenantID string, ids ...string) {
	if len(ids) > 0 {
		appLog.Info("events created", "tenant_id", tenantID, "ids", strings.Join(ids, ","))
	}
}

func (LogPublisher) Updated(_ context.Context, tenantID string, ids ...string) {
	if len(ids) > 0 {
		appLog.Info("events updated", "tenant_id", tenantID, "ids", strings.Join(ids, ","))
	}
}

func (LogPublisher) Deleted(_ context.Context, d Deletion) {
	if len(d.EventIDs) > 0 {
		appLog.Info("events deleted", "tenant_id", d.TenantID, "calendar_id", d.CalendarID,
			"source", d.Source, "ids", strings.Join(d.EventIDs, ","))
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu       sync.Mutex
	created  [][]string
	updated  [][]string
	deletion []Deletion
}

func (r *Recorder) Created(_ context.Context, _ string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, append([]string(nil), ids...))
}

func (r *Recorder) Updated(_ context.Context, _ string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, append([]string(nil), ids...))
}

func (r *Recorder) Deleted(_ context.Context, d Deletion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.EventIDs = append([]string(nil), d.EventIDs...)
	r.deletion = append(r.deletion, d)
}

// CreatedCalls returns one entry per Created call.
func (r *Recorder) CreatedCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.created...)
}

func (r *Recorder) UpdatedCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.updated...)
}

func (r *Recorder) DeletedCalls() []Deletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Deletion(nil), r.deletion...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created, r.updated, r.deletion = nil, nil, nil
}
