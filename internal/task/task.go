// Package task defines the parameter sets of every sync task and the
// scheduling boundary they cross. Delivery is at-least-once; handlers are
// responsible for idempotency.
package task

import (
	"context"
	"errors"
)

// Kind names a task type.
type Kind string

const (
	KindImportEvent            Kind = "import_event"
	KindExportEvent            Kind = "export_event"
	KindDeleteProviderEvent    Kind = "delete_provider_event"
	KindHandleEventDeleted     Kind = "handle_event_deleted"
	KindHandleCalendarDeleted  Kind = "handle_calendar_deleted"
	KindImportCalendar         Kind = "import_calendar"
	KindSyncAccount            Kind = "sync_account"
	KindSyncCalendar           Kind = "sync_calendar"
	KindExportVirtualCalendars Kind = "export_virtual_calendars"
	KindExportVirtualCalendar  Kind = "export_virtual_calendar"
	KindRefreshSyncState       Kind = "refresh_sync_state"
	KindRotateCredentials      Kind = "rotate_credentials"
	KindDisconnectAccount      Kind = "disconnect_account"
)

// Task is one schedulable unit of work.
type Task interface {
	Kind() Kind
}

// ImportEvent pulls one Provider event into the local store.
type ImportEvent struct {
	TenantID        string
	AccountID       string
	ExternalEventID string
}

// ExportEvent pushes one local event to the Provider.
type ExportEvent struct {
	TenantID string
	EventID  string
}

// DeleteProviderEvent removes a Provider event after a local delete.
type DeleteProviderEvent struct {
	TenantID        string
	AccountID       string
	ExternalEventID string
}

// HandleEventDeleted mirrors a Provider-side event deletion.
type HandleEventDeleted struct {
	TenantID        string
	AccountID       string
	ExternalEventID string
}

// HandleCalendarDeleted mirrors a Provider-side calendar deletion.
type HandleCalendarDeleted struct {
	TenantID           string
	AccountID          string
	ExternalCalendarID string
}

// ImportCalendar upserts one Provider calendar locally.
type ImportCalendar struct {
	TenantID           string
	AccountID          string
	ExternalCalendarID string
}

// SyncAccount resyncs every calendar of an account.
type SyncAccount struct {
	TenantID  string
	AccountID string
}

// SyncCalendar runs a two-way sync of one calendar. LockToken is set when
// the task was fanned out under an account lock it must release.
type SyncCalendar struct {
	TenantID   string
	CalendarID string
	LockToken  string
}

// ExportVirtualCalendars fans out one ExportVirtualCalendar per virtual
// calendar of the tenant.
type ExportVirtualCalendars struct {
	TenantID string
}

type ExportVirtualCalendar struct {
	TenantID   string
	CalendarID string
}

type RefreshSyncState struct {
	TenantID  string
	AccountID string
}

// RotateCredentials re-seals the tenant's stored credentials under the
// current key.
type RotateCredentials struct {
	TenantID string
}

type DisconnectAccount struct {
	TenantID  string
	AccountID string
}

func (ImportEvent) Kind() Kind            { return KindImportEvent }
func (ExportEvent) Kind() Kind            { return KindExportEvent }
func (DeleteProviderEvent) Kind() Kind    { return KindDeleteProviderEvent }
func (HandleEventDeleted) Kind() Kind     { return KindHandleEventDeleted }
func (HandleCalendarDeleted) Kind() Kind  { return KindHandleCalendarDeleted }
func (ImportCalendar) Kind() Kind         { return KindImportCalendar }
func (SyncAccount) Kind() Kind            { return KindSyncAccount }
func (SyncCalendar) Kind() Kind           { return KindSyncCalendar }
func (ExportVirtualCalendars) Kind() Kind { return KindExportVirtualCalendars }
func (ExportVirtualCalendar) Kind() Kind  { return KindExportVirtualCalendar }
func (RefreshSyncState) Kind() Kind       { return KindRefreshSyncState }
func (RotateCredentials) Kind() Kind      { return KindRotateCredentials }
func (DisconnectAccount) Kind() Kind      { return KindDisconnectAccount }

// Scheduler accepts tasks for eventual at-least-once execution.
type Scheduler interface {
	Schedule(ctx context.Context, t Task) error
}

// Handler executes tasks.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// ErrUnknownTask is returned by handlers for task types they do not run.
var ErrUnknownTask = errors.New("unknown task")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked
// Permanent or is ErrUnknownTask.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, ErrUnknownTask)
}
