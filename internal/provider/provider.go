// Package provider defines the contract this service consumes from the
// calendar aggregation Provider. The HTTP client that implements it is
// owned elsewhere; only its semantics matter here.
package provider

import (
	"context"
	"errors"
	"time"

	"calsync/internal/model"
)

var (
	// ErrNotFound is returned for unknown or already-deleted resources.
	ErrNotFound = errors.New("provider: not found")

	// ErrConflict is returned when a create collides with an existing
	// resource, e.g. a virtual account or calendar left by a prior run.
	ErrConflict = errors.New("provider: conflict")
)

// Metadata keys used to carry local-only concepts through the Provider.
const (
	MetaCheckinAt  = "checkin_at"
	MetaCheckoutAt = "checkout_at"
	MetaReference  = "calsync_ref"
)

// Event is a Provider event as returned by get/list.
type Event struct {
	ID          string
	CalendarID  string
	ICalUID     string
	Title       string
	Description string
	Location    string
	When        model.When

	// Recurrence holds RRULE/EXDATE lines on masters only; Timezone is the
	// series zone.
	Recurrence []string
	Timezone   string

	// Instances carry their master id and the slot they occupy. Override is
	// set once an instance deviates from the schedule and gains its own id.
	MasterEventID string
	OriginalStart time.Time
	Override      bool

	Status       string
	Busy         bool
	ReadOnly     bool
	Owner        string
	Participants []model.Participant
	Metadata     map[string]string
	UpdatedAt    time.Time
}

func (e *Event) IsMaster() bool {
	return len(e.Recurrence) > 0 && e.MasterEventID == ""
}

func (e *Event) IsInstance() bool {
	return e.MasterEventID != ""
}

func (e *Event) Cancelled() bool {
	return e.Status == string(model.StatusCancelled)
}

// Calendar is a Provider calendar.
type Calendar struct {
	ID          string
	AccountID   string
	Name        string
	Description string
	Timezone    string
	ReadOnly    bool
	Metadata    map[string]string
}

// Account is a Provider account.
type Account struct {
	ID        string
	Email     string
	SyncState string
	Virtual   bool
}

// EventQuery filters a list call. Start bounds apply to event start,
// StartsFrom inclusive and StartsBefore exclusive; zero values are open.
type EventQuery struct {
	CalendarID      string
	EventIDs        []string
	StartsFrom      time.Time
	StartsBefore    time.Time
	ExpandRecurring bool
}

// Client is scoped per Provider account id; authentication is the
// implementation's concern.
type Client interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	DeleteAccount(ctx context.Context, accountID string) error
	CreateVirtualAccount(ctx context.Context, email string) (*Account, error)
	FindVirtualAccount(ctx context.Context, email string) (*Account, error)

	ListCalendars(ctx context.Context, accountID string) ([]Calendar, error)
	GetCalendar(ctx context.Context, accountID, calendarID string) (*Calendar, error)
	CreateCalendar(ctx context.Context, accountID string, cal Calendar) (*Calendar, error)
	UpdateCalendar(ctx context.Context, accountID string, cal Calendar) (*Calendar, error)

	GetEvent(ctx context.Context, accountID, eventID string) (*Event, error)
	ListEvents(ctx context.Context, accountID string, q EventQuery) ([]Event, error)
	CreateEvent(ctx context.Context, accountID string, ev Event) (*Event, error)
	UpdateEvent(ctx context.Context, accountID string, ev Event) (*Event, error)
	DeleteEvent(ctx context.Context, accountID, eventID string) error
}
