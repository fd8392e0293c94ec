package model

import (
	"maps"
	"slices"
	"time"
)

// Status is the Provider-compatible event status.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
)

// DataSource tags who performed a mutation.
type DataSource string

const (
	SourceClient   DataSource = "client"
	SourceProvider DataSource = "provider"
	SourceSystem   DataSource = "system"
)

// Participant is one attendee. Order is significant.
type Participant struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// Event is the locally owned copy of a calendar event.
type Event struct {
	ID         string
	TenantID   string
	CalendarID string
	ExternalID string // Provider event id, empty until exported
	ICalUID    string

	Title       string
	Description string
	Location    string

	When       When
	Recurrence Recurrence

	Status   Status
	Busy     bool
	ReadOnly bool

	CheckinAt  *time.Time
	CheckoutAt *time.Time

	Owner        string
	Participants []Participant

	// Metadata is local-only and never exported.
	Metadata map[string]string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	CreatedSource DataSource
	UpdatedSource DataSource
}

func (e *Event) IsMaster() bool {
	return KindOf(e.Recurrence) == RecurrenceMaster
}

func (e *Event) IsInstance() bool {
	return KindOf(e.Recurrence) == RecurrenceInstance
}

// IsOverride reports whether e is an instance deviating from its series.
func (e *Event) IsOverride() bool {
	in, ok := e.Recurrence.(Instance)
	return ok && in.Override
}

// MasterID returns the local master id of an instance, or "".
func (e *Event) MasterID() string {
	if in, ok := e.Recurrence.(Instance); ok {
		return in.MasterID
	}
	return ""
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Participants = slices.Clone(e.Participants)
	c.Metadata = maps.Clone(e.Metadata)
	if e.CheckinAt != nil {
		t := *e.CheckinAt
		c.CheckinAt = &t
	}
	if e.CheckoutAt != nil {
		t := *e.CheckoutAt
		c.CheckoutAt = &t
	}
	return &c
}

// Validate checks the event's shape. It does not apply window or
// alignment rules; those belong to the caller that knows "now".
func (e *Event) Validate() error {
	if e.TenantID == "" {
		return Invalid("tenant_id", "is required")
	}
	if e.CalendarID == "" {
		return Invalid("calendar_id", "is required")
	}
	if err := ValidateWhen(e.When); err != nil {
		return err
	}
	switch e.Status {
	case "", StatusConfirmed, StatusTentative, StatusCancelled:
	default:
		return Invalid("status", "unknown status %q", e.Status)
	}
	switch r := e.Recurrence.(type) {
	case Master:
		allDay := e.When.AllDay()
		if _, err := NewMaster(r.Lines(), r.Timezone, &allDay); err != nil {
			return err
		}
	case Instance:
		if r.MasterID == "" {
			return Invalid("recurrence", "instance requires a master")
		}
	}
	for i, p := range e.Participants {
		if p.Email == "" {
			return Invalid("participants", "participant %d has no email", i)
		}
	}
	return nil
}

// MinuteAligned reports whether the event starts on a whole minute.
// All-day values are always aligned.
func (e *Event) MinuteAligned() bool {
	ts, ok := e.When.(TimeSpan)
	if !ok {
		return true
	}
	return ts.Start.Truncate(time.Minute).Equal(ts.Start)
}

// Calendar is a local calendar, either mirrored from the Provider or
// locally managed (Virtual) and pushed to it.
type Calendar struct {
	ID          string
	TenantID    string
	AccountID   string
	ExternalID  string
	Name        string
	Description string
	Timezone    string
	ReadOnly    bool
	Virtual     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Writable reports whether tenant may write events into c.
func (c *Calendar) Writable(tenantID string) bool {
	return c.TenantID == tenantID && !c.ReadOnly
}

// Location resolves the calendar timezone, defaulting to UTC.
func (c *Calendar) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// SyncState mirrors the Provider's view of an account.
type SyncState string

const (
	SyncStateRunning      SyncState = "running"
	SyncStatePartial      SyncState = "partial"
	SyncStateStopped      SyncState = "stopped"
	SyncStateInvalid      SyncState = "invalid"
	SyncStateDisconnected SyncState = "disconnected"
)

// Account is a tenant's connection to a Provider account.
type Account struct {
	ID              string
	TenantID        string
	ExternalID      string
	Email           string
	Virtual         bool
	SyncState       SyncState
	Credential      []byte
	CredentialKeyID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
