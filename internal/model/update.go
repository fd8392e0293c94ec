package model

import (
	"maps"
	"slices"
	"time"
)

// Field names one mutable event attribute.
type Field string

const (
	FieldExternalID   Field = "external_id"
	FieldICalUID      Field = "ical_uid"
	FieldTitle        Field = "title"
	FieldDescription  Field = "description"
	FieldLocation     Field = "location"
	FieldWhen         Field = "when"
	FieldRecurrence   Field = "recurrence"
	FieldStatus       Field = "status"
	FieldBusy         Field = "busy"
	FieldReadOnly     Field = "read_only"
	FieldCheckinAt    Field = "checkin_at"
	FieldCheckoutAt   Field = "checkout_at"
	FieldOwner        Field = "owner"
	FieldParticipants Field = "participants"
	FieldMetadata     Field = "metadata"
)

// AllFields lists every Field in a stable order.
var AllFields = []Field{
	FieldExternalID, FieldICalUID, FieldTitle, FieldDescription, FieldLocation,
	FieldWhen, FieldRecurrence, FieldStatus, FieldBusy, FieldReadOnly,
	FieldCheckinAt, FieldCheckoutAt, FieldOwner, FieldParticipants, FieldMetadata,
}

// ProviderFields are the fields a Provider payload carries. Local-only
// fields (metadata, read-only flag decided locally) are excluded.
var ProviderFields = []Field{
	FieldExternalID, FieldICalUID, FieldTitle, FieldDescription, FieldLocation,
	FieldWhen, FieldRecurrence, FieldStatus, FieldBusy, FieldReadOnly,
	FieldCheckinAt, FieldCheckoutAt, FieldOwner, FieldParticipants,
}

// ExportFields are pushed to the Provider on export.
var ExportFields = []Field{
	FieldTitle, FieldDescription, FieldLocation, FieldWhen, FieldRecurrence,
	FieldStatus, FieldBusy, FieldCheckinAt, FieldCheckoutAt, FieldParticipants,
}

// EventUpdate is a set of candidate values plus the fields explicitly
// touched. Untouched candidate values are ignored.
type EventUpdate struct {
	values  Event
	touched map[Field]bool
	source  DataSource
}

// NewEventUpdate starts an empty update attributed to source.
func NewEventUpdate(source DataSource) *EventUpdate {
	return &EventUpdate{touched: make(map[Field]bool), source: source}
}

// UpdateFrom copies fields from src into a new update.
func UpdateFrom(src *Event, source DataSource, fields ...Field) *EventUpdate {
	u := NewEventUpdate(source)
	for _, f := range fields {
		copyField(f, &u.values, src)
		u.touched[f] = true
	}
	return u
}

func (u *EventUpdate) Source() DataSource { return u.source }

func (u *EventUpdate) touch(f Field) *EventUpdate {
	u.touched[f] = true
	return u
}

func (u *EventUpdate) SetExternalID(v string) *EventUpdate {
	u.values.ExternalID = v
	return u.touch(FieldExternalID)
}

func (u *EventUpdate) SetICalUID(v string) *EventUpdate {
	u.values.ICalUID = v
	return u.touch(FieldICalUID)
}

func (u *EventUpdate) SetTitle(v string) *EventUpdate {
	u.values.Title = v
	return u.touch(FieldTitle)
}

func (u *EventUpdate) SetDescription(v string) *EventUpdate {
	u.values.Description = v
	return u.touch(FieldDescription)
}

func (u *EventUpdate) SetLocation(v string) *EventUpdate {
	u.values.Location = v
	return u.touch(FieldLocation)
}

func (u *EventUpdate) SetWhen(v When) *EventUpdate {
	u.values.When = v
	return u.touch(FieldWhen)
}

func (u *EventUpdate) SetRecurrence(v Recurrence) *EventUpdate {
	u.values.Recurrence = v
	return u.touch(FieldRecurrence)
}

func (u *EventUpdate) SetStatus(v Status) *EventUpdate {
	u.values.Status = v
	return u.touch(FieldStatus)
}

func (u *EventUpdate) SetBusy(v bool) *EventUpdate {
	u.values.Busy = v
	return u.touch(FieldBusy)
}

func (u *EventUpdate) SetReadOnly(v bool) *EventUpdate {
	u.values.ReadOnly = v
	return u.touch(FieldReadOnly)
}

func (u *EventUpdate) SetCheckinAt(v *time.Time) *EventUpdate {
	u.values.CheckinAt = v
	return u.touch(FieldCheckinAt)
}

func (u *EventUpdate) SetCheckoutAt(v *time.Time) *EventUpdate {
	u.values.CheckoutAt = v
	return u.touch(FieldCheckoutAt)
}

func (u *EventUpdate) SetOwner(v string) *EventUpdate {
	u.values.Owner = v
	return u.touch(FieldOwner)
}

func (u *EventUpdate) SetParticipants(v []Participant) *EventUpdate {
	u.values.Participants = slices.Clone(v)
	return u.touch(FieldParticipants)
}

func (u *EventUpdate) SetMetadata(v map[string]string) *EventUpdate {
	u.values.Metadata = maps.Clone(v)
	return u.touch(FieldMetadata)
}

// Has reports whether f was touched.
func (u *EventUpdate) Has(f Field) bool {
	return u != nil && u.touched[f]
}

// Empty reports whether no field is touched.
func (u *EventUpdate) Empty() bool {
	return u == nil || len(u.touched) == 0
}

// Fields returns the touched fields in AllFields order.
func (u *EventUpdate) Fields() []Field {
	if u == nil {
		return nil
	}
	out := make([]Field, 0, len(u.touched))
	for _, f := range AllFields {
		if u.touched[f] {
			out = append(out, f)
		}
	}
	return out
}

// Candidate returns a copy of the candidate values. Only touched fields
// are meaningful.
func (u *EventUpdate) Candidate() *Event {
	return u.values.Clone()
}

// Without returns a copy with the given fields untouched.
func (u *EventUpdate) Without(fields ...Field) *EventUpdate {
	c := u.clone()
	for _, f := range fields {
		delete(c.touched, f)
	}
	return c
}

// Only returns a copy restricted to the given fields.
func (u *EventUpdate) Only(fields ...Field) *EventUpdate {
	c := NewEventUpdate(u.source)
	c.values = *u.values.Clone()
	for _, f := range fields {
		if u.touched[f] {
			c.touched[f] = true
		}
	}
	return c
}

// Narrow drops every touched field whose candidate equals current.
func (u *EventUpdate) Narrow(current *Event) *EventUpdate {
	c := u.clone()
	for f := range u.touched {
		if FieldEqual(f, &u.values, current) {
			delete(c.touched, f)
		}
	}
	return c
}

// ApplyTo writes the touched fields into e.
func (u *EventUpdate) ApplyTo(e *Event) {
	for f := range u.touched {
		copyField(f, e, &u.values)
	}
}

func (u *EventUpdate) clone() *EventUpdate {
	return &EventUpdate{
		values:  *u.values.Clone(),
		touched: maps.Clone(u.touched),
		source:  u.source,
	}
}

// Diff builds the update that turns current into target over fields.
func Diff(current, target *Event, source DataSource, fields ...Field) *EventUpdate {
	return UpdateFrom(target, source, fields...).Narrow(current)
}

func copyField(f Field, dst, src *Event) {
	switch f {
	case FieldExternalID:
		dst.ExternalID = src.ExternalID
	case FieldICalUID:
		dst.ICalUID = src.ICalUID
	case FieldTitle:
		dst.Title = src.Title
	case FieldDescription:
		dst.Description = src.Description
	case FieldLocation:
		dst.Location = src.Location
	case FieldWhen:
		dst.When = src.When
	case FieldRecurrence:
		dst.Recurrence = src.Recurrence
	case FieldStatus:
		dst.Status = src.Status
	case FieldBusy:
		dst.Busy = src.Busy
	case FieldReadOnly:
		dst.ReadOnly = src.ReadOnly
	case FieldCheckinAt:
		dst.CheckinAt = cloneTime(src.CheckinAt)
	case FieldCheckoutAt:
		dst.CheckoutAt = cloneTime(src.CheckoutAt)
	case FieldOwner:
		dst.Owner = src.Owner
	case FieldParticipants:
		dst.Participants = slices.Clone(src.Participants)
	case FieldMetadata:
		dst.Metadata = maps.Clone(src.Metadata)
	}
}

// FieldEqual compares one field of two events.
func FieldEqual(f Field, a, b *Event) bool {
	switch f {
	case FieldExternalID:
		return a.ExternalID == b.ExternalID
	case FieldICalUID:
		return a.ICalUID == b.ICalUID
	case FieldTitle:
		return a.Title == b.Title
	case FieldDescription:
		return a.Description == b.Description
	case FieldLocation:
		return a.Location == b.Location
	case FieldWhen:
		return WhenEqual(a.When, b.When)
	case FieldRecurrence:
		return RecurrenceEqual(a.Recurrence, b.Recurrence)
	case FieldStatus:
		return a.Status == b.Status
	case FieldBusy:
		return a.Busy == b.Busy
	case FieldReadOnly:
		return a.ReadOnly == b.ReadOnly
	case FieldCheckinAt:
		return timePtrEqual(a.CheckinAt, b.CheckinAt)
	case FieldCheckoutAt:
		return timePtrEqual(a.CheckoutAt, b.CheckoutAt)
	case FieldOwner:
		return a.Owner == b.Owner
	case FieldParticipants:
		return slices.Equal(a.Participants, b.Participants)
	case FieldMetadata:
		return len(a.Metadata) == len(b.Metadata) && maps.Equal(a.Metadata, b.Metadata)
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
