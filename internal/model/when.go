package model

import (
	"fmt"
	"time"
)

// WhenKind names a When variant.
type WhenKind string

const (
	KindTimeSpan WhenKind = "timespan"
	KindDateSpan WhenKind = "datespan"
	KindDate     WhenKind = "date"
)

// ZoneSupplier resolves the timezone used to place all-day values on the
// UTC timeline. It is only invoked for all-day variants.
type ZoneSupplier func() (*time.Location, error)

// FixedZone returns a ZoneSupplier that always yields loc.
func FixedZone(loc *time.Location) ZoneSupplier {
	return func() (*time.Location, error) { return loc, nil }
}

// When describes when an event occurs. The variant set is closed:
// TimeSpan, DateSpan and SingleDate.
type When interface {
	Kind() WhenKind
	AllDay() bool
	// ToUTCTimeSpan converts the value to an exact, half-open UTC span.
	ToUTCTimeSpan(zones ZoneSupplier) (TimeSpan, error)

	sealedWhen()
}

// TimeSpan is an exact [Start, End) range. Both instants are kept at
// whole-second precision.
type TimeSpan struct {
	Start time.Time
	End   time.Time
}

// NewTimeSpan truncates both instants to seconds and rejects End < Start.
func NewTimeSpan(start, end time.Time) (TimeSpan, error) {
	ts := TimeSpan{
		Start: start.Truncate(time.Second).UTC(),
		End:   end.Truncate(time.Second).UTC(),
	}
	if ts.End.Before(ts.Start) {
		return TimeSpan{}, Invalid("when", "end %s is before start %s", ts.End.Format(time.RFC3339), ts.Start.Format(time.RFC3339))
	}
	return ts, nil
}

func (TimeSpan) Kind() WhenKind { return KindTimeSpan }
func (TimeSpan) AllDay() bool   { return false }
func (TimeSpan) sealedWhen()    {}

func (t TimeSpan) ToUTCTimeSpan(ZoneSupplier) (TimeSpan, error) {
	return TimeSpan{Start: t.Start.UTC(), End: t.End.UTC()}, nil
}

func (t TimeSpan) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// Effective is a previously computed UTC placement of an all-day value,
// valid only for the zone it was computed in.
type Effective struct {
	Zone string
	Span TimeSpan
}

// DateSpan covers the days Start..End, both inclusive.
type DateSpan struct {
	Start     Date
	End       Date
	Effective *Effective
}

func (DateSpan) Kind() WhenKind { return KindDateSpan }
func (DateSpan) AllDay() bool   { return true }
func (DateSpan) sealedWhen()    {}

func (d DateSpan) ToUTCTimeSpan(zones ZoneSupplier) (TimeSpan, error) {
	return allDaySpan(d.Start, d.End, d.Effective, zones)
}

// SingleDate is an all-day event on one day.
type SingleDate struct {
	Day       Date
	Effective *Effective
}

func (SingleDate) Kind() WhenKind { return KindDate }
func (SingleDate) AllDay() bool   { return true }
func (SingleDate) sealedWhen()    {}

func (d SingleDate) ToUTCTimeSpan(zones ZoneSupplier) (TimeSpan, error) {
	return allDaySpan(d.Day, d.Day, d.Effective, zones)
}

// allDaySpan places [first 00:00, last+1 00:00) in the supplied zone.
// Using calendar arithmetic rather than a fixed 24h keeps DST days at
// their real 23h or 25h length.
func allDaySpan(first, last Date, cached *Effective, zones ZoneSupplier) (TimeSpan, error) {
	loc := time.UTC
	if zones != nil {
		l, err := zones()
		if err != nil {
			return TimeSpan{}, fmt.Errorf("resolve zone: %w", err)
		}
		if l != nil {
			loc = l
		}
	}
	if cached != nil && cached.Zone == loc.String() {
		return cached.Span, nil
	}
	return TimeSpan{
		Start: first.In(loc).UTC(),
		End:   last.AddDays(1).In(loc).UTC(),
	}, nil
}

// WithEffective returns w with its cached UTC span filled for the zone
// supplied by zones. Exact spans are returned unchanged.
func WithEffective(w When, zones ZoneSupplier) (When, error) {
	switch v := w.(type) {
	case DateSpan:
		span, err := v.ToUTCTimeSpan(zones)
		if err != nil {
			return nil, err
		}
		v.Effective = &Effective{Zone: zoneName(zones), Span: span}
		return v, nil
	case SingleDate:
		span, err := v.ToUTCTimeSpan(zones)
		if err != nil {
			return nil, err
		}
		v.Effective = &Effective{Zone: zoneName(zones), Span: span}
		return v, nil
	default:
		return w, nil
	}
}

func zoneName(zones ZoneSupplier) string {
	if zones == nil {
		return time.UTC.String()
	}
	loc, err := zones()
	if err != nil || loc == nil {
		return time.UTC.String()
	}
	return loc.String()
}

// WhenEqual compares two values ignoring any cached effective span.
func WhenEqual(a, b When) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case TimeSpan:
		y, ok := b.(TimeSpan)
		return ok && x.Start.Equal(y.Start) && x.End.Equal(y.End)
	case DateSpan:
		y, ok := b.(DateSpan)
		return ok && x.Start == y.Start && x.End == y.End
	case SingleDate:
		y, ok := b.(SingleDate)
		return ok && x.Day == y.Day
	default:
		return false
	}
}

// StartOf is a shorthand for the UTC start of w.
func StartOf(w When, zones ZoneSupplier) (time.Time, error) {
	span, err := w.ToUTCTimeSpan(zones)
	if err != nil {
		return time.Time{}, err
	}
	return span.Start, nil
}

// ShiftTo returns w moved so that it starts at start while keeping its
// length. All-day values move by whole days; start is read in its own
// location for that.
func ShiftTo(w When, start time.Time) When {
	switch v := w.(type) {
	case TimeSpan:
		d := v.Duration()
		s := start.Truncate(time.Second).UTC()
		return TimeSpan{Start: s, End: s.Add(d)}
	case DateSpan:
		first := DateOf(start)
		return DateSpan{Start: first, End: first.AddDays(v.Start.DaysUntil(v.End))}
	case SingleDate:
		return SingleDate{Day: DateOf(start)}
	default:
		return w
	}
}

// ValidateWhen checks the shape of w.
func ValidateWhen(w When) error {
	switch v := w.(type) {
	case nil:
		return Invalid("when", "is required")
	case TimeSpan:
		if v.Start.IsZero() || v.End.IsZero() {
			return Invalid("when", "start and end are required")
		}
		if v.End.Before(v.Start) {
			return Invalid("when", "end is before start")
		}
	case DateSpan:
		if v.Start.IsZero() || v.End.IsZero() {
			return Invalid("when", "start and end dates are required")
		}
		if v.End.Before(v.Start) {
			return Invalid("when", "end date is before start date")
		}
	case SingleDate:
		if v.Day.IsZero() {
			return Invalid("when", "date is required")
		}
	}
	return nil
}
