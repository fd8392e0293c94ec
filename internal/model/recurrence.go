package model

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// RecurrenceKind names a Recurrence variant.
type RecurrenceKind string

const (
	RecurrenceNone     RecurrenceKind = "none"
	RecurrenceMaster   RecurrenceKind = "master"
	RecurrenceInstance RecurrenceKind = "instance"
)

// Recurrence is the closed set NoRecurrence | Master | Instance.
type Recurrence interface {
	Kind() RecurrenceKind
	sealedRecurrence()
}

// NoRecurrence marks a one-off event.
type NoRecurrence struct{}

func (NoRecurrence) Kind() RecurrenceKind { return RecurrenceNone }
func (NoRecurrence) sealedRecurrence()    {}

// Master defines a series: one RRULE line, an optional EXDATE line and the
// series timezone. Lines are kept verbatim ("RRULE:FREQ=WEEKLY;BYDAY=MO").
type Master struct {
	RRule    string
	ExDate   string
	Timezone string
}

func (Master) Kind() RecurrenceKind { return RecurrenceMaster }
func (Master) sealedRecurrence()    {}

// Lines returns the recurrence lines in Provider order.
func (m Master) Lines() []string {
	out := []string{m.RRule}
	if m.ExDate != "" {
		out = append(out, m.ExDate)
	}
	return out
}

// Location resolves the series timezone, defaulting to UTC.
func (m Master) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Instance is one occurrence of a series. A non-override instance is fully
// derivable from its master; an override deviates from the schedule.
type Instance struct {
	MasterID         string
	MasterExternalID string
	OriginalStart    time.Time
	Override         bool
}

func (Instance) Kind() RecurrenceKind { return RecurrenceInstance }
func (Instance) sealedRecurrence()    {}

// KindOf treats a nil recurrence as none.
func KindOf(r Recurrence) RecurrenceKind {
	if r == nil {
		return RecurrenceNone
	}
	return r.Kind()
}

// RecurrenceEqual compares two recurrences structurally.
func RecurrenceEqual(a, b Recurrence) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch x := a.(type) {
	case Master:
		y := b.(Master)
		return x.RRule == y.RRule && x.ExDate == y.ExDate && x.Timezone == y.Timezone
	case Instance:
		y := b.(Instance)
		return x.MasterID == y.MasterID &&
			x.MasterExternalID == y.MasterExternalID &&
			x.OriginalStart.Equal(y.OriginalStart) &&
			x.Override == y.Override
	default:
		return true
	}
}

// NewMaster validates Provider recurrence lines and builds a Master.
//
// Exactly one RRULE and at most one EXDATE are accepted. When allDay is
// non-nil, UNTIL must be a plain date for all-day series and a UTC
// date-time for exact-time series.
func NewMaster(lines []string, timezone string, allDay *bool) (Master, error) {
	var m Master
	m.Timezone = timezone

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Master{}, Invalid("recurrence", "unknown timezone %q", timezone)
		}
		loc = l
	}

	var rvalue string
	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		c, err := parseContentLine(raw)
		if err != nil {
			return Master{}, Invalid("recurrence", "malformed line %q: %v", raw, err)
		}
		switch c.Name {
		case "RRULE":
			if m.RRule != "" {
				return Master{}, Invalid("recurrence", "exactly one RRULE is allowed")
			}
			m.RRule = strings.TrimSpace(raw)
			rvalue = c.Value
		case "EXDATE":
			if m.ExDate != "" {
				return Master{}, Invalid("recurrence", "at most one EXDATE line is allowed")
			}
			if _, err := parseExDates(c, loc); err != nil {
				return Master{}, Invalid("recurrence", "invalid EXDATE: %v", err)
			}
			m.ExDate = strings.TrimSpace(raw)
		default:
			return Master{}, Invalid("recurrence", "unsupported property %s", c.Name)
		}
	}
	if m.RRule == "" {
		return Master{}, Invalid("recurrence", "an RRULE is required")
	}
	if err := validateRRule(rvalue, allDay); err != nil {
		return Master{}, err
	}
	return m, nil
}

var knownRRuleParts = map[string]bool{
	"FREQ": true, "UNTIL": true, "COUNT": true, "INTERVAL": true,
	"BYSECOND": true, "BYMINUTE": true, "BYHOUR": true, "BYDAY": true,
	"BYMONTHDAY": true, "BYYEARDAY": true, "BYWEEKNO": true, "BYMONTH": true,
	"BYSETPOS": true, "WKST": true,
}

// validateRRule applies RFC 5545 strict parsing plus the Provider's own
// restrictions on top of rrule-go.
func validateRRule(value string, allDay *bool) error {
	if value == "" {
		return Invalid("recurrence", "RRULE is empty")
	}
	// RFC-legal but the Provider refuses it.
	if strings.HasSuffix(value, ";") {
		return Invalid("recurrence", "RRULE must not end with a semicolon")
	}

	parts := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		if part == "" {
			return Invalid("recurrence", "RRULE contains an empty part")
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || v == "" {
			return Invalid("recurrence", "RRULE part %q is not NAME=VALUE", part)
		}
		k = strings.ToUpper(k)
		if !knownRRuleParts[k] {
			return Invalid("recurrence", "RRULE part %s is not supported", k)
		}
		if _, dup := parts[k]; dup {
			return Invalid("recurrence", "RRULE part %s is repeated", k)
		}
		parts[k] = v
	}
	if _, ok := parts["FREQ"]; !ok {
		return Invalid("recurrence", "RRULE requires FREQ")
	}
	if _, hasCount := parts["COUNT"]; hasCount {
		if _, hasUntil := parts["UNTIL"]; hasUntil {
			return Invalid("recurrence", "RRULE must not combine COUNT and UNTIL")
		}
	}
	if _, err := rrule.StrToROption(value); err != nil {
		return Invalid("recurrence", "invalid RRULE: %v", err)
	}

	if until, ok := parts["UNTIL"]; ok && allDay != nil {
		dateOnly := len(until) == 8 && !strings.Contains(until, "T")
		if *allDay && !dateOnly {
			return Invalid("recurrence", "UNTIL must be a date (YYYYMMDD) for all-day events")
		}
		if !*allDay && !strings.HasSuffix(until, "Z") {
			return Invalid("recurrence", "UNTIL must be a UTC date-time ending in Z for events with a start time")
		}
	}
	return nil
}

// rruleValue strips the "RRULE:" name from a stored line.
func (m Master) rruleValue() (string, error) {
	c, err := parseContentLine(m.RRule)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (m Master) exDates() ([]time.Time, error) {
	if m.ExDate == "" {
		return nil, nil
	}
	c, err := parseContentLine(m.ExDate)
	if err != nil {
		return nil, err
	}
	return parseExDates(c, m.Location())
}
