package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

const defaultMaxOccurrences = 5000

// Occurrence is one expanded slot of a series.
type Occurrence struct {
	// OriginalStart is the scheduled (UTC) start used to identify the slot.
	OriginalStart time.Time
	When          When
}

// ExpandConfig bounds an expansion to the half-open [RangeStart, RangeEnd).
type ExpandConfig struct {
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps runaway series. Zero means defaultMaxOccurrences.
	MaxOccurrences int
}

// Expand lists the occurrences of the master event ev starting inside the
// configured range. EXDATE slots are removed. The second return value
// reports whether the cap was hit.
func Expand(ev *Event, cfg ExpandConfig) ([]Occurrence, bool, error) {
	m, ok := ev.Recurrence.(Master)
	if !ok {
		return nil, false, errors.New("expand: event is not a recurring master")
	}
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, false, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	loc := m.Location()
	dtstart, err := seriesStart(ev.When, loc)
	if err != nil {
		return nil, false, err
	}

	value, err := m.rruleValue()
	if err != nil {
		return nil, false, fmt.Errorf("expand: %w", err)
	}
	// Floating UNTIL values (date-only series) are read in the series zone.
	opt, err := rrule.StrToROptionInLocation(value, loc)
	if err != nil {
		return nil, false, fmt.Errorf("expand: parse RRULE: %w", err)
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("expand: build RRULE: %w", err)
	}

	var set rrule.Set
	set.RRule(r)

	exdates, err := m.exDates()
	if err != nil {
		return nil, false, fmt.Errorf("expand: EXDATE: %w", err)
	}
	for _, ex := range exdates {
		// Align EXDATE location with the series start.
		set.ExDate(ex.In(loc))
	}

	// All-day slots start at local midnight, which may precede RangeStart in
	// UTC terms while still overlapping it; widen by a day and filter below.
	from := cfg.RangeStart.In(loc)
	if ev.When.AllDay() {
		from = from.AddDate(0, 0, -1)
	}
	times := set.Between(from, cfg.RangeEnd.In(loc), true)

	out := make([]Occurrence, 0, len(times))
	hitCap := false
	for _, start := range times {
		if !start.Before(cfg.RangeEnd) {
			continue
		}
		w := ShiftTo(ev.When, start)
		if ev.When.AllDay() {
			span, err := w.ToUTCTimeSpan(FixedZone(loc))
			if err != nil {
				return nil, false, err
			}
			if span.Start.Before(cfg.RangeStart) {
				continue
			}
		} else if start.Before(cfg.RangeStart) {
			continue
		}
		if len(out) >= cfg.MaxOccurrences {
			hitCap = true
			break
		}
		out = append(out, Occurrence{OriginalStart: start.UTC(), When: w})
	}
	return out, hitCap, nil
}

// HasOccurrenceIn reports whether the series has at least one occurrence
// starting inside [from, to).
func HasOccurrenceIn(ev *Event, from, to time.Time) (bool, error) {
	occ, _, err := Expand(ev, ExpandConfig{RangeStart: from, RangeEnd: to, MaxOccurrences: 1})
	if err != nil {
		return false, err
	}
	return len(occ) > 0, nil
}

// seriesStart places the first slot of a series in the series timezone so
// that BYDAY and DST behave like wall-clock time.
func seriesStart(w When, loc *time.Location) (time.Time, error) {
	switch v := w.(type) {
	case TimeSpan:
		return v.Start.In(loc), nil
	case DateSpan:
		return v.Start.In(loc), nil
	case SingleDate:
		return v.Day.In(loc), nil
	default:
		return time.Time{}, errors.New("expand: event has no start")
	}
}
