package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// contentLine is one tokenized recurrence line such as
// "EXDATE;TZID=Europe/Berlin:20250101T090000".
type contentLine struct {
	Name   string
	Params map[string][]string
	Value  string
}

func (c contentLine) param(name string) string {
	for k, vs := range c.Params {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// parseContentLine relies on golang-ical's property grammar so that
// parameters and quoting follow RFC 5545.
func parseContentLine(line string) (contentLine, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return contentLine{}, errors.New("empty line")
	}
	prop, err := ical.ParseProperty(ical.ContentLine(line))
	if err != nil {
		return contentLine{}, err
	}
	if prop == nil {
		return contentLine{}, fmt.Errorf("malformed line %q", line)
	}
	return contentLine{
		Name:   strings.ToUpper(prop.IANAToken),
		Params: prop.ICalParameters,
		Value:  prop.Value,
	}, nil
}

// parseExDates reads every value of an EXDATE line. Date-only values are
// placed at midnight in loc; floating date-times use TZID or loc.
func parseExDates(c contentLine, loc *time.Location) ([]time.Time, error) {
	if tzid := c.param("TZID"); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return nil, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		loc = l
	}
	dateOnly := strings.EqualFold(c.param("VALUE"), "DATE")

	var out []time.Time
	for _, part := range strings.Split(c.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := parseICSTime(part, loc, dateOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("EXDATE has no values")
	}
	return out, nil
}

// parseICSTime parses the DATE / DATE-TIME / UTC forms used by recurrence
// properties.
func parseICSTime(v string, loc *time.Location, dateOnly bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.UTC
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") && !dateOnly {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}
