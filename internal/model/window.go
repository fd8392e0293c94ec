package model

import "time"

// ActivePeriod is the rolling range of retained events around now.
type ActivePeriod struct {
	Past   time.Duration
	Future time.Duration
}

// Window is a half-open [Start, End) range.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAt returns the active window for now.
func (p ActivePeriod) WindowAt(now time.Time) Window {
	return Window{Start: now.Add(-p.Past).UTC(), End: now.Add(p.Future).UTC()}
}

// Contains is start-inclusive and end-exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
