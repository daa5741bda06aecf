package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

// MonthBounds returns the current billing period as the half-open interval
// [first instant of now's calendar month, first instant of the next month),
// always computed in UTC. Cap enforcement never consults any other window.
func MonthBounds(now time.Time) (time.Time, time.Time) {
	nowUTC := now.UTC()
	year, month, _ := nowUTC.Date()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// Window represents a normalized reporting window anchored to a location.
type Window struct {
	period string
	start  time.Time
	end    time.Time
	loc    *time.Location
}

// NewWindow constructs a window for the requested period. "month" selects the
// current calendar month in UTC; rolling periods such as "7d" or "24h" end at
// now in the provided location.
func NewWindow(period string, now time.Time, loc *time.Location) (Window, error) {
	loc = EnsureLocation(loc)
	p := strings.ToLower(strings.TrimSpace(period))
	if p == "" || p == "month" {
		start, end := MonthBounds(now)
		return Window{period: "month", start: start, end: end, loc: loc}, nil
	}

	dur, err := durationFromPeriod(p)
	if err != nil {
		return Window{}, err
	}
	end := now.In(loc)
	return Window{period: p, start: end.Add(-dur), end: end, loc: loc}, nil
}

// Period returns the normalized period string.
func (w Window) Period() string { return w.period }

// Start returns the inclusive start of the window.
func (w Window) Start() time.Time { return w.start }

// End returns the exclusive end of the window.
func (w Window) End() time.Time { return w.end }

// Bounds returns the start/end timestamps.
func (w Window) Bounds() (time.Time, time.Time) { return w.start, w.end }

// Location returns the reporting timezone for the window.
func (w Window) Location() *time.Location { return EnsureLocation(w.loc) }

// Timezone returns the location name for JSON responses.
func (w Window) Timezone() string { return w.Location().String() }

// StartString returns the start timestamp formatted as RFC3339 in the window's zone.
func (w Window) StartString() string { return w.start.In(w.Location()).Format(time.RFC3339) }

// EndString returns the end timestamp formatted as RFC3339 in the window's zone.
func (w Window) EndString() string { return w.end.In(w.Location()).Format(time.RFC3339) }

// Contains reports whether the timestamp falls within [start, end).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

func durationFromPeriod(period string) (time.Duration, error) {
	if len(period) < 2 {
		return 0, ErrInvalidPeriod
	}
	unit := period[len(period)-1]
	value, err := strconv.Atoi(period[:len(period)-1])
	if err != nil || value <= 0 {
		return 0, ErrInvalidPeriod
	}
	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, ErrInvalidPeriod
	}
}
