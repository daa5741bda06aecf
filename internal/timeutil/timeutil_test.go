package timeutil

import (
	"errors"
	"testing"
	"time"
)

func TestMonthBounds(t *testing.T) {
	now := time.Date(2025, time.March, 17, 9, 42, 13, 0, time.UTC)
	start, end := MonthBounds(now)
	if !start.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %v", end)
	}
}

func TestMonthBoundsIdempotent(t *testing.T) {
	now := time.Date(2025, time.March, 17, 9, 42, 13, 0, time.UTC)
	s1, e1 := MonthBounds(now)
	s2, e2 := MonthBounds(now.Add(30 * time.Second))
	if !s1.Equal(s2) || !e1.Equal(e2) {
		t.Fatalf("bounds moved within the same month: %v/%v vs %v/%v", s1, e1, s2, e2)
	}
}

func TestMonthBoundsRollover(t *testing.T) {
	lastOfMarch := time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC)
	firstOfApril := time.Date(2025, time.April, 1, 0, 0, 1, 0, time.UTC)

	_, marchEnd := MonthBounds(lastOfMarch)
	aprilStart, _ := MonthBounds(firstOfApril)
	if !marchEnd.Equal(aprilStart) {
		t.Fatalf("periods must abut: march end %v, april start %v", marchEnd, aprilStart)
	}
	// An event stamped in March never lands inside April's window.
	aprilWin, err := NewWindow("month", firstOfApril, time.UTC)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if aprilWin.Contains(lastOfMarch) {
		t.Fatalf("april window must not contain march timestamps")
	}
}

func TestMonthBoundsNormalizesZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 2025-03-31 19:00 PDT is already April in UTC.
	local := time.Date(2025, time.March, 31, 19, 0, 0, 0, loc)
	start, _ := MonthBounds(local)
	if !start.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected UTC april start, got %v", start)
	}
}

func TestNewWindowMonth(t *testing.T) {
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	win, err := NewWindow("month", now, time.UTC)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if win.Period() != "month" {
		t.Fatalf("unexpected period %s", win.Period())
	}
	start, end := win.Bounds()
	if !start.Equal(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %v", end)
	}
}

func TestNewWindowRolling(t *testing.T) {
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	win, err := NewWindow("7d", now, time.UTC)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	if !win.End().Equal(now) {
		t.Fatalf("unexpected end %v", win.End())
	}
	if !win.Start().Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("unexpected start %v", win.Start())
	}
	if !win.Contains(now.Add(-time.Hour)) {
		t.Fatalf("expected recent timestamp inside window")
	}
	if win.Contains(now) {
		t.Fatalf("end is exclusive")
	}
}

func TestNewWindowInvalid(t *testing.T) {
	for _, period := range []string{"x", "0d", "-3d", "7w", "d"} {
		if _, err := NewWindow(period, time.Now(), time.UTC); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("period %q: expected ErrInvalidPeriod, got %v", period, err)
		}
	}
}
