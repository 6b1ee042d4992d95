// Package timeutil provides calendar arithmetic in a fixed business time zone.
// Streak days and leaderboard windows are computed against a Calendar so that
// "today" means the same thing for every instance of the service.
package timeutil

import (
	"fmt"
	"time"
)

// AlmatyTZ is the default business time zone (UTC+5, no DST).
var AlmatyTZ = time.FixedZone("Asia/Almaty", 5*60*60)

// Calendar resolves instants to calendar dates in one location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar creates a Calendar for the given location. A nil location means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar creates a Calendar from an IANA zone name.
// "Asia/Almaty" resolves to AlmatyTZ even without tzdata installed.
func LoadCalendar(name string) (Calendar, error) {
	switch name {
	case "", "UTC":
		return NewCalendar(time.UTC), nil
	case "Asia/Almaty":
		return NewCalendar(AlmatyTZ), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("timeutil: unknown time zone %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// Location returns the calendar's location.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Date returns the calendar date of t as midnight UTC. Dates produced this
// way compare and subtract without time zone surprises.
func (c Calendar) Date(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b (negative if b is earlier).
func (c Calendar) DaysBetween(a, b time.Time) int {
	return DateDiff(c.Date(a), c.Date(b))
}

// DateDiff returns whole days between two dates produced by Calendar.Date.
func DateDiff(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// StartOfDay returns local midnight of t's day.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
}

// StartOfWeek returns Monday 00:00 of t's week.
func (c Calendar) StartOfWeek(t time.Time) time.Time {
	local := t.In(c.Location())
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return c.StartOfDay(local.AddDate(0, 0, -(weekday - 1)))
}

// StartOfMonth returns the first day of t's month at 00:00.
func (c Calendar) StartOfMonth(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, c.Location())
}

// Now returns the current time in the calendar's location.
func (c Calendar) Now() time.Time {
	return time.Now().In(c.Location())
}

// FormatDate formats a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Clock abstracts the current time for handlers and jobs.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Used in tests.
type FixedClock struct {
	T time.Time
}

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.T }
