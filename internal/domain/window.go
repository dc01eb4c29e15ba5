package domain

import "time"

// Window bounds an analytics query. A zero Since means all time.
type Window struct {
	Since time.Time
}

// LastDays returns the window covering the trailing days ending at now.
// days <= 0 yields the unbounded window.
func LastDays(days int, now time.Time) Window {
	if days <= 0 {
		return Window{}
	}
	return Window{Since: now.AddDate(0, 0, -days)}
}

func (w Window) Contains(t time.Time) bool {
	return w.Since.IsZero() || !t.Before(w.Since)
}

// WeekStart returns Monday 00:00:00 of the calendar week containing t.
func WeekStart(t time.Time) time.Time {
	weekday := t.Weekday()
	if weekday == time.Sunday {
		weekday = 7
	}
	daysFromMonday := int(weekday) - int(time.Monday)
	return time.Date(t.Year(), t.Month(), t.Day()-daysFromMonday, 0, 0, 0, 0, t.Location())
}
