// Package timeutil holds the date arithmetic shared by the daily usage
// counters.
package timeutil

import "time"

// DayOf normalizes a timestamp to midnight UTC. Daily counters are keyed by
// this value.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two timestamps fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return DayOf(a).Equal(DayOf(b))
}

// NextRollover returns the instant the daily counters reset after t.
func NextRollover(t time.Time) time.Time {
	return DayOf(t).Add(24 * time.Hour)
}
