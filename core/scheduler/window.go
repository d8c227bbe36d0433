package scheduler

import "time"

// Weekday converts a time to the 0 = Monday ... 6 = Sunday convention used
// by schedule documents.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Contains reports whether now falls inside the window. Weekday membership
// is checked first, then the time of day with both bounds inclusive.
func (w TimeWindow) Contains(now time.Time) bool {
	day := Weekday(now)
	found := false
	for _, d := range w.Days {
		if d == day {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	start, end := w.Start.seconds(), w.End.seconds()
	if start > end {
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}
