package util

import "time"

// IsWeekday reports whether t falls on Monday..Friday. Exchange holidays are
// not modelled; the price feed is the source of truth for trading days.
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// CalendarLookback converts a count of trading days into a calendar-day span
// wide enough to contain them, allowing for weekends and long CN holidays
// such as Golden Week.
func CalendarLookback(tradingDays int) int {
	if tradingDays <= 0 {
		return 0
	}
	return tradingDays*3/2 + 20
}

// WeekdaysBetween lists the weekdays in [start, end].
func WeekdaysBetween(start, end time.Time) []time.Time {
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if IsWeekday(d) {
			days = append(days, d)
		}
	}
	return days
}
