package domain

import "time"

// weekdayFromMonday maps Go's Sunday-based weekday to the 0=Monday..6=Sunday
// convention used by the stored schedule.
func weekdayFromMonday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// NextTrigger returns the nearest instant strictly after now that falls on
// the given weekday (0=Monday..6=Sunday) at hour:minute, in now's location.
//
// A target time-of-day equal to now's counts as already passed and is pushed
// a full week. If the combined candidate still does not land after now (DST
// shifts around the target wall time), exactly one more week is added; the
// result is therefore always in (now, now+8d].
func NextTrigger(dayOfWeek, hour, minute int, now time.Time) time.Time {
	daysAhead := (dayOfWeek - weekdayFromMonday(now)) % 7
	if daysAhead < 0 {
		daysAhead += 7
	}
	if daysAhead == 0 {
		nowM := now.Hour()*60 + now.Minute()
		if hour*60+minute <= nowM {
			daysAhead = 7
		}
	}

	date := now.AddDate(0, 0, daysAhead)
	candidate := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
