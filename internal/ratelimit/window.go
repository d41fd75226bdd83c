package ratelimit

import "time"

// windowDate returns the YYYY-MM-DD label of the current quota window in the
// reset time zone. The label is part of the counter key, so counters from
// different days can never collide even if TTL expiry lags.
func windowDate(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}

// nextReset returns the next midnight boundary in the reset time zone. It is
// computed from the calendar, independent of any counter TTL jitter.
func nextReset(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}
