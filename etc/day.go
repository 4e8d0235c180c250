package etc

import "time"

// ClockStamp renders the wall-clock portion of a timestamp the way
// transcript lines label it.
func ClockStamp(t time.Time) string {
	return t.Format("15:04:05")
}

// DayStamp renders the date portion used in exported artifact filenames.
func DayStamp(t time.Time) string {
	return t.Format("2006-01-02")
}
