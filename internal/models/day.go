package models

import (
	"fmt"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// Coordinate identifies a query location. Values are passed to the upstream API as-is.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// DayKey is the Unix timestamp of a calendar day's midnight in UTC.
// It is the day component of a cache primary key.
type DayKey int64

// DayKeyOf returns the DayKey for the UTC calendar date of t.
func DayKeyOf(t time.Time) DayKey {
	t = t.UTC()
	return DayKey(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix())
}

// DayKeyFromInstant maps a FetchInstant back to the day it was requested for.
func DayKeyFromInstant(instant int64) DayKey {
	return DayKeyOf(time.Unix(instant, 0))
}

// Time returns midnight UTC of the day.
func (k DayKey) Time() time.Time {
	return time.Unix(int64(k), 0).UTC()
}

// Next returns the key of the following calendar day.
func (k DayKey) Next() DayKey {
	return k + secondsPerDay
}

// FetchInstant returns noon UTC of the day, the instant used when querying the upstream API.
func (k DayKey) FetchInstant() int64 {
	return int64(k) + secondsPerDay/2
}

// String formats the day as YYYY-MM-DD.
func (k DayKey) String() string {
	return k.Time().Format(DateLayout)
}

// DateLayout is the wire and CLI format for calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// SpanDays returns how many calendar days first..last covers, inclusive. Zero when first
// is after last.
func SpanDays(first, last DayKey) int64 {
	if first > last {
		return 0
	}
	return int64(last-first)/secondsPerDay + 1
}

// DaysBetween returns every DayKey from start to end inclusive, ascending.
// Returns nil when start is after end.
func DaysBetween(start, end time.Time) []DayKey {
	first, last := DayKeyOf(start), DayKeyOf(end)
	if first > last {
		return nil
	}
	days := make([]DayKey, 0, (last-first)/secondsPerDay+1)
	for k := first; k <= last; k = k.Next() {
		days = append(days, k)
	}
	return days
}
