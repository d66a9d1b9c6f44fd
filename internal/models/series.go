package models

import (
	"errors"
	"math"
)

// ErrNoDataInRange reports a range in which no day produced an average.
var ErrNoDataInRange = errors.New("no data in range")

// AverageTemperaturePoint is the mean hourly temperature for one day.
type AverageTemperaturePoint struct {
	Date    string  `json:"date"`
	AvgTemp float64 `json:"avgTemp"`
}

// Series is the assembled daily-average output of a historical range query.
type Series struct {
	Points []AverageTemperaturePoint `json:"points"`
	// Truncated is the number of missing days dropped by the per-request call ceiling.
	Truncated   int `json:"truncated"`
	FetchedDays int `json:"fetchedDays"`
	CachedDays  int `json:"cachedDays"`
}

// AverageTemperature returns the mean of all samples carrying a temperature, rounded to
// one decimal place. ok is false when no sample has a temperature.
func (r DayRecord) AverageTemperature() (avg float64, ok bool) {
	var sum float64
	var n int
	for _, s := range r.Data {
		if s.Temp == nil {
			continue
		}
		sum += *s.Temp
		n++
	}
	if n == 0 {
		return 0, false
	}
	return math.Round(sum/float64(n)*10) / 10, true
}
