package models

import "time"

// HourlySample is one hourly observation from the upstream API. Temp is nil when the
// sample carried no temperature field.
type HourlySample struct {
	Dt        int64       `json:"dt"`
	Temp      *float64    `json:"temp,omitempty"`
	FeelsLike *float64    `json:"feels_like,omitempty"`
	Humidity  *int        `json:"humidity,omitempty"`
	WindSpeed *float64    `json:"wind_speed,omitempty"`
	Weather   []Condition `json:"weather,omitempty"`
}

// Condition is an upstream weather condition descriptor.
type Condition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

// CurrentConditions is the "current" block of a one-call snapshot.
type CurrentConditions struct {
	Dt        int64       `json:"dt"`
	Temp      float64     `json:"temp"`
	FeelsLike float64     `json:"feels_like"`
	Humidity  int         `json:"humidity"`
	WindSpeed float64     `json:"wind_speed"`
	Weather   []Condition `json:"weather,omitempty"`
}

// DailyForecast is one entry of a one-call snapshot's "daily" block.
type DailyForecast struct {
	Dt   int64 `json:"dt"`
	Temp struct {
		Day float64 `json:"day"`
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"temp"`
	Weather []Condition `json:"weather,omitempty"`
}

// DayRecord is an upstream response document as stored in the cache. Historical
// (timemachine) records populate Data; current snapshots populate Current and Daily.
type DayRecord struct {
	Lat      float64            `json:"lat"`
	Lon      float64            `json:"lon"`
	Timezone string             `json:"timezone,omitempty"`
	Data     []HourlySample     `json:"data,omitempty"`
	Current  *CurrentConditions `json:"current,omitempty"`
	Daily    []DailyForecast    `json:"daily,omitempty"`
}

// CacheEntry is one row of the weather cache. DayKey is nil for the current-weather snapshot.
type CacheEntry struct {
	Coord     Coordinate
	DayKey    *DayKey
	FetchedAt time.Time
	Label     string
	Record    DayRecord
}

// QueryLogEntry records one resolved user query.
type QueryLogEntry struct {
	SessionID string
	QueryTime time.Time
	Location  string
	StartDate *DayKey
	EndDate   *DayKey
}
