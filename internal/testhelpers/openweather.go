// Package testhelpers provides an in-process OpenWeather fake and a fully wired service
// stack for end-to-end tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/models"
)

// FakeAPIKey is accepted by FakeOpenWeather; any other key gets a 401.
const FakeAPIKey = "fake-openweather-key"

const (
	PathTimemachine = "/data/3.0/onecall/timemachine"
	PathOneCall     = "/data/3.0/onecall"
	PathGeocode     = "/data/2.5/weather"
)

// FakeOpenWeather serves the timemachine, onecall and geocoding endpoints from
// registered fixtures. Days without a fixture answer 404.
type FakeOpenWeather struct {
	Server *httptest.Server

	mu      sync.Mutex
	places  map[string]client.Place
	days    map[int64][]float64
	failing map[int64]int
	current models.CurrentConditions
	calls   map[string]int
	delay   time.Duration
}

// NewFakeOpenWeather starts a fake upstream closed at test cleanup.
func NewFakeOpenWeather(t testing.TB) *FakeOpenWeather {
	t.Helper()
	f := &FakeOpenWeather{
		places:  make(map[string]client.Place),
		days:    make(map[int64][]float64),
		failing: make(map[int64]int),
		calls:   make(map[string]int),
		current: models.CurrentConditions{Temp: 10, Humidity: 70},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathTimemachine, f.timemachine)
	mux.HandleFunc(PathOneCall, f.oneCall)
	mux.HandleFunc(PathGeocode, f.geocode)
	f.Server = httptest.NewServer(f.authorize(mux))
	t.Cleanup(f.Server.Close)
	return f
}

// ClientOptions returns client options pointed at the fake with fast retries.
func (f *FakeOpenWeather) ClientOptions() client.Options {
	return client.Options{
		APIKey:         FakeAPIKey,
		HistoryURL:     f.Server.URL + PathTimemachine,
		OneCallURL:     f.Server.URL + PathOneCall,
		GeocodeURL:     f.Server.URL + PathGeocode,
		Timeout:        2 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}

// AddPlace makes query (a city name or zip, case-insensitive) resolve to name at coord.
func (f *FakeOpenWeather) AddPlace(query, name string, coord models.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places[strings.ToLower(strings.TrimSpace(query))] = client.Place{Name: name, Coord: coord}
}

// SetDay registers hourly temperatures for the UTC calendar day date (YYYY-MM-DD).
// No temperatures registers a day whose samples carry no temp field.
func (f *FakeOpenWeather) SetDay(date string, temps ...float64) {
	k := mustDay(date)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days[k.FetchInstant()] = append([]float64{}, temps...)
}

// FailDay makes the next n timemachine calls for date answer 500.
func (f *FakeOpenWeather) FailDay(date string, n int) {
	k := mustDay(date)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[k.FetchInstant()] = n
}

// SetCurrent sets the conditions returned by onecall.
func (f *FakeOpenWeather) SetCurrent(c models.CurrentConditions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = c
}

// SetDelay makes every response wait d before being written.
func (f *FakeOpenWeather) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many requests reached path.
func (f *FakeOpenWeather) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *FakeOpenWeather) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		delay := f.delay
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if r.URL.Query().Get("appid") != FakeAPIKey {
			writeStatus(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeOpenWeather) timemachine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dt, err := strconv.ParseInt(q.Get("dt"), 10, 64)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "wrong dt")
		return
	}

	f.mu.Lock()
	temps, ok := f.days[dt]
	failures := f.failing[dt]
	if failures > 0 {
		f.failing[dt] = failures - 1
	}
	f.mu.Unlock()

	if failures > 0 {
		writeStatus(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeStatus(w, http.StatusNotFound, "no data")
		return
	}

	data := make([]models.HourlySample, 0, len(temps))
	for i, temp := range temps {
		temp := temp
		data = append(data, models.HourlySample{Dt: dt + int64(i)*3600, Temp: &temp})
	}
	if len(temps) == 0 {
		data = append(data, models.HourlySample{Dt: dt})
	}
	writeBody(w, map[string]interface{}{
		"lat":      parseFloat(q.Get("lat")),
		"lon":      parseFloat(q.Get("lon")),
		"timezone": "UTC",
		"data":     data,
	})
}

func (f *FakeOpenWeather) oneCall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	current := f.current
	f.mu.Unlock()
	if current.Dt == 0 {
		current.Dt = time.Now().Unix()
	}
	writeBody(w, map[string]interface{}{
		"lat":      parseFloat(q.Get("lat")),
		"lon":      parseFloat(q.Get("lon")),
		"timezone": "UTC",
		"current":  current,
	})
}

func (f *FakeOpenWeather) geocode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		query = q.Get("zip")
	}
	f.mu.Lock()
	place, ok := f.places[strings.ToLower(strings.TrimSpace(query))]
	f.mu.Unlock()
	if !ok {
		writeStatus(w, http.StatusNotFound, "city not found")
		return
	}
	writeBody(w, map[string]interface{}{
		"name":  place.Name,
		"coord": map[string]float64{"lat": place.Coord.Lat, "lon": place.Coord.Lon},
	})
}

func writeBody(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"cod": status, "message": message})
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func mustDay(date string) models.DayKey {
	t, err := models.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return models.DayKeyOf(t)
}
