package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/models"
)

type mockGeocoder struct {
	places map[string]client.Place
	err    error
	calls  []string
}

func (m *mockGeocoder) Geocode(ctx context.Context, kind client.GeocodeKind, value string) (client.Place, error) {
	m.calls = append(m.calls, string(kind)+"="+value)
	if m.err != nil {
		return client.Place{}, m.err
	}
	p, ok := m.places[value]
	if !ok {
		return client.Place{}, client.ErrLocationNotFound
	}
	return p, nil
}

type mockCurrentClient struct {
	rec   models.DayRecord
	err   error
	calls int
}

func (m *mockCurrentClient) GetCurrent(ctx context.Context, coord models.Coordinate) (models.DayRecord, error) {
	m.calls++
	return m.rec, m.err
}

type mockSeriesSource struct {
	mu     sync.Mutex
	series models.Series
	err    error
	calls  []models.Coordinate
	labels []string
}

func (m *mockSeriesSource) GetSeries(ctx context.Context, coord models.Coordinate, label string, start, end time.Time) (models.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, coord)
	m.labels = append(m.labels, label)
	return m.series, m.err
}

var londonPlace = client.Place{Coord: models.Coordinate{Lat: 51.5085, Lon: -0.1257}, Name: "London"}

type fixture struct {
	svc      *WeatherService
	geocoder *mockGeocoder
	current  *mockCurrentClient
	history  *mockSeriesSource
	store    *cache.InMemoryStore
}

func newFixture() *fixture {
	f := &fixture{
		geocoder: &mockGeocoder{places: map[string]client.Place{"London": londonPlace, "SW1A 1AA,gb": londonPlace}},
		current:  &mockCurrentClient{rec: models.DayRecord{Current: &models.CurrentConditions{Temp: 17}}},
		history:  &mockSeriesSource{series: models.Series{Points: []models.AverageTemperaturePoint{{Date: "2025-05-20", AvgTemp: 11}}}},
		store:    cache.NewInMemoryStore(0),
	}
	f.svc = NewWeatherService(Deps{
		Geocoder: f.geocoder,
		Current:  f.current,
		History:  f.history,
		Cache:    f.store,
		QueryLog: f.store,
	})
	return f
}

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name      string
		q         LocationQuery
		wantLabel string
		wantCoord models.Coordinate
		wantErr   bool
		wantCalls int
	}{
		{name: "city", q: LocationQuery{Kind: LocationCity, Value: " London "}, wantLabel: "London", wantCoord: londonPlace.Coord, wantCalls: 1},
		{name: "zip", q: LocationQuery{Kind: LocationZip, Value: "SW1A 1AA,gb"}, wantLabel: "London", wantCoord: londonPlace.Coord, wantCalls: 1},
		{name: "coordinates", q: LocationQuery{Kind: LocationCoords, Lat: 51.5074, Lon: -0.1278}, wantLabel: "51.5074,-0.1278", wantCoord: models.Coordinate{Lat: 51.5074, Lon: -0.1278}},
		{name: "unknown city", q: LocationQuery{Kind: LocationCity, Value: "Atlantis"}, wantErr: true, wantCalls: 1},
		{name: "empty city", q: LocationQuery{Kind: LocationCity, Value: "  "}, wantErr: true},
		{name: "unknown kind", q: LocationQuery{Kind: "planet", Value: "Mars"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			loc, err := f.svc.ResolveLocation(context.Background(), tt.q)
			if tt.wantErr {
				if !errors.Is(err, ErrLocationResolution) {
					t.Errorf("error = %v, want ErrLocationResolution", err)
				}
			} else {
				if err != nil {
					t.Fatalf("ResolveLocation() error = %v", err)
				}
				if loc.Label != tt.wantLabel || loc.Coord != tt.wantCoord {
					t.Errorf("ResolveLocation() = %+v, want %s %+v", loc, tt.wantLabel, tt.wantCoord)
				}
			}
			if len(f.geocoder.calls) != tt.wantCalls {
				t.Errorf("geocode calls = %v, want %d", f.geocoder.calls, tt.wantCalls)
			}
		})
	}
}

func TestResolveLocation_KeepsUpstreamCause(t *testing.T) {
	f := newFixture()
	f.geocoder.err = circuitbreaker.ErrOpen

	_, err := f.svc.ResolveLocation(context.Background(), LocationQuery{Kind: LocationCity, Value: "London"})
	if !errors.Is(err, ErrLocationResolution) || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("error = %v, want ErrLocationResolution wrapping circuitbreaker.ErrOpen", err)
	}
}

func TestGetHistory(t *testing.T) {
	f := newFixture()
	start := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 22, 0, 0, 0, 0, time.UTC)

	res, err := f.svc.GetHistory(context.Background(), LocationQuery{Kind: LocationCity, Value: "London"}, start, end)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if res.Location.Label != "London" || res.Start.String() != "2025-05-20" || res.End.String() != "2025-05-22" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Series.Points) != 1 {
		t.Errorf("points = %+v", res.Series.Points)
	}
	if len(f.history.calls) != 1 || f.history.calls[0] != londonPlace.Coord || f.history.labels[0] != "London" {
		t.Errorf("history calls = %+v labels = %v", f.history.calls, f.history.labels)
	}

	queries, _ := f.svc.RecentQueries(context.Background(), 0)
	if len(queries) != 1 {
		t.Fatalf("logged queries = %d, want 1", len(queries))
	}
	q := queries[0]
	if q.Location != "London" || q.SessionID != f.svc.SessionID() || q.StartDate == nil || q.StartDate.String() != "2025-05-20" {
		t.Errorf("logged query = %+v", q)
	}
}

func TestGetHistory_ResolutionFailureSkipsHistory(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetHistory(context.Background(), LocationQuery{Kind: LocationCity, Value: "Atlantis"}, time.Now(), time.Now())
	if !errors.Is(err, ErrLocationResolution) {
		t.Fatalf("error = %v, want ErrLocationResolution", err)
	}
	if len(f.history.calls) != 0 {
		t.Errorf("history calls = %d, want 0", len(f.history.calls))
	}
	if qs, _ := f.svc.RecentQueries(context.Background(), 0); len(qs) != 0 {
		t.Errorf("logged queries = %d, want 0", len(qs))
	}
}

func TestGetHistory_PassesSeriesError(t *testing.T) {
	f := newFixture()
	sentinel := errors.New("no data")
	f.history.err = sentinel
	f.history.series = models.Series{Points: []models.AverageTemperaturePoint{}}

	res, err := f.svc.GetHistory(context.Background(), LocationQuery{Kind: LocationCoords, Lat: 1, Lon: 2}, time.Now(), time.Now())
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want the series error", err)
	}
	if res.Location.Label == "" {
		t.Error("result location should be populated alongside the error")
	}
}

func TestGetHistory_SessionFromContext(t *testing.T) {
	f := newFixture()
	ctx := WithSessionID(context.Background(), "session-abc")
	if _, err := f.svc.GetHistory(ctx, LocationQuery{Kind: LocationCoords, Lat: 1, Lon: 2}, time.Now(), time.Now()); err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	qs, _ := f.svc.RecentQueries(context.Background(), 1)
	if len(qs) != 1 || qs[0].SessionID != "session-abc" {
		t.Errorf("logged queries = %+v, want session-abc", qs)
	}
}

func TestGetCurrent_CacheAside(t *testing.T) {
	f := newFixture()
	q := LocationQuery{Kind: LocationCity, Value: "London"}

	first, err := f.svc.GetCurrent(context.Background(), q)
	if err != nil {
		t.Fatalf("GetCurrent() error = %v", err)
	}
	if first.Cached || first.Record.Current.Temp != 17 {
		t.Errorf("first = %+v, want upstream result", first)
	}

	second, err := f.svc.GetCurrent(context.Background(), q)
	if err != nil {
		t.Fatalf("second GetCurrent() error = %v", err)
	}
	if !second.Cached || second.Record.Current.Temp != 17 {
		t.Errorf("second = %+v, want cached snapshot", second)
	}
	if f.current.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.current.calls)
	}
}

func TestGetCurrent_UpstreamFailure(t *testing.T) {
	f := newFixture()
	f.current.err = client.ErrUpstreamFailure

	_, err := f.svc.GetCurrent(context.Background(), LocationQuery{Kind: LocationCoords, Lat: 1, Lon: 2})
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Errorf("error = %v, want ErrUpstreamFailure", err)
	}
	if _, ok, _ := f.store.GetEntry(context.Background(), models.Coordinate{Lat: 1, Lon: 2}, nil); ok {
		t.Error("failed fetch must not populate the snapshot cache")
	}
}

func TestRecentQueries_NoLogger(t *testing.T) {
	svc := NewWeatherService(Deps{Cache: cache.NewInMemoryStore(0)})
	qs, err := svc.RecentQueries(context.Background(), 10)
	if err != nil || qs != nil {
		t.Errorf("RecentQueries() = %v, %v; want nil, nil", qs, err)
	}
}
