package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

type seriesCall struct {
	label      string
	start, end time.Time
}

type mockSeriesFetcher struct {
	mu    sync.Mutex
	calls []seriesCall
	fail  map[string]error
}

func (m *mockSeriesFetcher) GetSeries(ctx context.Context, coord models.Coordinate, label string, start, end time.Time) (models.Series, error) {
	m.mu.Lock()
	m.calls = append(m.calls, seriesCall{label: label, start: start, end: end})
	m.mu.Unlock()
	if err := m.fail[label]; err != nil {
		return models.Series{}, err
	}
	return models.Series{}, nil
}

func (m *mockSeriesFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var warmTargets = []WarmTarget{
	{Label: "London", Coord: london},
	{Label: "Paris", Coord: models.Coordinate{Lat: 48.8566, Lon: 2.3522}},
}

func TestCacheWarmer_Window(t *testing.T) {
	w := NewCacheWarmer(&mockSeriesFetcher{}, 7, nil)
	w.now = func() time.Time { return time.Date(2025, 5, 20, 15, 30, 0, 0, time.UTC) }

	start, end := w.Window()
	if got := start.Format(models.DateLayout); got != "2025-05-13" {
		t.Errorf("start = %s, want 2025-05-13", got)
	}
	if got := end.Format(models.DateLayout); got != "2025-05-19" {
		t.Errorf("end = %s, want 2025-05-19", got)
	}
	if len(models.DaysBetween(start, end)) != 7 {
		t.Errorf("window covers %d days, want 7", len(models.DaysBetween(start, end)))
	}
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockSeriesFetcher{}
	w := NewCacheWarmer(fetcher, 3, nil)

	if err := w.Warm(context.Background(), warmTargets); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("GetSeries calls = %d, want 2", fetcher.callCount())
	}
}

func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	fetcher := &mockSeriesFetcher{fail: map[string]error{"Paris": errors.New("upstream down")}}
	w := NewCacheWarmer(fetcher, 3, nil)

	err := w.Warm(context.Background(), warmTargets)
	if err == nil {
		t.Fatal("Warm() error = nil, want aggregated error")
	}
	if !strings.Contains(err.Error(), "Paris") {
		t.Errorf("error %q does not name the failing location", err)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("GetSeries calls = %d, want 2 (failure must not stop siblings)", fetcher.callCount())
	}
}

func TestCacheWarmer_Start_NoTargets(t *testing.T) {
	fetcher := &mockSeriesFetcher{}
	w := NewCacheWarmer(fetcher, 3, nil)
	if err := w.Start(context.Background(), nil, time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Stop()
	if fetcher.callCount() != 0 {
		t.Errorf("GetSeries calls = %d, want 0", fetcher.callCount())
	}
}

func TestCacheWarmer_Start_RunsImmediately(t *testing.T) {
	fetcher := &mockSeriesFetcher{}
	w := NewCacheWarmer(fetcher, 3, nil)
	if err := w.Start(context.Background(), warmTargets[:1], time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fetcher.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fetcher.callCount() == 0 {
		t.Error("scheduled warm did not run")
	}
}

func TestCacheWarmer_Warm_NoDataIsNotAFailure(t *testing.T) {
	fetcher := &mockSeriesFetcher{fail: map[string]error{
		"Paris": fmt.Errorf("series: %w", models.ErrNoDataInRange),
	}}
	core, logs := observer.New(zap.InfoLevel)
	w := NewCacheWarmer(fetcher, 3, zap.New(core))

	if err := w.Warm(context.Background(), warmTargets); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	entries := logs.FilterMessage("no history to warm").All()
	if len(entries) != 1 || entries[0].ContextMap()["location"] != "Paris" {
		t.Errorf("no-data log entries = %+v, want one for Paris", entries)
	}
	done := logs.FilterMessage("cache warming complete").All()
	if len(done) != 1 || done[0].ContextMap()["errors"] != int64(0) {
		t.Errorf("completion log = %+v, want errors=0", done)
	}
}
