package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/testhelpers"
)

var londonCoord = models.Coordinate{Lat: 51.5085, Lon: -0.1257}

// newIntegrationRouter wires a real service stack against a fake upstream.
func newIntegrationRouter(t *testing.T, opts testhelpers.StackOptions) (*mux.Router, *testhelpers.Stack) {
	t.Helper()
	resetGlobalState(t)
	stack := testhelpers.NewStack(t, opts)
	stack.Upstream.AddPlace("London", "London", londonCoord)
	stack.Upstream.SetDay("2025-01-01", 10, 12)
	stack.Upstream.SetDay("2025-01-02", 11, 13)
	stack.Upstream.SetDay("2025-01-03", 8, 10)

	h := NewHandler(stack.Service, &HealthConfig{Window: time.Minute, FailurePct: 50}, nil, 1, 100)
	return NewRouter(RouterConfig{Handler: h, RequestTimeout: 10 * time.Second}), stack
}

func getHistory(t *testing.T, router *mux.Router, query string, header http.Header) (int, historyResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/history?"+query, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var resp historyResponse
	if w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return w.Code, resp
}

func assertTemps(t *testing.T, points []models.AverageTemperaturePoint, want map[string]float64) {
	t.Helper()
	if len(points) != len(want) {
		t.Fatalf("points = %+v, want %d", points, len(want))
	}
	prev := ""
	for _, p := range points {
		if p.Date <= prev {
			t.Errorf("points not ascending: %q after %q", p.Date, prev)
		}
		prev = p.Date
		if w, ok := want[p.Date]; !ok || p.AvgTemp != w {
			t.Errorf("point %s = %v, want %v", p.Date, p.AvgTemp, w)
		}
	}
}

func TestIntegration_History_FetchThenCache(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})
	query := "q=London&start=2025-01-01&end=2025-01-03"
	want := map[string]float64{"2025-01-01": 11, "2025-01-02": 12, "2025-01-03": 9}

	code, resp := getHistory(t, router, query, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	assertTemps(t, resp.Points, want)
	if resp.FetchedDays != 3 || resp.CachedDays != 0 {
		t.Errorf("fetched/cached = %d/%d, want 3/0", resp.FetchedDays, resp.CachedDays)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 3 {
		t.Errorf("timemachine calls = %d, want 3", got)
	}

	code, resp = getHistory(t, router, query, nil)
	if code != http.StatusOK {
		t.Fatalf("repeat status = %d", code)
	}
	assertTemps(t, resp.Points, want)
	if resp.FetchedDays != 0 || resp.CachedDays != 3 {
		t.Errorf("repeat fetched/cached = %d/%d, want 0/3", resp.FetchedDays, resp.CachedDays)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 3 {
		t.Errorf("timemachine calls after repeat = %d, want 3", got)
	}
}

func TestIntegration_History_GapAndRetry(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})
	stack.Upstream.FailDay("2025-01-02", 1)
	query := "lat=51.5085&lon=-0.1257&start=2025-01-01&end=2025-01-03"

	code, resp := getHistory(t, router, query, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	assertTemps(t, resp.Points, map[string]float64{"2025-01-01": 11, "2025-01-03": 9})

	code, resp = getHistory(t, router, query, nil)
	if code != http.StatusOK {
		t.Fatalf("second status = %d", code)
	}
	assertTemps(t, resp.Points, map[string]float64{"2025-01-01": 11, "2025-01-02": 12, "2025-01-03": 9})
	if resp.FetchedDays != 1 || resp.CachedDays != 2 {
		t.Errorf("second fetched/cached = %d/%d, want 1/2", resp.FetchedDays, resp.CachedDays)
	}
}

func TestIntegration_History_Truncation(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{MaxCalls: 2})

	code, resp := getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-03", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Truncated != 1 || resp.Message == "" {
		t.Errorf("truncated = %d message = %q, want 1 and a message", resp.Truncated, resp.Message)
	}
	assertTemps(t, resp.Points, map[string]float64{"2025-01-01": 11, "2025-01-02": 12})
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 2 {
		t.Errorf("timemachine calls = %d, want 2", got)
	}

	code, resp = getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-03", nil)
	if code != http.StatusOK || resp.Truncated != 0 || len(resp.Points) != 3 {
		t.Errorf("second request: status %d truncated %d points %d, want 200/0/3", code, resp.Truncated, len(resp.Points))
	}
}

func TestIntegration_History_UnknownCitySkipsFetch(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/history?q=Atlantis&start=2025-01-01&end=2025-01-03", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := decodeError(t, w).Error.Code; got != "LOCATION_NOT_FOUND" {
		t.Errorf("code = %q", got)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 0 {
		t.Errorf("timemachine calls = %d, want 0", got)
	}
}

func TestIntegration_History_NoData(t *testing.T) {
	router, _ := newIntegrationRouter(t, testhelpers.StackOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/history?q=London&start=2024-06-01&end=2024-06-02", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := decodeError(t, w).Error.Code; got != "NO_DATA" {
		t.Errorf("code = %q, want NO_DATA", got)
	}
}

func TestIntegration_History_ConcurrentRequestsShareFetch(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})
	stack.Upstream.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	codes := make([]int, 5)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], _ = getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-03", nil)
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("request %d status = %d", i, c)
		}
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 3 {
		t.Errorf("timemachine calls = %d, want 3 (one pipeline for identical requests)", got)
	}
}

func TestIntegration_Current_CacheAside(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})
	stack.Upstream.SetCurrent(models.CurrentConditions{Temp: 6.5, Humidity: 81})

	for i, wantCached := range []bool{false, true} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/current?q=London", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
		var resp currentResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Cached != wantCached {
			t.Errorf("request %d cached = %v, want %v", i, resp.Cached, wantCached)
		}
		if resp.Current == nil || resp.Current.Temp != 6.5 {
			t.Errorf("request %d current = %+v", i, resp.Current)
		}
	}
	if got := stack.Upstream.Calls(testhelpers.PathOneCall); got != 1 {
		t.Errorf("onecall calls = %d, want 1", got)
	}
}

func TestIntegration_QueryLogUsesSessionHeader(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})
	const session = "6f1d3c52-8a0e-4f7b-b3d9-0c5e2a9f4b18"

	header := http.Header{}
	header.Set("X-Session-ID", session)
	if code, _ := getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-02", header); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	queries, err := stack.Service.RecentQueries(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentQueries() error = %v", err)
	}
	if len(queries) != 1 {
		t.Fatalf("queries = %+v, want 1", queries)
	}
	q := queries[0]
	if q.SessionID != session || q.Location != "London" {
		t.Errorf("query = %+v", q)
	}
	if q.StartDate == nil || q.StartDate.String() != "2025-01-01" || q.EndDate == nil || q.EndDate.String() != "2025-01-02" {
		t.Errorf("dates = %v..%v", q.StartDate, q.EndDate)
	}
}

func TestIntegration_SQLiteBackendPersistsAcrossStacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather_cache.db")
	ctx := context.Background()

	first, err := cache.NewSQLiteStore(ctx, path, cache.SnapshotFreshness)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{Store: first})
	if code, resp := getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-03", nil); code != http.StatusOK || resp.FetchedDays != 3 {
		t.Fatalf("first: status %d fetched %d", code, resp.FetchedDays)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 3 {
		t.Fatalf("timemachine calls = %d, want 3", got)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := cache.NewSQLiteStore(ctx, path, cache.SnapshotFreshness)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	router, stack = newIntegrationRouter(t, testhelpers.StackOptions{Store: second})
	code, resp := getHistory(t, router, "q=London&start=2025-01-01&end=2025-01-03", nil)
	if code != http.StatusOK {
		t.Fatalf("second: status %d", code)
	}
	if resp.CachedDays != 3 || resp.FetchedDays != 0 {
		t.Errorf("second fetched/cached = %d/%d, want 0/3", resp.FetchedDays, resp.CachedDays)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 0 {
		t.Errorf("timemachine calls on reopened cache = %d, want 0", got)
	}
	assertTemps(t, resp.Points, map[string]float64{"2025-01-01": 11, "2025-01-02": 12, "2025-01-03": 9})
}

func TestIntegration_Health(t *testing.T) {
	router, _ := newIntegrationRouter(t, testhelpers.StackOptions{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if status, _ := healthStatus(t, w); status != "healthy" {
		t.Errorf("status = %q", status)
	}
}

func TestIntegration_HistoryRangeTooLong(t *testing.T) {
	router, stack := newIntegrationRouter(t, testhelpers.StackOptions{})

	req := httptest.NewRequest("GET", "/history?q=London&start=0001-01-02&end=9999-12-31", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != "INVALID_REQUEST" || !strings.Contains(body.Error.Message, "at most 3660") {
		t.Errorf("error = %+v, want INVALID_REQUEST naming the day limit", body.Error)
	}
	if got := stack.Upstream.Calls(testhelpers.PathTimemachine); got != 0 {
		t.Errorf("timemachine calls = %d, want 0", got)
	}
}
