package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/service"
	"github.com/kjstillabower/weather-history-service/internal/traffic"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generated when absent", ""},
		{"client value propagated", "client-provided-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			var seenID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenID = observability.CorrelationID(r.Context())
				observability.LoggerFromContext(r.Context(), nil).Info("inside handler")
			})

			req := httptest.NewRequest("GET", "/history", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Correlation-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			CorrelationIDMiddleware(zap.New(core))(next).ServeHTTP(w, req)

			header := w.Header().Get("X-Correlation-ID")
			if header == "" || header != seenID {
				t.Fatalf("header %q, context %q; want equal and non-empty", header, seenID)
			}
			if tt.incoming != "" && header != tt.incoming {
				t.Errorf("X-Correlation-ID = %q, want %q", header, tt.incoming)
			}
			entries := logs.FilterMessage("inside handler").All()
			if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != header {
				t.Errorf("request logger missing correlation_id: %+v", entries)
			}
		})
	}
}

func TestSessionMiddleware(t *testing.T) {
	const valid = "3f2c1a9e-4b7d-4e61-9c1a-2f0e8d5b6a71"
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid uuid", valid, valid},
		{"not a uuid", "abc", ""},
		{"absent", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = service.SessionIDFromContext(r.Context())
			})
			req := httptest.NewRequest("GET", "/history", nil)
			if tt.header != "" {
				req.Header.Set("X-Session-ID", tt.header)
			}
			SessionMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("session = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware_DeniesAndRecords(t *testing.T) {
	resetGlobalState(t)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	h := newTestHandler(&mockQuerier{history: londonHistory()}, nil)
	router := NewRouter(RouterConfig{Handler: h, Limiter: limiter})

	path := "/history?q=London&start=2025-01-01&end=2025-01-03"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := decodeError(t, w).Error.Code; got != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if got := traffic.Count(traffic.Denied, time.Minute); got != 1 {
		t.Errorf("denied = %d, want 1", got)
	}

	// Health stays reachable when the API routes are saturated.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	RateLimitMiddleware(nil)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("next handler not called")
	}
}

func TestTimeoutMiddleware_ReturnsGatewayTimeout(t *testing.T) {
	resetGlobalState(t)
	mock := &mockQuerier{block: make(chan struct{})}
	defer close(mock.block)
	h := newTestHandler(mock, nil)
	router := NewRouter(RouterConfig{Handler: h, RequestTimeout: 20 * time.Millisecond})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/history?q=London&start=2025-01-01&end=2025-01-03", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if got := decodeError(t, w).Error.Code; got != "TIMEOUT" {
		t.Errorf("code = %q, want TIMEOUT", got)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	})
	start := time.Now()
	TimeoutMiddleware(time.Minute)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !ok {
		t.Fatal("no deadline on request context")
	}
	if d := deadline.Sub(start); d < 59*time.Second || d > 61*time.Second {
		t.Errorf("deadline in %v, want about 1m", d)
	}
}

func TestGetRoute(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/weather/current", func(w http.ResponseWriter, r *http.Request) {
		got = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/weather/current?q=Paris", nil))
	if got != "/weather/current" {
		t.Errorf("getRoute() = %q, want /weather/current", got)
	}

	req := httptest.NewRequest("GET", "/nowhere", nil)
	if got := getRoute(req); got != "unmatched" {
		t.Errorf("getRoute() without route = %q, want unmatched", got)
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	w := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(w, httptest.NewRequest("GET", "/history", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 passed through", w.Code)
	}
	if got := statusCodeString(w.Code); got != "4xx" {
		t.Errorf("statusCodeString = %q, want 4xx", got)
	}
}

func TestRouter_UnknownPathAndMetrics(t *testing.T) {
	resetGlobalState(t)
	router := NewRouter(RouterConfig{Handler: newTestHandler(&mockQuerier{}, nil)})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/seattle", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
}

func TestInFlightMiddleware(t *testing.T) {
	tracker := &InFlightTracker{}
	var during int64
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = tracker.Count()
	})
	InFlightMiddleware(tracker)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if during != 1 {
		t.Errorf("count during request = %d, want 1", during)
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("count after request = %d, want 0", got)
	}
}

func TestInFlightTracker_WaitForZeroWithSlowRequest(t *testing.T) {
	tracker := &InFlightTracker{}
	release := make(chan struct{})
	router := NewRouter(RouterConfig{
		Handler:  newTestHandler(&mockQuerier{block: release, history: londonHistory()}, nil),
		InFlight: tracker,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/history?q=London&start=2025-01-01&end=2025-01-03", nil))
	}()

	deadline := time.Now().Add(time.Second)
	for tracker.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tracker.Count() != 1 {
		t.Fatalf("count = %d, want 1 while the request is blocked", tracker.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("WaitForZero() = %v, want DeadlineExceeded while in flight", err)
	}

	close(release)
	<-done
	if err := tracker.WaitForZero(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("WaitForZero() after completion = %v", err)
	}
}
