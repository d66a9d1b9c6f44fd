package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate by route and status class.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Range requests with many missing days are slow by nature;
	// watch p50 on /history for cache effectiveness.
	HTTPRequestDuration *prometheus.HistogramVec

	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap calls by endpoint (timemachine, onecall, geocode) and status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency by endpoint and status.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for geocode/onecall. Historical day fetches are never retried.
	WeatherAPIRetriesTotal prometheus.Counter

	// Upstream errors by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Admissions that had to sleep for a free slot in the per-minute window.
	RateLimiterWaitsTotal prometheus.Counter

	// Time spent inside RateLimiter admission, including zero-wait admissions.
	RateLimiterWaitSeconds prometheus.Histogram

	// Upstream calls admitted by the RateLimiter, and when the latest one was admitted.
	RateLimiterAdmitsTotal        prometheus.Counter
	RateLimiterLastAdmitTimestamp prometheus.Gauge

	// Per-day fetch outcomes: found or absent.
	DayFetchesTotal *prometheus.CounterVec

	// Range requests that hit the per-request call ceiling, and the days dropped by it.
	RangeFetchTruncationsTotal   prometheus.Counter
	RangeFetchTruncatedDaysTotal prometheus.Counter

	// Cache hits and misses per cache type (history day, current snapshot).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache errors per operation (get, range, put, log).
	CacheErrorsTotal *prometheus.CounterVec

	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Historical and current-weather lookups.
	WeatherQueriesTotal *prometheus.CounterVec

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Range requests that reused a concurrent identical request instead of fetching.
	RequestCoalescingHitsTotal prometheus.Counter

	// Inbound rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	limiterGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 240},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather API errors by category",
		},
		[]string{"category"},
	)
	RateLimiterWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimiterWaitsTotal",
			Help: "Upstream call admissions that waited for a free slot",
		},
	)
	RateLimiterWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rateLimiterWaitSeconds",
			Help:    "Time spent waiting for upstream call admission",
			Buckets: []float64{0, .01, .1, 1, 5, 15, 30, 60},
		},
	)
	RateLimiterAdmitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimiterAdmitsTotal",
			Help: "Upstream calls admitted by the rate limiter",
		},
	)
	RateLimiterLastAdmitTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rateLimiterLastAdmitTimestampSeconds",
			Help: "Unix time of the most recent rate limiter admission",
		},
	)
	DayFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayFetchesTotal",
			Help: "Historical day fetches by outcome (found, absent)",
		},
		[]string{"outcome"},
	)
	RangeFetchTruncationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rangeFetchTruncationsTotal",
			Help: "Range requests whose missing days exceeded the per-request call ceiling",
		},
	)
	RangeFetchTruncatedDaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rangeFetchTruncatedDaysTotal",
			Help: "Missing days dropped by the per-request call ceiling",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Cache hits by cache type (history counts days)",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Cache misses by cache type (history counts days)",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"operation"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend latency by operation and status",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	WeatherQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups by kind (history, current)",
		},
		[]string{"kind"},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Range requests served by joining an identical in-flight request",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by the inbound rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"component"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration",
			Buckets: []float64{1, 5, 15, 60, 240, 600},
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		RateLimiterWaitsTotal, RateLimiterWaitSeconds, RateLimiterAdmitsTotal, RateLimiterLastAdmitTimestamp,
		DayFetchesTotal, RangeFetchTruncationsTotal, RangeFetchTruncatedDaysTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RequestCoalescingHitsTotal, RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// RegisterRateLimiterGauge exposes the upstream limiter's window occupancy.
// Only the first call registers; later calls are ignored.
func RegisterRateLimiterGauge(inWindow func() int) {
	limiterGaugeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "rateLimiterCallsInWindow",
				Help: "Upstream calls recorded in the limiter's trailing window",
			},
			func() float64 { return float64(inWindow()) },
		))
	})
}

// ObserveRateLimiterAdmit records one limiter admission. It runs under the limiter lock.
func ObserveRateLimiterAdmit(at time.Time) {
	RateLimiterAdmitsTotal.Inc()
	RateLimiterLastAdmitTimestamp.Set(float64(at.UnixNano()) / 1e9)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a lookup of the given kind for a location label.
func RecordWeatherQuery(kind, location string) {
	WeatherQueriesTotal.WithLabelValues(kind).Inc()
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		WeatherQueriesByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		WeatherQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
