package testhelpers

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/fetch"
	"github.com/kjstillabower/weather-history-service/internal/history"
	"github.com/kjstillabower/weather-history-service/internal/ratelimit"
	"github.com/kjstillabower/weather-history-service/internal/service"
)

// StackOptions tunes NewStack. Zero values use production defaults except CallsPerMinute,
// which defaults high enough that tests never wait on the limiter.
type StackOptions struct {
	CallsPerMinute int
	MaxCalls       int
	Workers        int
	// Store overrides the default in-memory cache.
	Store  cache.Adapter
	Logger *zap.Logger
}

// Stack is a fully wired service talking to a FakeOpenWeather.
type Stack struct {
	Upstream    *FakeOpenWeather
	Client      *client.OpenWeatherClient
	Store       cache.Adapter
	Limiter     *ratelimit.Limiter
	Coordinator *history.Coordinator
	Service     *service.WeatherService
}

// NewStack starts a fake upstream and wires client, limiter, fetchers, cache, coordinator
// and service the same way the binary does.
func NewStack(t testing.TB, opts StackOptions) *Stack {
	t.Helper()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallsPerMinute <= 0 {
		opts.CallsPerMinute = 100000
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = fetch.DefaultMaxCalls
	}
	if opts.Workers <= 0 {
		opts.Workers = fetch.DefaultWorkers
	}

	upstream := NewFakeOpenWeather(t)
	c, err := client.NewOpenWeatherClient(upstream.ClientOptions())
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	store := opts.Store
	if store == nil {
		store = cache.NewInMemoryStore(cache.SnapshotFreshness)
	}
	var queryLog cache.QueryLogger
	if ql, ok := store.(cache.QueryLogger); ok {
		queryLog = ql
	}

	limiter := ratelimit.New(opts.CallsPerMinute, ratelimit.WithMargin(time.Millisecond))
	ranges := fetch.NewRangeFetcher(
		fetch.NewDayFetcher(c, limiter, logger),
		logger,
		fetch.WithWorkers(opts.Workers),
		fetch.WithMaxCalls(opts.MaxCalls),
	)
	coordinator := history.NewCoordinator(store, ranges, logger)
	svc := service.NewWeatherService(service.Deps{
		Geocoder: c,
		Current:  c,
		History:  coordinator,
		Cache:    store,
		QueryLog: queryLog,
		Logger:   logger,
	})

	return &Stack{
		Upstream:    upstream,
		Client:      c,
		Store:       store,
		Limiter:     limiter,
		Coordinator: coordinator,
		Service:     svc,
	}
}
