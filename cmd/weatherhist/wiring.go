package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/config"
	"github.com/kjstillabower/weather-history-service/internal/fetch"
	"github.com/kjstillabower/weather-history-service/internal/history"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/ratelimit"
	"github.com/kjstillabower/weather-history-service/internal/service"
)

const breakerComponent = "weather_api"

// app is the wired service graph shared by every subcommand.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	client      *client.OpenWeatherClient
	breaker     *circuitbreaker.CircuitBreaker
	limiter     *ratelimit.Limiter
	store       cache.Adapter
	cachePing   func(ctx context.Context) error
	closeStore  func() error
	coordinator *history.Coordinator
	service     *service.WeatherService
}

// buildApp wires client, limiter, fetchers, cache backend, coordinator and service from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	weatherClient, err := client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.WeatherAPIKey,
		HistoryURL:     cfg.HistoryURL,
		OneCallURL:     cfg.OneCallURL,
		GeocodeURL:     cfg.GeocodeURL,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("weather client: %w", err)
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        breakerComponent,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(breakerComponent, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(float64(to))
			logger.Warn("circuit breaker transition",
				zap.String("component", breakerComponent),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	weatherClient.SetCircuitBreaker(cb)
	observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(float64(circuitbreaker.StateClosed))

	limiter := ratelimit.New(cfg.HistoryCallsPerMinute, ratelimit.WithAdmitHook(observability.ObserveRateLimiterAdmit))
	observability.RegisterRateLimiterGauge(limiter.InWindow)

	backend, ping, closeFn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store := cache.NewInstrumented(backend)
	var queryLog cache.QueryLogger
	if ql, ok := store.QueryLogger(); ok {
		queryLog = ql
	}

	ranges := fetch.NewRangeFetcher(
		fetch.NewDayFetcher(weatherClient, limiter, logger),
		logger,
		fetch.WithWorkers(cfg.HistoryWorkers),
		fetch.WithMaxCalls(cfg.HistoryMaxCalls),
	)
	coordinator := history.NewCoordinator(store, ranges, logger,
		history.WithCoalesceTimeout(cfg.CoalesceTimeout),
		history.WithMaxRangeDays(cfg.HistoryMaxRangeDays),
	)
	svc := service.NewWeatherService(service.Deps{
		Geocoder: weatherClient,
		Current:  weatherClient,
		History:  coordinator,
		Cache:    store,
		QueryLog: queryLog,
		Logger:   logger,
	})
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		client:      weatherClient,
		breaker:     cb,
		limiter:     limiter,
		store:       store,
		cachePing:   ping,
		closeStore:  closeFn,
		coordinator: coordinator,
		service:     svc,
	}, nil
}

// openStore opens the configured cache backend. ping is nil for the in-memory backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Adapter, func(context.Context) error, func() error, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.SnapshotFreshness)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := mc.Ping(pingCtx); err != nil {
			logger.Warn("memcached not reachable at startup; requests will fetch upstream until it is", zap.Error(err))
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc.Close, nil
	case "in_memory":
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryStore(cfg.SnapshotFreshness), nil, func() error { return nil }, nil
	default:
		st, err := cache.NewSQLiteStore(ctx, cfg.SQLitePath, cfg.SnapshotFreshness)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite cache: %w", err)
		}
		logger.Info("cache backend: sqlite", zap.String("path", st.Path()))
		return st, st.Ping, st.Close, nil
	}
}

// warmTargets converts configured warming locations.
func warmTargets(locs []config.WarmLocation) []cache.WarmTarget {
	targets := make([]cache.WarmTarget, 0, len(locs))
	for _, l := range locs {
		targets = append(targets, cache.WarmTarget{
			Label: l.Name,
			Coord: models.Coordinate{Lat: l.Lat, Lon: l.Lon},
		})
	}
	return targets
}

func (a *app) close() {
	if a.closeStore == nil {
		return
	}
	if err := a.closeStore(); err != nil {
		a.logger.Error("cache close", zap.Error(err))
	}
}

// newServer returns the HTTP server. WriteTimeout leaves room past the request timeout so
// long history requests can still write their response.
func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
