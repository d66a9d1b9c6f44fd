package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	httphandler "github.com/kjstillabower/weather-history-service/internal/http"
	"github.com/kjstillabower/weather-history-service/internal/lifecycle"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), g, logger)
		},
	}
}

func runServe(parent context.Context, g *globals, logger *zap.Logger) error {
	cfg := g.cfg
	ctx, stop := lifecycle.NotifyShutdown(parent)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var warmer *cache.CacheWarmer
	if cfg.WarmingEnabled {
		warmer = cache.NewCacheWarmer(a.coordinator, cfg.WarmingDays, logger)
		if err := warmer.Start(ctx, warmTargets(cfg.WarmingLocations), cfg.WarmingInterval); err != nil {
			logger.Warn("cache warming not started", zap.Error(err))
		}
		defer warmer.Stop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	healthConfig := &httphandler.HealthConfig{
		Window:       cfg.HealthWindow,
		FailurePct:   cfg.HealthFailurePct,
		OverloadPct:  cfg.HealthOverloadPct,
		RateLimitRPS: cfg.RateLimitRPS,
		BreakerState: a.breaker.State,
		CachePing:    a.cachePing,
		StartTime:    time.Now(),
		Version:      version,
	}
	handler := httphandler.NewHandler(a.service, healthConfig, logger, cfg.LocationMinLen, cfg.LocationMaxLen)
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(httphandler.RouterConfig{
		Handler:        handler,
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       inFlight,
	})

	srv := newServer(cfg, router)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.Int("calls_per_minute", cfg.HistoryCallsPerMinute),
			zap.Int("max_calls_per_request", cfg.HistoryMaxCalls))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered", zap.Int64("in_flight", inFlight.Count()))
	lifecycle.SetShuttingDown(true)
	if warmer != nil {
		warmer.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := inFlight.WaitForZero(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
