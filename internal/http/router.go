package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// RouterConfig wires handlers and middleware into a router. Limiter and InFlight may be nil.
type RouterConfig struct {
	Handler        *Handler
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	InFlight       *InFlightTracker
}

// NewRouter builds the service router. /health and /metrics bypass the rate limit and
// request timeout; the weather routes get both.
func NewRouter(cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	if cfg.InFlight != nil {
		router.Use(InFlightMiddleware(cfg.InFlight))
	}
	router.HandleFunc("/health", cfg.Handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(SessionMiddleware)
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/history", cfg.Handler.GetHistory).Methods("GET")
	api.HandleFunc("/weather/current", cfg.Handler.GetCurrent).Methods("GET")
	return router
}
