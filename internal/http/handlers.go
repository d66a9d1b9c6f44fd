package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/history"
	"github.com/kjstillabower/weather-history-service/internal/lifecycle"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/service"
	"github.com/kjstillabower/weather-history-service/internal/traffic"
	"github.com/kjstillabower/weather-history-service/internal/validation"
)

// WeatherQuerier is the service surface the handlers call; implemented by
// service.WeatherService.
type WeatherQuerier interface {
	GetHistory(ctx context.Context, q service.LocationQuery, start, end time.Time) (service.HistoryResult, error)
	GetCurrent(ctx context.Context, q service.LocationQuery) (service.CurrentResult, error)
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	// Window is the trailing window over which failure and denial rates are computed.
	Window time.Duration
	// FailurePct is the upstream failure percentage at or above which the service is degraded.
	FailurePct int
	// OverloadPct is the share of inbound capacity (RateLimitRPS over Window) that, when
	// exceeded by denials, reports overloaded.
	OverloadPct  int
	RateLimitRPS int
	// BreakerState, when set, reports the upstream circuit breaker. An open circuit is degraded.
	BreakerState func() circuitbreaker.State
	// CachePing, when set, is called to check cache reachability.
	CachePing func(ctx context.Context) error
	StartTime time.Time
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherQuerier
	healthConfig     *HealthConfig
	logger           *zap.Logger
	locationMinLen   int
	locationMaxLen   int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil, in which case /health only
// reports the shutdown flag.
func NewHandler(weather WeatherQuerier, healthConfig *HealthConfig, logger *zap.Logger, locationMinLen, locationMaxLen int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:        weather,
		healthConfig:   healthConfig,
		logger:         logger,
		locationMinLen: locationMinLen,
		locationMaxLen: locationMaxLen,
	}
}

type historyResponse struct {
	Location    string                           `json:"location"`
	Lat         float64                          `json:"lat"`
	Lon         float64                          `json:"lon"`
	Start       string                           `json:"start"`
	End         string                           `json:"end"`
	Points      []models.AverageTemperaturePoint `json:"points"`
	Truncated   int                              `json:"truncated"`
	Message     string                           `json:"message,omitempty"`
	FetchedDays int                              `json:"fetchedDays"`
	CachedDays  int                              `json:"cachedDays"`
}

type currentResponse struct {
	Location  string                    `json:"location"`
	Lat       float64                   `json:"lat"`
	Lon       float64                   `json:"lon"`
	Cached    bool                      `json:"cached"`
	Current   *models.CurrentConditions `json:"current,omitempty"`
	Daily     []models.DailyForecast    `json:"daily,omitempty"`
	Timezone  string                    `json:"timezone,omitempty"`
	Timestamp string                    `json:"timestamp"`
}

// GetHistory handles GET /history?q=|zip=|lat=&lon=&start=&end=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	query, ok := h.parseLocation(w, r)
	if !ok {
		return
	}
	params := r.URL.Query()
	start, end, err := validation.ParseDateRange(params.Get("start"), params.Get("end"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.weather.GetHistory(r.Context(), query, start, end)
	if errors.Is(err, history.ErrNoDataInRange) {
		msg := fmt.Sprintf("no temperature data for %s between %s and %s", result.Location.Label, result.Start, result.End)
		if result.Series.Truncated > 0 {
			msg += "; " + truncationMessage(result.Series.Truncated)
		}
		writeError(w, r, http.StatusNotFound, "NO_DATA", msg)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := historyResponse{
		Location:    result.Location.Label,
		Lat:         result.Location.Coord.Lat,
		Lon:         result.Location.Coord.Lon,
		Start:       result.Start.String(),
		End:         result.End.String(),
		Points:      result.Series.Points,
		Truncated:   result.Series.Truncated,
		FetchedDays: result.Series.FetchedDays,
		CachedDays:  result.Series.CachedDays,
	}
	if resp.Points == nil {
		resp.Points = []models.AverageTemperaturePoint{}
	}
	if resp.Truncated > 0 {
		resp.Message = truncationMessage(resp.Truncated)
	}
	writeJSON(w, http.StatusOK, resp)
}

func truncationMessage(days int) string {
	return fmt.Sprintf("%d days were not fetched because the request reached the upstream call limit; repeat the request to fill them in", days)
}

// GetCurrent handles GET /weather/current?q=|zip=|lat=&lon=.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	query, ok := h.parseLocation(w, r)
	if !ok {
		return
	}

	result, err := h.weather.GetCurrent(r.Context(), query)
	if err != nil {
		if !errors.Is(err, service.ErrLocationResolution) {
			traffic.Record(traffic.Failure)
		}
		writeServiceError(w, r, err)
		return
	}
	if !result.Cached {
		traffic.Record(traffic.Success)
	}
	writeJSON(w, http.StatusOK, currentResponse{
		Location:  result.Location.Label,
		Lat:       result.Location.Coord.Lat,
		Lon:       result.Location.Coord.Lon,
		Cached:    result.Cached,
		Current:   result.Record.Current,
		Daily:     result.Record.Daily,
		Timezone:  result.Record.Timezone,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// parseLocation validates the location query parameters and writes a 400 on failure.
func (h *Handler) parseLocation(w http.ResponseWriter, r *http.Request) (service.LocationQuery, bool) {
	params := r.URL.Query()
	loc, err := validation.ParseLocation(validation.LocationParams{
		City: params.Get("q"),
		Zip:  params.Get("zip"),
		Lat:  params.Get("lat"),
		Lon:  params.Get("lon"),
	}, h.locationMinLen, h.locationMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return service.LocationQuery{}, false
	}
	return service.LocationQuery{
		Kind:  service.LocationKind(loc.Kind),
		Value: loc.Value,
		Lat:   loc.Lat,
		Lon:   loc.Lon,
	}, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if err := h.healthConfig.CachePing(ctx); err != nil {
				checks["cache"] = "unhealthy"
				observability.LoggerFromContext(r.Context(), h.logger).Debug("cache ping failed", zap.Error(err))
			} else {
				checks["cache"] = "healthy"
			}
			cancel()
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-history-service",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Round(time.Second).String()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded (open circuit, then failure rate) > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.Window > 0 && cfg.RateLimitRPS > 0 && cfg.OverloadPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.Window.Seconds() * float64(cfg.OverloadPct) / 100
		if float64(traffic.Count(traffic.Denied, cfg.Window)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.BreakerState != nil && cfg.BreakerState() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if cfg.Window > 0 && cfg.FailurePct > 0 {
		failures, total := traffic.FailureRate(cfg.Window)
		if total > 0 && failures*100 >= cfg.FailurePct*total {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a service error to a response. Upstream failures are checked
// before location resolution so an unreachable geocoder is not reported as not found.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), nil)
	category := client.CategorizeError(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	case errors.Is(err, history.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case category == client.ErrorCategoryCircuitOpen,
		category == client.ErrorCategoryRateLimited,
		category == client.ErrorCategoryNetwork,
		category == client.ErrorCategoryTimeout,
		category == client.ErrorCategoryUpstream:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	case category == client.ErrorCategoryInvalidAPIKey:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_AUTH", "Weather provider rejected the service credentials")
	case errors.Is(err, service.ErrLocationResolution):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", err.Error())
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	}
	logger.Debug("request failed", zap.String("category", string(category)), zap.Error(err))
}
