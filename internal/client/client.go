package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// HistoricalClient fetches one day of hourly history for a coordinate.
type HistoricalClient interface {
	GetHistoricalDay(ctx context.Context, coord models.Coordinate, instant int64) (models.DayRecord, error)
}

// CurrentClient fetches the current-weather snapshot for a coordinate.
type CurrentClient interface {
	GetCurrent(ctx context.Context, coord models.Coordinate) (models.DayRecord, error)
}

// Geocoder resolves a city name or zip code to a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, kind GeocodeKind, value string) (Place, error)
}

// GeocodeKind selects the geocoding query parameter.
type GeocodeKind string

const (
	GeocodeCity GeocodeKind = "q"
	GeocodeZip  GeocodeKind = "zip"
)

// Place is a resolved location.
type Place struct {
	Coord models.Coordinate
	Name  string
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")
)

// Endpoint labels used in metrics.
// maxResponseBytes caps how much of a 2xx response body is read. A full timemachine day
// is a few kilobytes.
const maxResponseBytes = 4 << 20

const (
	endpointTimemachine = "timemachine"
	endpointOneCall     = "onecall"
	endpointGeocode     = "geocode"
)

// Options configures an OpenWeatherClient.
type Options struct {
	APIKey         string
	HistoryURL     string
	OneCallURL     string
	GeocodeURL     string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// OpenWeatherClient talks to the OpenWeatherMap one-call (3.0) and weather (2.5) APIs.
// Historical day fetches are single attempts; geocoding and current weather are retried
// with backoff and guarded by an optional circuit breaker.
type OpenWeatherClient struct {
	apiKey         string
	historyURL     string
	oneCallURL     string
	geocodeURL     string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	maxBodyBytes   int64
}

// NewOpenWeatherClient validates opts and returns a client. Zero retry settings default to
// 3 attempts, 100ms base delay, 2s max delay.
func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	return &OpenWeatherClient{
		apiKey:         opts.APIKey,
		historyURL:     opts.HistoryURL,
		oneCallURL:     opts.OneCallURL,
		geocodeURL:     opts.GeocodeURL,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		maxBodyBytes:   maxResponseBytes,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// SetCircuitBreaker guards geocoding and current-weather attempts with cb.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type timemachineResponse struct {
	Lat      float64               `json:"lat"`
	Lon      float64               `json:"lon"`
	Timezone string                `json:"timezone"`
	Data     []models.HourlySample `json:"data"`
}

type oneCallResponse struct {
	Lat      float64                   `json:"lat"`
	Lon      float64                   `json:"lon"`
	Timezone string                    `json:"timezone"`
	Current  *models.CurrentConditions `json:"current"`
	Daily    []models.DailyForecast    `json:"daily"`
}

type geocodeResponse struct {
	Coord *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Name string `json:"name"`
}

// GetHistoricalDay issues one timemachine call for instant. A response without a data
// field is ErrMalformedResponse.
func (c *OpenWeatherClient) GetHistoricalDay(ctx context.Context, coord models.Coordinate, instant int64) (models.DayRecord, error) {
	params := coordParams(coord)
	params.Set("dt", strconv.FormatInt(instant, 10))

	var resp timemachineResponse
	if err := c.callAPI(ctx, endpointTimemachine, c.historyURL, params, &resp); err != nil {
		return models.DayRecord{}, err
	}
	if resp.Data == nil {
		return models.DayRecord{}, fmt.Errorf("%w: missing data field", ErrMalformedResponse)
	}
	return models.DayRecord{
		Lat:      resp.Lat,
		Lon:      resp.Lon,
		Timezone: resp.Timezone,
		Data:     resp.Data,
	}, nil
}

// GetCurrent fetches the current conditions and daily outlook for coord.
func (c *OpenWeatherClient) GetCurrent(ctx context.Context, coord models.Coordinate) (models.DayRecord, error) {
	params := coordParams(coord)
	params.Set("exclude", "minutely,hourly,alerts")

	var resp oneCallResponse
	err := c.withRetry(ctx, func() error {
		resp = oneCallResponse{}
		if err := c.callAPI(ctx, endpointOneCall, c.oneCallURL, params, &resp); err != nil {
			return err
		}
		if resp.Current == nil {
			return fmt.Errorf("%w: missing current field", ErrMalformedResponse)
		}
		return nil
	})
	if err != nil {
		return models.DayRecord{}, err
	}
	return models.DayRecord{
		Lat:      resp.Lat,
		Lon:      resp.Lon,
		Timezone: resp.Timezone,
		Current:  resp.Current,
		Daily:    resp.Daily,
	}, nil
}

// Geocode resolves a city name or zip code. Unknown places return ErrLocationNotFound.
func (c *OpenWeatherClient) Geocode(ctx context.Context, kind GeocodeKind, value string) (Place, error) {
	params := url.Values{}
	params.Set(string(kind), strings.TrimSpace(value))

	var resp geocodeResponse
	err := c.withRetry(ctx, func() error {
		resp = geocodeResponse{}
		if err := c.callAPI(ctx, endpointGeocode, c.geocodeURL, params, &resp); err != nil {
			return err
		}
		if resp.Coord == nil {
			return fmt.Errorf("%w: no coordinates for %q", ErrLocationNotFound, value)
		}
		return nil
	})
	if err != nil {
		return Place{}, err
	}
	name := resp.Name
	if name == "" {
		name = value
	}
	return Place{
		Coord: models.Coordinate{Lat: resp.Coord.Lat, Lon: resp.Coord.Lon},
		Name:  name,
	}, nil
}

// withRetry runs attempt up to retryAttempts times, backing off between retryable failures.
// Each attempt passes through the circuit breaker when one is set.
func (c *OpenWeatherClient) withRetry(ctx context.Context, attempt func() error) error {
	var lastErr error

	for i := 0; i < c.retryAttempts; i++ {
		if i > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(i)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, attempt)
		} else {
			err = attempt()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, rawURL string, params url.Values, out interface{}) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("request timeout: %w", err)
		} else {
			err = fmt.Errorf("http request failed: %w", err)
		}
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return err
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryParsing)).Inc()
		return fmt.Errorf("%w: response body exceeds %d bytes", ErrMalformedResponse, c.maxBodyBytes)
	}

	if err := json.Unmarshal(body, out); err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryParsing)).Inc()
		return fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return true
	}
	return false
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("appid", c.apiKey)
	query.Set("units", "metric")
	baseURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func coordParams(coord models.Coordinate) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coord.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coord.Lon, 'f', -1, 64))
	return params
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
