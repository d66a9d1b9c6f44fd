package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// ErrLocationResolution is returned when a city or zip code cannot be turned into a
// coordinate. No cache or upstream history work is done after it.
var ErrLocationResolution = errors.New("location could not be resolved")

// LocationKind selects how a LocationQuery is resolved.
type LocationKind string

const (
	LocationCity   LocationKind = "city"
	LocationZip    LocationKind = "zip"
	LocationCoords LocationKind = "coords"
)

// LocationQuery is an unresolved user location.
type LocationQuery struct {
	Kind  LocationKind
	Value string
	Lat   float64
	Lon   float64
}

// Location is a resolved location with a display label.
type Location struct {
	Label string            `json:"location"`
	Coord models.Coordinate `json:"coord"`
}

// SeriesSource builds historical series; implemented by history.Coordinator.
type SeriesSource interface {
	GetSeries(ctx context.Context, coord models.Coordinate, label string, start, end time.Time) (models.Series, error)
}

// HistoryResult is a resolved historical query and its series.
type HistoryResult struct {
	Location Location
	Start    models.DayKey
	End      models.DayKey
	Series   models.Series
}

// CurrentResult is a current-weather snapshot for a resolved location.
type CurrentResult struct {
	Location Location
	Record   models.DayRecord
	Cached   bool
}

// Deps are the collaborators of a WeatherService. QueryLog and Logger may be nil.
type Deps struct {
	Geocoder client.Geocoder
	Current  client.CurrentClient
	History  SeriesSource
	Cache    cache.Adapter
	QueryLog cache.QueryLogger
	Logger   *zap.Logger
}

// WeatherService resolves locations and serves history and current-weather queries.
type WeatherService struct {
	geocoder  client.Geocoder
	current   client.CurrentClient
	history   SeriesSource
	cache     cache.Adapter
	queryLog  cache.QueryLogger
	logger    *zap.Logger
	sessionID string
	now       func() time.Time
}

// NewWeatherService creates a WeatherService. Queries without a session in their context
// are logged under a session ID generated here.
func NewWeatherService(d Deps) *WeatherService {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{
		geocoder:  d.Geocoder,
		current:   d.Current,
		history:   d.History,
		cache:     d.Cache,
		queryLog:  d.QueryLog,
		logger:    logger,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// SessionID returns the default session ID used for query logging.
func (s *WeatherService) SessionID() string {
	return s.sessionID
}

// ResolveLocation turns q into a coordinate. City and zip lookups go through the geocoder;
// coordinates are used as given.
func (s *WeatherService) ResolveLocation(ctx context.Context, q LocationQuery) (Location, error) {
	var kind client.GeocodeKind
	switch q.Kind {
	case LocationCoords:
		coord := models.Coordinate{Lat: q.Lat, Lon: q.Lon}
		return Location{Label: coord.String(), Coord: coord}, nil
	case LocationCity:
		kind = client.GeocodeCity
	case LocationZip:
		kind = client.GeocodeZip
	default:
		return Location{}, fmt.Errorf("%w: unknown location kind %q", ErrLocationResolution, q.Kind)
	}

	value := strings.TrimSpace(q.Value)
	if value == "" {
		return Location{}, fmt.Errorf("%w: empty %s", ErrLocationResolution, q.Kind)
	}
	place, err := s.geocoder.Geocode(ctx, kind, value)
	if err != nil {
		observability.LoggerFromContext(ctx, s.logger).Info("location resolution failed",
			zap.String("kind", string(q.Kind)),
			zap.String("value", value),
			zap.Error(err),
		)
		return Location{}, fmt.Errorf("%w: %q: %w", ErrLocationResolution, value, err)
	}
	return Location{Label: place.Name, Coord: place.Coord}, nil
}

// GetHistory resolves q and returns the daily average temperature series for start..end.
// history.ErrNoDataInRange is returned together with the (empty) result.
func (s *WeatherService) GetHistory(ctx context.Context, q LocationQuery, start, end time.Time) (HistoryResult, error) {
	loc, err := s.ResolveLocation(ctx, q)
	if err != nil {
		return HistoryResult{}, err
	}
	first, last := models.DayKeyOf(start), models.DayKeyOf(end)
	s.logQuery(ctx, loc, &first, &last)
	observability.RecordWeatherQuery("history", loc.Label)

	series, err := s.history.GetSeries(ctx, loc.Coord, loc.Label, start, end)
	return HistoryResult{Location: loc, Start: first, End: last, Series: series}, err
}

// GetCurrent resolves q and returns the current-weather snapshot, from the cache when a
// snapshot younger than the freshness window exists, otherwise from upstream.
func (s *WeatherService) GetCurrent(ctx context.Context, q LocationQuery) (CurrentResult, error) {
	loc, err := s.ResolveLocation(ctx, q)
	if err != nil {
		return CurrentResult{}, err
	}
	logger := observability.LoggerFromContext(ctx, s.logger)
	s.logQuery(ctx, loc, nil, nil)
	observability.RecordWeatherQuery("current", loc.Label)

	rec, ok, err := s.cache.GetEntry(ctx, loc.Coord, nil)
	if err != nil {
		logger.Warn("snapshot cache read failed", zap.String("location", loc.Label), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("current").Inc()
		logger.Debug("current weather served from cache", zap.String("location", loc.Label))
		return CurrentResult{Location: loc, Record: rec, Cached: true}, nil
	}
	observability.CacheMissesTotal.WithLabelValues("current").Inc()

	rec, err = s.current.GetCurrent(ctx, loc.Coord)
	if err != nil {
		return CurrentResult{}, fmt.Errorf("fetch current weather for %s: %w", loc.Label, err)
	}
	entry := models.CacheEntry{Coord: loc.Coord, FetchedAt: s.now(), Label: loc.Label, Record: rec}
	if err := s.cache.PutEntry(ctx, entry); err != nil {
		logger.Warn("snapshot cache write failed", zap.String("location", loc.Label), zap.Error(err))
	}
	return CurrentResult{Location: loc, Record: rec}, nil
}

// RecentQueries returns the newest logged queries, or nil when no query log is configured.
func (s *WeatherService) RecentQueries(ctx context.Context, limit int) ([]models.QueryLogEntry, error) {
	if s.queryLog == nil {
		return nil, nil
	}
	return s.queryLog.RecentQueries(ctx, limit)
}

func (s *WeatherService) logQuery(ctx context.Context, loc Location, start, end *models.DayKey) {
	if s.queryLog == nil {
		return
	}
	sessionID := SessionIDFromContext(ctx)
	if sessionID == "" {
		sessionID = s.sessionID
	}
	entry := models.QueryLogEntry{
		SessionID: sessionID,
		QueryTime: s.now(),
		Location:  loc.Label,
		StartDate: start,
		EndDate:   end,
	}
	if err := s.queryLog.LogQuery(ctx, entry); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("log").Inc()
		observability.LoggerFromContext(ctx, s.logger).Warn("query log write failed", zap.Error(err))
	}
}
