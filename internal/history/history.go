// Package history assembles daily average temperature series for a coordinate and date
// range, serving cached days from the cache and fetching only the missing ones.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/fetch"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

var (
	// ErrNoDataInRange is returned, together with the empty series, when no day in the
	// range produced an average.
	ErrNoDataInRange = models.ErrNoDataInRange
	// ErrInvalidRange is returned when the start date is after the end date or the range
	// spans more days than the coordinator accepts.
	ErrInvalidRange = errors.New("invalid date range")
)

// DefaultCoalesceTimeout bounds a shared range fetch. A full 240-call range takes about
// four minutes under the default upstream limit.
const DefaultCoalesceTimeout = 5 * time.Minute

// DefaultMaxRangeDays caps the days a single request may span, about ten years.
const DefaultMaxRangeDays = 3660

// BatchFetcher fetches many days for one coordinate.
type BatchFetcher interface {
	FetchMany(ctx context.Context, coord models.Coordinate, instants []int64) fetch.Batch
}

// Coordinator combines the cache and the range fetcher into a series per request.
type Coordinator struct {
	cache     cache.Adapter
	fetcher   BatchFetcher
	logger    *zap.Logger
	coalescer *requestCoalescer
	maxDays   int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCoalesceTimeout sets how long a shared range fetch may run.
func WithCoalesceTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.coalescer = newRequestCoalescer(d)
		}
	}
}

// WithMaxRangeDays sets the longest range GetSeries accepts.
func WithMaxRangeDays(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxDays = int64(n)
		}
	}
}

// NewCoordinator returns a Coordinator. logger may be nil.
func NewCoordinator(store cache.Adapter, fetcher BatchFetcher, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cache:     store,
		fetcher:   fetcher,
		logger:    logger,
		coalescer: newRequestCoalescer(DefaultCoalesceTimeout),
		maxDays:   DefaultMaxRangeDays,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSeries returns the daily average temperatures for coord over the UTC calendar days
// from start to end inclusive. label is stored with newly cached days. Concurrent calls
// for the same coordinate, label and range share one pipeline. A range longer than the
// configured maximum is rejected before any cache read.
func (c *Coordinator) GetSeries(ctx context.Context, coord models.Coordinate, label string, start, end time.Time) (models.Series, error) {
	first, last := models.DayKeyOf(start), models.DayKeyOf(end)
	if first > last {
		return models.Series{Points: []models.AverageTemperaturePoint{}}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, first, last)
	}
	if span := models.SpanDays(first, last); span > c.maxDays {
		return models.Series{Points: []models.AverageTemperaturePoint{}},
			fmt.Errorf("%w: %d days requested, at most %d allowed", ErrInvalidRange, span, c.maxDays)
	}

	key := seriesKey(coord, label, first, last)
	return c.coalescer.GetOrDo(ctx, key, func(runCtx context.Context) (models.Series, error) {
		return c.buildSeries(runCtx, coord, label, first, last)
	})
}

func seriesKey(coord models.Coordinate, label string, first, last models.DayKey) string {
	return strconv.FormatFloat(coord.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(coord.Lon, 'f', -1, 64) + ":" +
		strconv.FormatInt(int64(first), 10) + "-" + strconv.FormatInt(int64(last), 10) + ":" +
		strconv.Quote(label)
}

func (c *Coordinator) buildSeries(ctx context.Context, coord models.Coordinate, label string, first, last models.DayKey) (models.Series, error) {
	logger := observability.LoggerFromContext(ctx, c.logger).With(
		zap.String("coord", coord.String()),
		zap.String("start", first.String()),
		zap.String("end", last.String()),
	)
	days := models.DaysBetween(first.Time(), last.Time())

	cached, err := c.cache.GetEntriesInRange(ctx, coord, first, last)
	if err != nil {
		logger.Warn("cache range read failed, treating range as uncached", zap.Error(err))
		cached = nil
	}
	merged := make(map[models.DayKey]models.DayRecord, len(days))
	for _, day := range days {
		if rec, ok := cached[day]; ok {
			merged[day] = rec
		}
	}
	cachedDays := len(merged)

	var instants []int64
	for _, day := range days {
		if _, ok := merged[day]; !ok {
			instants = append(instants, day.FetchInstant())
		}
	}
	observability.CacheHitsTotal.WithLabelValues("history").Add(float64(cachedDays))
	observability.CacheMissesTotal.WithLabelValues("history").Add(float64(len(instants)))

	var batch fetch.Batch
	if len(instants) > 0 {
		batch = c.fetcher.FetchMany(ctx, coord, instants)
	}

	fetched := 0
	fetchedAt := time.Now()
	for _, instant := range instants {
		rec, ok := batch.Records[instant]
		if !ok {
			continue
		}
		day := models.DayKeyFromInstant(instant)
		if _, exists := merged[day]; exists {
			continue
		}
		merged[day] = rec
		fetched++

		d := day
		entry := models.CacheEntry{Coord: coord, DayKey: &d, FetchedAt: fetchedAt, Label: label, Record: rec}
		if err := c.cache.PutEntry(ctx, entry); err != nil {
			logger.Warn("cache write failed", zap.String("day", day.String()), zap.Error(err))
		}
	}

	series := models.Series{
		Points:      make([]models.AverageTemperaturePoint, 0, len(merged)),
		Truncated:   batch.Truncated,
		FetchedDays: fetched,
		CachedDays:  cachedDays,
	}
	for _, day := range days {
		rec, ok := merged[day]
		if !ok {
			continue
		}
		avg, ok := rec.AverageTemperature()
		if !ok {
			continue
		}
		series.Points = append(series.Points, models.AverageTemperaturePoint{Date: day.String(), AvgTemp: avg})
	}

	logger.Info("history series assembled",
		zap.Int("days", len(days)),
		zap.Int("cached", cachedDays),
		zap.Int("fetched", fetched),
		zap.Int("truncated", series.Truncated),
		zap.Int("points", len(series.Points)),
	)
	if len(series.Points) == 0 {
		return series, ErrNoDataInRange
	}
	return series, nil
}
