// Package fetch retrieves historical day records from the upstream API under the shared
// per-minute admission limit.
package fetch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/traffic"
)

// Admitter blocks until one more upstream call may be issued.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Result is the outcome of one day fetch. Found is false when the day could not be
// retrieved for any reason; Err then carries the cause for logging only.
type Result struct {
	Instant int64
	Record  models.DayRecord
	Found   bool
	Err     error
}

// Fetcher fetches a single day.
type Fetcher interface {
	Fetch(ctx context.Context, coord models.Coordinate, instant int64) Result
}

// DayFetcher performs one rate-limited upstream call per day.
type DayFetcher struct {
	client  client.HistoricalClient
	limiter Admitter
	logger  *zap.Logger
}

// NewDayFetcher returns a DayFetcher. logger may be nil.
func NewDayFetcher(c client.HistoricalClient, limiter Admitter, logger *zap.Logger) *DayFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DayFetcher{client: c, limiter: limiter, logger: logger}
}

// Fetch admits through the limiter, then issues a single upstream call for instant.
// Failures never escape as errors; they produce a Result with Found=false.
func (f *DayFetcher) Fetch(ctx context.Context, coord models.Coordinate, instant int64) Result {
	res := Result{Instant: instant}

	if err := f.limiter.Admit(ctx); err != nil {
		res.Err = fmt.Errorf("admit: %w", err)
		observability.DayFetchesTotal.WithLabelValues("absent").Inc()
		f.logger.Debug("day fetch not admitted",
			zap.String("coord", coord.String()),
			zap.Int64("instant", instant),
			zap.Error(err),
		)
		return res
	}

	rec, err := f.client.GetHistoricalDay(ctx, coord, instant)
	if err != nil {
		res.Err = err
		traffic.Record(traffic.Failure)
		observability.DayFetchesTotal.WithLabelValues("absent").Inc()
		observability.LoggerFromContext(ctx, f.logger).Debug("day fetch failed",
			zap.String("coord", coord.String()),
			zap.Int64("instant", instant),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return res
	}

	traffic.Record(traffic.Success)
	observability.DayFetchesTotal.WithLabelValues("found").Inc()
	res.Record = rec
	res.Found = true
	return res
}
