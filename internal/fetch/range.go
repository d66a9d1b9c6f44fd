package fetch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

const (
	// DefaultWorkers is the number of concurrent fetch workers per range request.
	DefaultWorkers = 10
	// DefaultMaxCalls is the per-request ceiling on upstream calls.
	DefaultMaxCalls = 240
)

// Batch is the outcome of a range fetch. Records holds only the days that were found,
// keyed by the requested instant.
type Batch struct {
	Records   map[int64]models.DayRecord
	Requested int
	Processed int
	// Truncated counts instants dropped by the call ceiling. It is informational.
	Truncated int
}

// RangeFetcher fans day fetches for one coordinate out to a bounded worker pool.
type RangeFetcher struct {
	fetcher  Fetcher
	workers  int
	maxCalls int
	logger   *zap.Logger
}

// RangeOption configures a RangeFetcher.
type RangeOption func(*RangeFetcher)

// WithWorkers sets the worker pool size. Values below 1 are ignored.
func WithWorkers(n int) RangeOption {
	return func(r *RangeFetcher) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithMaxCalls sets the per-request call ceiling. Values below 1 are ignored.
func WithMaxCalls(n int) RangeOption {
	return func(r *RangeFetcher) {
		if n > 0 {
			r.maxCalls = n
		}
	}
}

// NewRangeFetcher returns a RangeFetcher with DefaultWorkers and DefaultMaxCalls unless
// overridden. logger may be nil.
func NewRangeFetcher(f Fetcher, logger *zap.Logger, opts ...RangeOption) *RangeFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RangeFetcher{
		fetcher:  f,
		workers:  DefaultWorkers,
		maxCalls: DefaultMaxCalls,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxCalls returns the per-request call ceiling.
func (r *RangeFetcher) MaxCalls() int {
	return r.maxCalls
}

// FetchMany fetches every instant up to the call ceiling, in input order, and returns the
// days that were found. A failing or panicking fetch leaves only its own day absent.
func (r *RangeFetcher) FetchMany(ctx context.Context, coord models.Coordinate, instants []int64) Batch {
	batch := Batch{
		Records:   make(map[int64]models.DayRecord),
		Requested: len(instants),
	}
	if len(instants) == 0 {
		return batch
	}

	process := instants
	if len(process) > r.maxCalls {
		process = instants[:r.maxCalls]
		batch.Truncated = len(instants) - r.maxCalls
		observability.RangeFetchTruncationsTotal.Inc()
		observability.RangeFetchTruncatedDaysTotal.Add(float64(batch.Truncated))
		observability.LoggerFromContext(ctx, r.logger).Warn("range fetch truncated",
			zap.String("coord", coord.String()),
			zap.Int("requested", len(instants)),
			zap.Int("max_calls", r.maxCalls),
			zap.Int("dropped", batch.Truncated),
		)
	}
	batch.Processed = len(process)

	workers := r.workers
	if workers > len(process) {
		workers = len(process)
	}

	jobs := make(chan int64, len(process))
	for _, instant := range process {
		jobs <- instant
	}
	close(jobs)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for instant := range jobs {
				res := r.fetchOne(ctx, coord, instant)
				if !res.Found {
					continue
				}
				mu.Lock()
				batch.Records[instant] = res.Record
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return batch
}

func (r *RangeFetcher) fetchOne(ctx context.Context, coord models.Coordinate, instant int64) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Instant: instant, Err: fmt.Errorf("fetch panicked: %v", p)}
			observability.DayFetchesTotal.WithLabelValues("absent").Inc()
			r.logger.Error("day fetch panicked",
				zap.String("coord", coord.String()),
				zap.Int64("instant", instant),
				zap.Any("panic", p),
			)
		}
	}()
	return r.fetcher.Fetch(ctx, coord, instant)
}
