package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// SeriesFetcher is implemented by the history coordinator. Used by CacheWarmer to avoid
// a circular dependency on the history package.
type SeriesFetcher interface {
	GetSeries(ctx context.Context, coord models.Coordinate, label string, start, end time.Time) (models.Series, error)
}

// WarmTarget is a tracked location whose recent history is kept cached.
type WarmTarget struct {
	Label string
	Coord models.Coordinate
}

// CacheWarmer prefetches the trailing days of history for tracked locations so that
// range requests over recent dates are served from the cache.
type CacheWarmer struct {
	fetcher SeriesFetcher
	days    int
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
}

// NewCacheWarmer creates a CacheWarmer that fetches the last days complete UTC days.
// days < 1 is treated as 1.
func NewCacheWarmer(fetcher SeriesFetcher, days int, logger *zap.Logger) *CacheWarmer {
	if days < 1 {
		days = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, days: days, logger: logger, now: time.Now}
}

// Window returns the start and end days the next Warm will cover: the days complete
// UTC days ending yesterday.
func (w *CacheWarmer) Window() (start, end time.Time) {
	today := models.DayKeyOf(w.now()).Time()
	end = today.AddDate(0, 0, -1)
	start = today.AddDate(0, 0, -w.days)
	return start, end
}

// Warm fetches the warming window for each target concurrently. Returns an aggregated
// error if any target failed. A target with no data in the window is not a failure.
func (w *CacheWarmer) Warm(ctx context.Context, targets []WarmTarget) error {
	began := time.Now()
	observability.CacheWarmingTotal.Inc()
	start, end := w.Window()
	w.logger.Info("warming cache",
		zap.Int("locations", len(targets)),
		zap.String("start", start.Format(models.DateLayout)),
		zap.String("end", end.Format(models.DateLayout)),
	)

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.fetcher.GetSeries(ctx, t.Coord, t.Label, start, end)
			switch {
			case errors.Is(err, models.ErrNoDataInRange):
				w.logger.Info("no history to warm", zap.String("location", t.Label))
			case err != nil:
				errCh <- fmt.Errorf("warm %s: %w", t.Label, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(began).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(targets)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// Start schedules Warm every interval, beginning immediately. Runs never overlap.
// Stop cancels the schedule and any warm in progress.
func (w *CacheWarmer) Start(ctx context.Context, targets []WarmTarget, interval time.Duration) error {
	if len(targets) == 0 {
		w.logger.Info("cache warming disabled: no tracked locations")
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).Do(func() {
		if err := w.Warm(runCtx, targets); err != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule cache warming: %w", err)
	}

	w.mu.Lock()
	w.scheduler = s
	w.cancel = cancel
	w.mu.Unlock()

	s.StartAsync()
	return nil
}

// Stop halts the schedule. Safe to call when Start was never called.
func (w *CacheWarmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}
