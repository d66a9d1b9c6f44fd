package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// Instrumented wraps an Adapter with operation duration and error metrics.
type Instrumented struct {
	next Adapter
}

// NewInstrumented returns an Adapter that records metrics around next.
func NewInstrumented(next Adapter) *Instrumented {
	return &Instrumented{next: next}
}

// Unwrap returns the wrapped adapter.
func (i *Instrumented) Unwrap() Adapter {
	return i.next
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		observability.CacheErrorsTotal.WithLabelValues(operation).Inc()
	}
	observability.CacheOperationDurationSeconds.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// GetEntry implements Adapter.
func (i *Instrumented) GetEntry(ctx context.Context, coord models.Coordinate, day *models.DayKey) (models.DayRecord, bool, error) {
	start := time.Now()
	rec, ok, err := i.next.GetEntry(ctx, coord, day)
	observe("get", start, err)
	return rec, ok, err
}

// GetEntriesInRange implements Adapter.
func (i *Instrumented) GetEntriesInRange(ctx context.Context, coord models.Coordinate, start, end models.DayKey) (map[models.DayKey]models.DayRecord, error) {
	began := time.Now()
	out, err := i.next.GetEntriesInRange(ctx, coord, start, end)
	observe("range", began, err)
	return out, err
}

// PutEntry implements Adapter.
func (i *Instrumented) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	start := time.Now()
	err := i.next.PutEntry(ctx, entry)
	observe("put", start, err)
	return err
}

// QueryLogger returns the wrapped adapter's QueryLogger, if it has one.
func (i *Instrumented) QueryLogger() (QueryLogger, bool) {
	ql, ok := i.next.(QueryLogger)
	return ql, ok
}
