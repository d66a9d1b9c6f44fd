package history

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// inFlightRequest tracks a single series build that multiple callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result models.Series
	err    error
}

// requestCoalescer runs at most one build per key at a time; concurrent callers with the
// same key wait for and share its result.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the in-flight build for key, starting fn if none is
// running. fn runs detached from the first caller's cancellation, bounded by the coalescer
// timeout, so one caller leaving does not fail the others. A caller whose ctx ends stops
// waiting and gets ctx.Err().
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) (models.Series, error)) (models.Series, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		observability.RequestCoalescingHitsTotal.Inc()
	} else {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		go func() {
			defer cancel()
			defer rc.cleanup(key)
			defer close(req.done)
			req.result, req.err = fn(runCtx)
		}()
	}
	rc.mu.Unlock()

	select {
	case <-req.done:
		return req.result, req.err
	case <-ctx.Done():
		return models.Series{}, ctx.Err()
	}
}

// cleanup removes the in-flight request for key once it has completed.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
