// Package ratelimit enforces a sliding-window cap on upstream API calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/observability"
)

const (
	// DefaultWindow is the trailing interval the call ceiling applies to.
	DefaultWindow = time.Minute
	// DefaultMargin is added to each computed wait so the oldest call has left the window on wake.
	DefaultMargin = 10 * time.Millisecond
)

// Limiter admits at most limit calls within any trailing window. The window is a FIFO of
// admission timestamps; entries older than the window are dropped on every attempt.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	margin time.Duration
	calls  []time.Time

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onAdmit func(at time.Time)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the trailing window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMargin overrides the safety margin added to each wait.
func WithMargin(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.margin = d
		}
	}
}

// WithClock replaces the time source and sleep function. For tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithAdmitHook registers fn to run, under the limiter lock, with each admitted call's timestamp.
func WithAdmitHook(fn func(at time.Time)) Option {
	return func(l *Limiter) {
		l.onAdmit = fn
	}
}

// New returns a Limiter admitting callsPerMinute calls per trailing window (one minute by default).
// callsPerMinute below 1 is treated as 1.
func New(callsPerMinute int, opts ...Option) *Limiter {
	if callsPerMinute < 1 {
		callsPerMinute = 1
	}
	l := &Limiter{
		limit:  callsPerMinute,
		window: DefaultWindow,
		margin: DefaultMargin,
		calls:  make([]time.Time, 0, callsPerMinute),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit blocks until one more call fits in the window, then records it. The lock covers
// the trim-check-append sequence and is released while sleeping. Returns ctx.Err() without
// recording anything if ctx ends first.
func (l *Limiter) Admit(ctx context.Context) error {
	start := l.now()
	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			if l.onAdmit != nil {
				l.onAdmit(now)
			}
			l.mu.Unlock()
			observability.RateLimiterWaitSeconds.Observe(now.Sub(start).Seconds())
			return nil
		}
		wait := l.calls[0].Add(l.window).Sub(now) + l.margin
		l.mu.Unlock()

		if !waited {
			observability.RateLimiterWaitsTotal.Inc()
			waited = true
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InWindow returns the number of calls currently recorded in the trailing window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.calls)
}

// Limit returns the configured per-window ceiling.
func (l *Limiter) Limit() int {
	return l.limit
}

// pruneLocked drops timestamps at or before now-window from the front of the FIFO.
// Must be called with mutex held.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.calls) && !l.calls[i].After(cutoff); i++ {
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
