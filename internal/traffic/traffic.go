// Package traffic keeps sliding windows of upstream and inbound outcomes for the
// health endpoint.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one recorded event.
type Outcome int

const (
	// Success is an upstream call that produced usable data.
	Success Outcome = iota
	// Failure is an upstream call that produced nothing (network, HTTP, parse).
	Failure
	// Denied is an inbound request rejected by the rate limiter.
	Denied
)

// retention bounds how long outcomes are kept regardless of the queried window.
const retention = 10 * time.Minute

var defaultTracker = NewTracker()

// Record records an outcome on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// Count returns the number of o outcomes within window on the process-wide tracker.
func Count(o Outcome, window time.Duration) int {
	return defaultTracker.Count(o, window)
}

// FailureRate returns (failures, successes+failures) within window on the process-wide tracker.
func FailureRate(window time.Duration) (failures, total int) {
	return defaultTracker.FailureRate(window)
}

// Reset clears the process-wide tracker. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains one timestamp window per outcome.
type Tracker struct {
	mu    sync.Mutex
	times map[Outcome][]time.Time
	now   func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		times: make(map[Outcome][]time.Time),
		now:   time.Now,
	}
}

// Record appends the current time to o's window and prunes old entries.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Count returns the number of o outcomes not older than window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[o], t.now().Add(-window))
}

// FailureRate returns (failures, total) within window; total excludes inbound denials.
func (t *Tracker) FailureRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	failures = countSince(t.times[Failure], cutoff)
	return failures, failures + countSince(t.times[Success], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = make(map[Outcome][]time.Time)
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops entries older than retention. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for o, times := range t.times {
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
