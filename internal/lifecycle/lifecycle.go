// Package lifecycle holds the process-wide draining flag read by /health.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the draining flag. Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// NotifyShutdown returns a context cancelled on SIGINT or SIGTERM. The draining flag is
// set before the context is cancelled, so anything woken by ctx.Done observes it.
// stop releases the signal handler.
func NotifyShutdown(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return notifyOn(parent, os.Interrupt, syscall.SIGTERM)
}

func notifyOn(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		select {
		case <-ch:
			SetShuttingDown(true)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
