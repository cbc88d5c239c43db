package ratelimit

import (
	"context"
	"time"
)

// Limiter paces remote calls against a shared State. Non-zero waits get a
// small safety buffer so a freshly restored bucket is not hit on the exact
// boundary, and are capped so a misreported restore rate cannot stall a
// worker indefinitely.
type Limiter struct {
	state   *State
	buffer  time.Duration
	maxWait time.Duration
}

// NewLimiter wraps state with the given safety buffer and wait cap. A zero
// maxWait disables the cap.
func NewLimiter(state *State, buffer, maxWait time.Duration) *Limiter {
	return &Limiter{
		state:   state,
		buffer:  buffer,
		maxWait: maxWait,
	}
}

// Reserve deducts cost from the bucket and returns the wait required before
// issuing the call.
func (l *Limiter) Reserve(cost float64) time.Duration {
	wait := l.state.Reserve(cost)
	if wait <= 0 {
		return 0
	}
	wait += l.buffer
	if l.maxWait > 0 && wait > l.maxWait {
		wait = l.maxWait
	}
	return wait
}

// Wait reserves cost and blocks until the call may proceed, or until ctx is
// done.
func (l *Limiter) Wait(ctx context.Context, cost float64) error {
	wait := l.Reserve(cost)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observe feeds a server-reported throttle status back into the shared state.
func (l *Limiter) Observe(available, maxCapacity, restoreRate float64) {
	l.state.Observe(available, maxCapacity, restoreRate)
}

// Snapshot exposes the underlying state for logging.
func (l *Limiter) Snapshot() (available, maxCapacity, restoreRate float64) {
	return l.state.Snapshot()
}
