package ratelimit

import (
	"sync"
	"time"
)

// State tracks the remote platform's cost bucket: points currently
// available, bucket capacity, and restore rate in points per second. The
// local estimate refills between calls; a server-reported snapshot always
// replaces the estimate because the server's numbers are authoritative.
type State struct {
	mu          sync.Mutex
	available   float64
	maxCapacity float64
	restoreRate float64
	updatedAt   time.Time

	now func() time.Time
}

// NewState returns a full bucket. restoreRate must be positive.
func NewState(maxCapacity, restoreRate float64) *State {
	return &State{
		available:   maxCapacity,
		maxCapacity: maxCapacity,
		restoreRate: restoreRate,
		now:         time.Now,
	}
}

// Reserve deducts cost from the bucket and returns how long the caller must
// wait before issuing the call. A zero wait means the budget covers the call
// now. Available points never go negative: when the bucket cannot cover the
// cost, the wait is the time needed to restore the deficit and the bucket is
// treated as drained until then.
func (s *State) Reserve(cost float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.refill(now)

	if s.available >= cost {
		s.available -= cost
		return 0
	}

	deficit := cost - s.available
	restoreWait := time.Duration(deficit / s.restoreRate * float64(time.Second))

	// An earlier reservation may already have drained the bucket into the
	// future; this one queues behind it.
	readyAt := s.updatedAt
	if readyAt.Before(now) {
		readyAt = now
	}
	readyAt = readyAt.Add(restoreWait)
	s.available = 0
	s.updatedAt = readyAt
	return readyAt.Sub(now)
}

// Observe replaces the local estimate with a server-reported snapshot.
// Negative or zero values leave the corresponding field untouched so a
// partially populated response cannot wipe known state.
func (s *State) Observe(available, maxCapacity, restoreRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxCapacity > 0 {
		s.maxCapacity = maxCapacity
	}
	if restoreRate > 0 {
		s.restoreRate = restoreRate
	}
	if available >= 0 {
		s.available = available
		if s.available > s.maxCapacity {
			s.available = s.maxCapacity
		}
	}
	s.updatedAt = s.now()
}

// Snapshot returns the current estimate, refilled to the present moment.
func (s *State) Snapshot() (available, maxCapacity, restoreRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refill(s.now())
	return s.available, s.maxCapacity, s.restoreRate
}

// refill credits points restored since the last update. Caller holds the lock.
func (s *State) refill(now time.Time) {
	if s.updatedAt.IsZero() {
		s.updatedAt = now
		return
	}
	elapsed := now.Sub(s.updatedAt)
	if elapsed <= 0 {
		return
	}
	s.available += elapsed.Seconds() * s.restoreRate
	if s.available > s.maxCapacity {
		s.available = s.maxCapacity
	}
	s.updatedAt = now
}
