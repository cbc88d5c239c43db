package ratelimit

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: doubling from Base and capped at Max, with
// up to half the delay added as jitter so retries scheduled in the same
// failure burst spread out instead of landing together.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	jitter func() float64
}

// NewBackoff returns a Backoff seeded with the process-wide random source.
func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{
		Base:   base,
		Max:    maxDelay,
		jitter: rand.Float64,
	}
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	jitter := rand.Float64
	if b.jitter != nil {
		jitter = b.jitter
	}
	return d + time.Duration(jitter()*float64(d)/2)
}
