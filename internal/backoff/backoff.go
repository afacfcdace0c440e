// Package backoff computes bounded exponential retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bundles the parameters of a bounded exponential backoff.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay added at random, 0 disables
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Base, p.Cap, p.Jitter)
}

// Ceiling returns min(base*2^attempt, cap) without overflowing.
// A non-positive cap leaves the delay unbounded up to the largest Duration.
func Ceiling(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	limit := cap
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := base
	for range max(attempt, 0) {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Delay returns Ceiling(attempt, base, cap) plus up to jitter times that
// value, so the result lies in [d, d*(1+jitter)).
func Delay(attempt int, base, cap time.Duration, jitter float64) time.Duration {
	return withJitter(Ceiling(attempt, base, cap), jitter, rand.Float64())
}

func withJitter(d time.Duration, jitter, r float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	extra := float64(d) * jitter * r
	if extra >= float64(math.MaxInt64-d) {
		return math.MaxInt64
	}
	return d + time.Duration(extra)
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
