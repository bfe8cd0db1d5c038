// Package retry implements the hand-rolled exponential-backoff retry
// policy shared by the Deployment Engine's Docker calls (§5/§7: transient
// pull/start/stop failures are retried with doubling backoff and jitter
// before being surfaced to the caller).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy mirrors config.Config's RetryBase/RetryFactor/RetryMax/RetryCap.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    int
	Cap    time.Duration
}

// Do calls fn until it succeeds or p.Max attempts are spent, waiting a
// jittered backoff between attempts that doubles (per Factor) up to Cap.
// ctx cancellation aborts immediately, whether between attempts or during
// a wait.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Max < 1 {
		p.Max = 1
	}
	wait := p.Base

	var lastErr error
	for attempt := 1; attempt <= p.Max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == p.Max {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(wait)):
		}

		wait = time.Duration(float64(wait) * p.Factor)
		if p.Cap > 0 && wait > p.Cap {
			wait = p.Cap
		}
	}
	return lastErr
}

// jittered spreads base by up to ±20% so a fleet of retrying callers
// doesn't converge on the same retry instant.
func jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := (rand.Float64()*2 - 1) * float64(base) * 0.2
	return base + time.Duration(delta)
}
