// Package backoff provides the single jittered-exponential retry helper
// shared by every retrying component (gitops, embed, transcribe, queue).
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff with jitter.
type Policy struct {
	Base    time.Duration // delay before the first retry
	Factor  float64       // multiplier applied per attempt
	Jitter  float64       // fractional jitter, e.g. 0.5 = +/-50%
	Max     time.Duration // cap on any single delay
}

// Default is the policy used across the codebase unless a component has a
// documented reason to differ (spec.md §4.D/B4): 1s base, x2 per attempt,
// +/-50% jitter, capped at 60s.
var Default = Policy{
	Base:   1 * time.Second,
	Factor: 2,
	Jitter: 0.5,
	Max:    60 * time.Second,
}

// Delay returns the delay to use before retry attempt n (n starts at 0 for
// the first retry), with jitter applied.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < n; i++ {
		d *= p.Factor
	}
	if cap := float64(p.Max); d > cap {
		d = cap
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d = d - delta + rand.Float64()*2*delta
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleep blocks for the attempt-n delay or until ctx is done, whichever comes
// first. Returns ctx.Err() if the context was cancelled first.
func (p Policy) Sleep(ctx context.Context, n int) error {
	t := time.NewTimer(p.Delay(n))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn up to maxAttempts times, sleeping per Policy between
// attempts, retrying only while shouldRetry(err) is true. Returns the last
// error if all attempts are exhausted.
func Retry(ctx context.Context, p Policy, maxAttempts int, shouldRetry func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.Sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return err
		}
	}
	return lastErr
}
