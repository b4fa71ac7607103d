// Package retry centralises the retry policy for all external callers.
// Every caller supplies its own error classifier; the policy itself —
// attempt count, exponential backoff, jitter — lives in one place so
// retry behaviour is uniform and a VenueBusinessError is never silently
// retried anywhere.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"quorum-trader/pkg/types"
)

// Policy describes how a retryable operation backs off.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // ceiling for the backoff curve
	Jitter      float64       // fraction of the delay randomised, e.g. 0.2
}

// Default is the standard 3-attempt policy used by most external calls.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.2,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// TransientOnly retries only errors classified as transient. This is the
// classifier almost every caller wants: venue business errors, schema
// errors, and integrity errors fall straight through.
func TransientOnly(err error) bool {
	return types.IsTransient(err)
}

// Do runs fn up to p.MaxAttempts times, backing off between attempts.
// It returns the last error when all attempts fail, and stops immediately
// on context cancellation or a non-retryable error.
func Do(ctx context.Context, p Policy, retryable Classifier, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// delay computes the backoff before the given attempt (1-based for the
// first retry), doubling from BaseDelay with jitter applied symmetrically.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}
