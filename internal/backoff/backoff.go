// Package backoff implements the exponential retry policy backend clients
// apply to transient failures.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes exponential backoff with proportional jitter.
type Policy struct {
	Initial time.Duration // delay before the second attempt
	Max     time.Duration // upper bound on any single delay
	Factor  float64       // growth per attempt
	Jitter  float64       // random extra, as a fraction of the base delay [0,1]
}

// Default is the policy backend clients use unless configured otherwise.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the sleep before retrying after the given failed attempt.
// Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*random
	return time.Duration(math.Min(withJitter, float64(p.Max)))
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry runs op up to attempts times, sleeping per the policy between
// failures. It stops early when retryable reports the error as permanent or
// the context is cancelled, returning the error that stopped it. A nil
// retryable treats every error as transient.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}
