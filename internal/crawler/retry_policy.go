package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultMaxAttempts is the attempt budget of the shared fetch client.
const DefaultMaxAttempts = 3

// RetryPolicy decides the pacing between fetch attempts. Attempts are zero-based.
type RetryPolicy struct {
	MaxAttempts int
}

// NewRetryPolicy builds a policy with the given budget, defaulting to 3.
func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return RetryPolicy{MaxAttempts: maxAttempts}
}

// ShouldRetry reports whether another attempt follows attempt.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotModified) {
		return false
	}
	return true
}

// Backoff returns the sleep after a failed attempt.
// Network failures wait 2^attempt seconds, 403/429 wait 5*(attempt+1) seconds,
// and any other status is retried immediately.
func (p RetryPolicy) Backoff(err error, attempt int) time.Duration {
	switch {
	case errors.Is(err, ErrRateLimited):
		return time.Duration(5*(attempt+1)) * time.Second
	case errors.Is(err, ErrNetworkTimeout), errors.Is(err, ErrNetworkConnection):
		return time.Duration(math.Pow(2, float64(attempt))) * time.Second
	default:
		return 0
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the production SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
