// ABOUTME: Bounded retry wrapper for LLM capability calls with exponential backoff and jitter.
// ABOUTME: Honors per-error retryability and rate-limit RetryAfter hints.
package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior for capability calls.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (not counting the initial call).
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay is the upper bound on the delay between retries.
	MaxDelay time.Duration

	// BackoffMultiplier controls exponential growth of the delay between retries.
	BackoffMultiplier float64

	// Jitter adds randomness to the delay to avoid thundering herd problems.
	Jitter bool

	// OnRetry is an optional callback invoked before each retry sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns a policy with 2 retries, 1s base delay, 30s max
// delay, 2x backoff, and jitter enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// CalculateDelay computes the backoff delay for a retry attempt (0-indexed),
// capped at MaxDelay and optionally randomized over [0, delay].
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}
	delay := time.Duration(delayFloat)
	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}

// Retry executes fn, retrying retryable capability errors up to MaxRetries
// times. A RateLimitError's RetryAfter hint raises the delay floor. The
// context cancels waiting between attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(lastErr) {
			return lastErr
		}

		delay := policy.CalculateDelay(attempt)
		var rle *RateLimitError
		if errors.As(lastErr, &rle) && rle.RetryAfter != nil {
			hinted := time.Duration(*rle.RetryAfter * float64(time.Second))
			if hinted > delay {
				delay = hinted
			}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}
