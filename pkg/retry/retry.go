package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles per
	// attempt after that.
	BaseDelay time.Duration
	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration
}

// ExhaustedError reports that every attempt failed with a retryable error.
// The last attempt's error is wrapped and reachable via errors.Unwrap.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs fn up to policy.MaxAttempts times, sleeping with jittered
// exponential backoff between attempts. Only errors for which retryable
// returns true are retried; any other error is returned immediately.
func Do[T any](ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(policy, attempt)):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, &ExhaustedError{Attempts: policy.MaxAttempts, Err: lastErr}
}

// backoff returns the jittered delay before the given attempt (attempt >= 2).
func backoff(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay << uint(attempt-2)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay <= 0 {
		return 0
	}

	// Half fixed, half jitter, so concurrent retries spread out.
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
