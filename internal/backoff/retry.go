package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrAttemptsExhausted marks a retry loop that ran out of attempts. The
// last attempt's error is wrapped alongside it, so callers can match
// either with errors.Is.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry runs fn up to maxAttempts times, sleeping on the policy's
// schedule between failures. fn receives the 1-indexed attempt number.
// Context cancellation wins over the schedule: a cancelled context ends
// the loop with ctx.Err() whether it fires before an attempt or during
// a sleep.
func Retry[T any](ctx context.Context, policy BackoffPolicy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := Sleep(ctx, ComputeBackoff(policy, attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}
