package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
)

// retryPolicy re-runs transient history reads. Context cancellation, invalid
// input and corrupt rows are never retried.
type retryPolicy struct {
	attempts uint
	delay    time.Duration
}

func newRetryPolicy(attempts uint, delay time.Duration) retryPolicy {
	if attempts == 0 {
		attempts = 1
	}
	return retryPolicy{attempts: attempts, delay: delay}
}

func (p retryPolicy) do(ctx context.Context, name string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrCorruptRecord) {
				return false
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("history read failed, retrying",
				"query", name,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
}
