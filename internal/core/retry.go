package core

import (
	"context"
	"errors"
	"time"

	"planstate/pkg/domain"

	"github.com/cenkalti/backoff/v5"
)

// retry runs op with exponential backoff while it fails with a retryable
// error. Other errors stop immediately and are returned unwrapped.
func retry[T any](ctx context.Context, cfg Config, onRetry func(error, time.Duration), op func() (T, error)) (T, error) {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if cfg.RetryInitialInterval > 0 {
		b.InitialInterval = cfg.RetryInitialInterval
	}
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !domain.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(onRetry)))
	}
	v, err := backoff.Retry(ctx, wrapped, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return v, perm.Err
	}
	return v, err
}
