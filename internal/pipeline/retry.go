package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryInitialInterval seeds the exponential backoff. Tests shorten it.
var retryInitialInterval = time.Second

// Retry runs op up to attempts times with exponential backoff between
// tries, starting at one second. Only errors classified Transient are
// retried; everything else returns immediately. Cancellation is
// honoured before every try and during every backoff sleep.
func Retry(ctx context.Context, attempts int, op func() error) error {
	return RetryNotify(ctx, attempts, op, nil)
}

// RetryNotify is Retry with a callback invoked before each backoff
// sleep, carrying the transient error and the upcoming wait. Used by
// the runner to log retry attempts.
func RetryNotify(ctx context.Context, attempts int, op func() error, notify func(err error, next time.Duration)) error {
	if attempts < 1 {
		attempts = 1
	}

	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := op()
		if err == nil {
			return nil
		}

		if !Transient(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	budget := backoff.WithMaxRetries(policy, uint64(attempts-1))

	var cb backoff.Notify
	if notify != nil {
		cb = backoff.Notify(notify)
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(budget, ctx), cb)
}
