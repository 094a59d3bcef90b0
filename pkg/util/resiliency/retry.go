package resiliency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how long a transient failure is retried.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout caps a single attempt. Zero means the caller's deadline only.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used when a caller supplies a zero policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// Retry runs op until it succeeds, returns an error that retryable rejects,
// or the policy is exhausted. Backoff is exponential with jitter.
// The returned error is always the last error produced by op (or ctx's error).
func Retry(ctx context.Context, name string, p RetryPolicy, retryable func(error) bool, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0.25

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		actx, cancel := attemptContext(ctx, p.AttemptTimeout)
		defer cancel()

		err := op(actx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("retrying after transient failure",
				"component", "resiliency",
				"operation", name,
				"attempt", attempt,
				"wait", wait,
				"error", err)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
