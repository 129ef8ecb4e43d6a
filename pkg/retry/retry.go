// Package retry wraps calls to external capabilities with a bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// Policy bounds how an operation is retried. A zero MaxAttempts means a single attempt,
// a negative one means no attempt limit.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps the wall-clock budget across all attempts. Zero means no cap.
	MaxElapsed time.Duration
	// Retryable decides whether an error is worth another attempt.
	// When nil, apperr.IsTransient is used.
	Retryable func(error) bool
}

func Default() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

// Unbounded returns a copy of p that keeps retrying on p's backoff schedule until fn
// succeeds, fails permanently, or ctx is done.
func (p Policy) Unbounded() Policy {
	p.MaxAttempts = -1
	p.MaxElapsed = 0
	return p
}

// WithRetryable returns a copy of p using fn as the retry predicate.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return apperr.IsTransient(err)
	}
	return p.Retryable(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsed

	if p.MaxAttempts < 0 {
		return backoff.WithContext(eb, ctx)
	}
	attempts := max(p.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
// On exhaustion the last error is returned unchanged so callers can still classify it.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoNotify(ctx, p, nil, "", fn)
}

// DoNotify is Do with a Debug log line per failed attempt.
func DoNotify(ctx context.Context, p Policy, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if log != nil {
		notify = func(err error, next time.Duration) {
			log.Debug("retrying", "op", op, "attempt", attempt, "next", next, "err", err)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
