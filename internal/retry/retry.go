// Package retry runs an operation under a bounded retry policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Policy bounds the number of attempts and the wait before each retry.
// Backoff receives the 1-based number of the attempt that just failed.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Exponential returns a policy that waits initial after the first failure
// and doubles the wait after every further one.
func Exponential(initial time.Duration, maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			return initial << (attempt - 1)
		},
	}
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// policyBackOff adapts a Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	if b.policy.Backoff == nil {
		return 0
	}
	return b.policy.Backoff(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Do calls fn until it succeeds or the policy is exhausted, and returns the
// last error in the latter case. fn receives the 1-based attempt number.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), notify Notify) (T, error) {
	var (
		result  T
		attempt int
	)
	b := &policyBackOff{policy: p}
	op := func() error {
		attempt++
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	var onFailure backoff.Notify
	if notify != nil {
		onFailure = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), onFailure); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
