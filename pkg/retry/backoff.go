// Package retry holds the unconditional capped exponential backoff used by
// the exchange feed and the order gateway.
package retry

import (
	"context"
	"time"
)

// Backoff tracks consecutive failures and yields the delay to wait before
// the next attempt: Initial * Factor^(n-1) for the n-th failure, capped at Max.
// It is not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  int64

	failures int
}

func New(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, Factor: 2}
}

// Delay returns the wait after the n-th consecutive failure (n >= 1).
func (b *Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= time.Duration(factor)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Next records a failure and returns the delay to wait.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.Delay(b.failures)
}

func (b *Backoff) Reset() { b.failures = 0 }

func (b *Backoff) Failures() int { return b.failures }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Forever calls fn until it succeeds or ctx is cancelled, sleeping between
// attempts according to policy. onFailure, if set, sees every failed attempt
// with its 1-based attempt number and the delay about to be waited.
func Forever(ctx context.Context, policy *Backoff, sleep SleepFunc, fn func(ctx context.Context) error, onFailure func(attempt int, delay time.Duration, err error)) error {
	if sleep == nil {
		sleep = SleepContext
	}
	policy.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			policy.Reset()
			return nil
		}
		delay := policy.Next()
		if onFailure != nil {
			onFailure(policy.Failures(), delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
