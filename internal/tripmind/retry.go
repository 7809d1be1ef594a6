package tripmind

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts  = 4
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxJitter    = time.Second
)

// RetryPolicy bounds the retries made for rate-limited calls. Zero fields take
// the defaults above; a negative MaxJitter disables jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxJitter    time.Duration

	// OnRetry, when set, is called before each sleep with the 1-based number
	// of the attempt that just failed.
	OnRetry func(err error, attempt int, delay time.Duration)

	// jitter returns a value in [0, n). Tests replace it.
	jitter func(n int64) int64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = DefaultMaxJitter
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.jitter == nil {
		p.jitter = rand.Int64N
	}
	return p
}

// delay is the sleep after the failed attempt with 0-based index i.
func (p RetryPolicy) delay(i int) time.Duration {
	if i > 30 {
		i = 30
	}
	d := p.InitialDelay * time.Duration(int64(1)<<i)
	if p.MaxJitter > 0 {
		d += time.Duration(p.jitter(int64(p.MaxJitter)))
	}
	return d
}

// doublingBackOff is the backoff.BackOff for RetryPolicy.
type doublingBackOff struct {
	policy RetryPolicy
	n      int
}

func (b *doublingBackOff) NextBackOff() time.Duration {
	d := b.policy.delay(b.n)
	b.n++
	return d
}

func (b *doublingBackOff) Reset() { b.n = 0 }

// Retry runs op until it succeeds, fails with something other than a
// rate-limit error, or MaxAttempts calls have been made. Attempts never overlap.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op()
		if err != nil && !IsRateLimited(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&doublingBackOff{policy: policy}),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, d time.Duration) {
			policy.OnRetry(err, attempt, d)
		}))
	}

	v, err := backoff.Retry(ctx, wrapped, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}
