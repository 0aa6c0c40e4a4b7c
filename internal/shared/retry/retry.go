// Package retry wraps calls to flaky upstreams with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay after every retry.
	Multiplier float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns the upstream retry defaults: 1s base, x2, 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type options struct {
	sleep   Sleeper
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option customizes a single Do call.
type Option func(*options)

// WithSleeper replaces the real-time sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithOnRetry registers a hook invoked before every retry wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs fn until it succeeds, fails with an error retryable rejects, or
// the retry budget is spent. The last error from fn is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, p, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || retryable == nil || !retryable(err) {
			return v, err
		}

		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, err)
		}
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return v, err
		}
	}
}
