// Package retry provides bounded-backoff retries driven by the faults
// taxonomy: auth and terminal faults stop immediately, rate-limit faults
// wait on a slower schedule, everything else uses the default backoff.
package retry

import (
	"context"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

// DefaultBackoff is the default set of delays between retry attempts.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// RateLimitBackoff is the slower schedule used when an attempt fails with
// a rate-limit fault.
var RateLimitBackoff = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}

type options struct {
	maxAttempts      int
	backoff          []time.Duration
	rateLimitBackoff []time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts (including first try).
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. If fewer delays than
// attempts are provided, the last delay is reused.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

// WithRateLimitBackoff sets the delays used after rate-limited attempts.
func WithRateLimitBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.rateLimitBackoff = delays }
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts:      3,
		backoff:          DefaultBackoff,
		rateLimitBackoff: RateLimitBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Do executes fn, retrying on failure. It stops when fn returns nil, an
// auth or terminal fault, or the context is cancelled. Returns the last
// error on exhaustion.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var lastErr error
	var zero T
	for attempt := range o.maxAttempts {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		switch faults.KindOf(err) {
		case faults.KindAuth, faults.KindTerminal:
			return zero, err
		}

		// Don't sleep after the last attempt.
		if attempt < o.maxAttempts-1 {
			delay := backoffDelay(o.backoff, attempt)
			if faults.KindOf(err) == faults.KindRateLimit {
				delay = backoffDelay(o.rateLimitBackoff, attempt)
			}
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

// backoffDelay returns the delay for the given attempt index. If the index
// exceeds the backoff slice, the last delay is reused.
func backoffDelay(backoff []time.Duration, attempt int) time.Duration {
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
