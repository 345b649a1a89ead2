package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (zero based) may be followed by another one
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the number of retries after the first attempt
	MaxRetries() int
	// NextDelay calculates the wait after the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff waits InitialInterval * Multiplier^attempt between attempts
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

type retryOptions struct {
	op      string
	sleep   SleepFunc
	onRetry func(attempt int, delay time.Duration, err error)
}

// RetryOption configures a single Retry call
type RetryOption func(*retryOptions)

// WithOperation names the operation in the returned RetryError
func WithOperation(op string) RetryOption {
	return func(o *retryOptions) {
		o.op = op
	}
}

// WithSleep replaces the timer based wait between attempts
func WithSleep(sleep SleepFunc) RetryOption {
	return func(o *retryOptions) {
		o.sleep = sleep
	}
}

// WithOnRetry registers a callback invoked before each wait
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(o *retryOptions) {
		o.onRetry = fn
	}
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done.
// fn receives the zero based attempt number. A failed run returns a *RetryError
// wrapping the last error; context cancellation returns ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error, opts ...RetryOption) error {
	o := retryOptions{
		op:    "operation",
		sleep: Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Op:          o.op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}

		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether err should be retried. Errors are retryable
// unless something in their chain says otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	switch {
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, context.Canceled):
		return false
	}

	return true
}

// RetryableError wraps an error to mark whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// Transient marks err as retryable
func Transient(err error) error {
	return RetryableError{Err: err, Retryable: true}
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
