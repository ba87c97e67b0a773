package revocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retries for revocation requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry.
	Multiplier float64
	// Jitter is the relative randomization of each delay, between 0 and 1.
	Jitter float64
	// OnRetry is called before each retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns exponential backoff with three attempts.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (c *RetryConfig) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		r := d * c.Jitter
		d = d - r + rand.Float64()*2*r
	}
	return time.Duration(d)
}

// permanentError marks a failure that another attempt cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p permanentError
	return !errors.As(err, &p)
}

// Attempts records what Retry did.
type Attempts struct {
	Count  int
	Errors []error
}

// Err combines the attempt errors, or returns nil.
func (a *Attempts) Err() error {
	if len(a.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(a.Errors))
	for i, err := range a.Errors {
		errs[i] = fmt.Errorf("attempt %d: %w", i+1, err)
	}
	return errors.Join(errs...)
}

// Retry calls fn until it succeeds, fails permanently, the context ends or
// the attempts are used up.
func Retry[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *Attempts) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	max := cfg.MaxAttempts
	if max < 1 {
		max = 1
	}
	var zero T
	res := &Attempts{}
	for attempt := 1; attempt <= max; attempt++ {
		res.Count = attempt
		v, err := fn(ctx)
		if err == nil {
			res.Errors = nil
			return v, res
		}
		res.Errors = append(res.Errors, err)
		if attempt == max || !retryable(err) {
			break
		}
		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, d)
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Errors = append(res.Errors, ctx.Err())
			return zero, res
		case <-t.C:
		}
	}
	return zero, res
}

// FirstOf tries each URL in order, with retries, and returns the first success.
func FirstOf[T any](ctx context.Context, cfg *RetryConfig, urls []string, fn func(ctx context.Context, url string) (T, error)) (T, error) {
	var zero T
	var errs []error
	for _, u := range urls {
		v, res := Retry(ctx, cfg, func(ctx context.Context) (T, error) { return fn(ctx, u) })
		if res.Err() == nil {
			return v, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", u, res.Err()))
		if ctx.Err() != nil {
			break
		}
	}
	return zero, errors.Join(errs...)
}
