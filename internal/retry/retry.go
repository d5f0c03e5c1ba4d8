// Package retry wraps operations against flaky collaborators with
// exponential backoff and jitter. It composes with the rate limiter: a call
// is typically submitted as limiter.Execute(ctx, pri, func(ctx) { return
// retry.Do(ctx, opts, fn) }).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Options controls the backoff schedule.
type Options struct {
	MaxRetries    int           // retries after the first attempt (default 3)
	BaseDelay     time.Duration // delay before the first retry (default 1s)
	MaxDelay      time.Duration // cap on the computed delay (default 12s)
	BackoffFactor float64       // growth per attempt (default 2)
	MaxJitter     time.Duration // random extra delay per wait (default 500ms)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      12 * time.Second,
		BackoffFactor: 2,
		MaxJitter:     500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 1 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 12 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	return o
}

// TransientError marks a failure worth retrying: rate-limit responses and
// 5xx-class upstream errors. RetryAfter, when set from an explicit server
// hint, overrides the computed backoff delay for the next attempt.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ExhaustedError wraps the final failure after all attempts were consumed.
// Callers must treat it as temporary unavailability, distinct from the
// underlying error type.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retryable reports whether err should trigger another attempt.
// Non-retryable errors propagate immediately without consuming a retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"too many requests",
		"status 429",
		"status 5",
		"timeout",
		"temporarily unavailable",
		"connection refused",
		"connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do invokes op until it succeeds, fails non-retryably, or the attempt
// budget (MaxRetries+1) runs out, in which case the last failure is wrapped
// in *ExhaustedError.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	attempts := opts.MaxRetries + 1
	delay := opts.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := delay
		var te *TransientError
		if errors.As(lastErr, &te) && te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		if opts.MaxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(opts.MaxJitter)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * opts.BackoffFactor)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}
