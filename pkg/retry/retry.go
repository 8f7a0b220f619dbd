// Package retry provides exponential backoff with jitter and retryability
// classification for operations against external platforms.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior for a single operation.
//
//nolint:govet // Struct layout optimization not critical for this use case
type Config struct {
	Retries     int           // Maximum number of retry attempts after the first try
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Cap on the computed backoff delay
	Factor      float64       // Multiplier for exponential backoff
	JitterRatio float64       // Fraction of the raw delay added as random jitter

	// ShouldRetry decides whether err on the given attempt is retryable.
	// Defaults to DefaultShouldRetry.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep suspends between attempts. Defaults to a context-aware timer.
	// Injected by tests and by the worker's clock.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0,1) for jitter. Defaults to math/rand.
	Rand func() float64
}

// DefaultConfig provides reasonable defaults for platform calls.
//
//nolint:gochecknoglobals // Shared defaults, copied by value at use sites
var DefaultConfig = Config{
	Retries:     3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    15 * time.Second,
	Factor:      2.0,
	JitterRatio: 0.2,
}

// RetryableError lets errors declare whether they should be retried.
type RetryableError interface {
	error
	Retryable() bool
}

// StatusError lets errors expose an HTTP status code.
type StatusError interface {
	error
	HTTPStatus() int
}

// Exhausted wraps the final error when retries were exceeded while the last
// failure was still retryable. Downstream uses it to route to the DLQ.
type Exhausted struct {
	Err      error
	Attempts int
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Exhausted) Unwrap() error { return e.Err }

// IsExhausted reports whether err carries the retry-exhausted marker.
func IsExhausted(err error) bool {
	var ex *Exhausted
	return errors.As(err, &ex)
}

// Network error substrings considered transient.
//
//nolint:gochecknoglobals // Fixed classifier table
var transientCodes = []string{
	"ECONNRESET", "ETIMEDOUT", "ECONNREFUSED", "EPIPE", "ENOTFOUND",
}

// DefaultShouldRetry classifies an error as retryable when it declares
// itself retryable, carries HTTP 429 or a 5xx status, or matches one of the
// transient network codes.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	var se StatusError
	if errors.As(err, &se) {
		status := se.HTTPStatus()
		return status == 429 || status >= 500
	}

	msg := err.Error()
	for _, code := range transientCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Delay computes the backoff delay for retry attempt n (1-based):
// min(MaxDelay, BaseDelay * Factor^(n-1)) plus JitterRatio·random·raw.
func (c *Config) Delay(attempt int, random float64) time.Duration {
	raw := time.Duration(float64(c.BaseDelay) * math.Pow(c.Factor, float64(attempt-1)))
	if raw > c.MaxDelay {
		raw = c.MaxDelay
	}
	jitter := time.Duration(c.JitterRatio * random * float64(raw))
	return raw + jitter
}

// Do runs op with the configured retry policy. The total number of attempts
// never exceeds Retries+1. The final error is wrapped in *Exhausted when the
// budget ran out on a retryable failure.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	random := cfg.Rand
	if random == nil {
		random = rand.Float64
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt, random())
			if cfg.OnRetry != nil {
				cfg.OnRetry(lastErr, attempt, delay)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err, attempt) {
			return zero, err
		}
	}

	return zero, &Exhausted{Err: lastErr, Attempts: cfg.Retries + 1}
}
