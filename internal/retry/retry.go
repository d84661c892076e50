// Package retry provides the retry policy used by the realtime reconnect loop
// and a marker for errors that must never be retried.
package retry

import (
	"errors"
	"math"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the retry budget: the number of retries allowed after
	// the initial attempt fails. Zero disables retrying.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Factor is the multiplier applied per retry. 1 yields a fixed delay.
	Factor float64
}

// DefaultConfig returns the reconnect policy of the chat client:
// five retries, five seconds apart, no exponential growth.
func DefaultConfig() Config {
	return Linear(5, 5*time.Second)
}

// Linear creates a config for fixed-delay retries.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
	}
}

// Allows reports whether retry number attempt (1-indexed) fits the budget.
func (c Config) Allows(attempt int) bool {
	return attempt >= 1 && attempt <= c.MaxAttempts
}

// Delay returns the wait before retry number attempt (1-indexed).
func (c Config) Delay(attempt int) time.Duration {
	return Backoff(attempt, c.InitialDelay, c.MaxDelay, c.Factor)
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff calculates the backoff duration for a given attempt.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
