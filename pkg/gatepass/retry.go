package gatepass

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds exponential-backoff retries of outbound calls
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first (default: 3)
	MaxAttempts uint

	// InitialInterval is the first backoff delay (default: 200ms)
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay (default: 2s)
	MaxInterval time.Duration

	// MaxRetryAfter is the longest server-requested wait honored in-process.
	// A longer request ends the retries and returns the error (default: 30s).
	MaxRetryAfter time.Duration
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetryAfter:   30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = d.MaxRetryAfter
	}
	return c
}

// Retry runs op until it succeeds, returns a Permanent error, the context is
// done, or the attempts are exhausted. The last error is returned.
//
// An error carrying a RetryDelay, such as a flood-control answer, replaces the
// backoff delay with the requested wait.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	res, err := backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil {
			err = honorDelay(err, cfg.MaxRetryAfter)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
	)

	var delayed *delayedError
	if errors.As(err, &delayed) {
		err = delayed.err
	}
	return res, err
}

// delayedError carries err together with the wait backoff should use
type delayedError struct {
	err   error
	after *backoff.RetryAfterError
}

func (e *delayedError) Error() string   { return e.err.Error() }
func (e *delayedError) Unwrap() []error { return []error{e.err, e.after} }

func honorDelay(err error, limit time.Duration) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return err
	}
	var d interface{ RetryDelay() time.Duration }
	if !errors.As(err, &d) || d.RetryDelay() <= 0 {
		return err
	}
	if d.RetryDelay() > limit {
		return Permanent(err)
	}
	return &delayedError{err: err, after: &backoff.RetryAfterError{Duration: d.RetryDelay()}}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// isTransient reports whether a transport error may succeed on retry.
// Errors that do not say otherwise are treated as transient.
func isTransient(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
