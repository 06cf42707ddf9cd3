package gatepass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fastRetry = RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type permanentErr struct{}

func (permanentErr) Error() string   { return "permanent" }
func (permanentErr) Retryable() bool { return false }

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastRetry, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetry, func() (int, error) {
		calls++
		return 0, errors.New("still down")
	})

	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	_, err := Retry(context.Background(), fastRetry, func() (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("network")))
	assert.False(t, isTransient(permanentErr{}))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(context.DeadlineExceeded))
}

type floodErr struct{ wait time.Duration }

func (e floodErr) Error() string             { return "too many requests" }
func (e floodErr) Retryable() bool           { return true }
func (e floodErr) RetryDelay() time.Duration { return e.wait }

func TestRetry_WaitsRequestedDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		func() (int, error) {
			calls++
			return 0, floodErr{wait: 60 * time.Millisecond}
		})

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "backoff must honor the requested wait")
	assert.Equal(t, 2, calls)
	var flood floodErr
	assert.ErrorAs(t, err, &flood)
	assert.Equal(t, "too many requests", err.Error())
}

func TestRetry_RequestedDelayOverLimitStops(t *testing.T) {
	calls := 0
	start := time.Now()
	cfg := RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetryAfter: 10 * time.Millisecond}
	_, err := Retry(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, floodErr{wait: time.Hour}
	})

	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorAs(t, err, new(floodErr))
}

func TestRetry_RequestedDelayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Retry(ctx, RetryConfig{MaxAttempts: 3, MaxRetryAfter: time.Minute}, func() (int, error) {
		return 0, floodErr{wait: 30 * time.Second}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
