package gatepass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackendDown = errors.New("connection refused")

func failing() error { return errBackendDown }
func healthy() error { return nil }

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) record(from, to CircuitBreakerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, string(from)+"->"+string(to))
}

func TestBreaker_Lifecycle(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	log := &transitionLog{}
	b := NewBreaker(BreakerConfig{
		Threshold:     3,
		ResetTimeout:  time.Minute,
		OnStateChange: log.record,
		Now:           clock.Now,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing), errBackendDown)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(ctx, failing), errBackendDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not reach the backend")

	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed probe re-opens for a full timeout
	assert.ErrorIs(t, b.Execute(ctx, failing), errBackendDown)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(30 * time.Second)

	require.NoError(t, b.Execute(ctx, healthy))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->open",
		"open->half_open",
		"half_open->closed",
	}, log.seen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	require.NoError(t, b.Execute(ctx, healthy))
	_ = b.Execute(ctx, failing)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, failing)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SingleProbe(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 1, ResetTimeout: time.Second, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	assert.ErrorIs(t, b.Execute(ctx, healthy), ErrCircuitOpen, "only one probe at a time")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(ctx, healthy))
}

func TestBreaker_CanceledCallsAreNeutral(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Execute(ctx, healthy), context.Canceled)

	err := b.Execute(context.Background(), func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Defaults(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	assert.Equal(t, StateClosed, b.State())
	_ = b.Execute(ctx, failing)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}
