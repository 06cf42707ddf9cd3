package gatepass

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker fails calls fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls into a backend that may go away.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is failing fast. A non-nil error
	// from fn counts as a backend failure.
	Execute(ctx context.Context, fn func() error) error

	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker (default: 5)
	Threshold int

	// ResetTimeout is how long the breaker stays open before admitting a probe (default: 30s)
	ResetTimeout time.Duration

	// OnStateChange is called under the breaker's lock on every transition.
	// It must not call back into the breaker.
	OnStateChange func(from, to CircuitBreakerState)

	// Now is the time source (default: time.Now)
	Now func() time.Time
}

// Breaker opens after Threshold consecutive failures and fails fast while open.
// Once ResetTimeout has passed it admits exactly one probe call; the probe's
// outcome closes the breaker or opens it for another ResetTimeout.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current reports an open breaker whose timeout ran out as half-open
// without recording a transition; admit records it when a probe starts.
func (b *Breaker) current() CircuitBreakerState {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	b.settle(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.transition(StateHalfOpen)
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch {
	case errors.Is(err, context.Canceled):
		// the caller gave up; the backend said nothing
	case err == nil:
		// a late success from before the breaker opened must not close it
		if probe || b.state == StateClosed {
			b.failures = 0
			b.transition(StateClosed)
		}
	case probe:
		b.trip()
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.Threshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.cfg.Now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to CircuitBreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
