// Package resilience guards calls to external collaborators.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state machine position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	DefaultThreshold    = 3
	DefaultResetTimeout = 60 * time.Second
)

// Breaker trips after threshold consecutive failures and lets one trial call
// through once resetTimeout has elapsed since the last failure.
type Breaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        State
	now          func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// DefaultThreshold and DefaultResetTimeout.
func NewBreaker(name string, threshold int, resetTimeout time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        Closed,
		now:          now,
	}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen when
// the reset timeout has passed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.lastFailure) >= b.resetTimeout {
			b.state = HalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
