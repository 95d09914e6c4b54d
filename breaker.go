package main

import (
	"errors"
	"sync"
	"time"
)

// errBreakerOpen is returned without invoking the wrapped operation while
// the breaker cooldown is running.
var errBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// circuitBreaker guards the PBX control-plane connection. After threshold
// consecutive failures it rejects operations for cooldown, then admits a
// single trial.
type circuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trial     bool
	now       func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn under the breaker policy.
func (b *circuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return errBreakerOpen
		}
		// cooldown elapsed, admit one trial
		b.state = breakerHalfOpen
		b.trial = true
	case breakerHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return errBreakerOpen
		}
		b.trial = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if err != nil {
		b.failures++
		if b.state == breakerHalfOpen || b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
		return err
	}
	b.state = breakerClosed
	b.failures = 0
	return nil
}

// State reports the current breaker state.
func (b *circuitBreaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
