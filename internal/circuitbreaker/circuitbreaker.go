// Package circuitbreaker stops repeated login attempts against an ERP
// that is down. Opening a session on a dead host can block for the full
// TCP timeout, so after enough consecutive failures the breaker trips
// and further attempts fail fast until a cool-down passes.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned in place of a session when the breaker is tripped.
var ErrOpen = errors.New("circuit breaker open")

// State of a Breaker.
type State int

// Breaker states. Closed admits everything, Open rejects everything,
// HalfOpen admits probes until SuccessThreshold of them succeed.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker tracks the health of one ERP session endpoint.
type Breaker struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	successes int // consecutive probe successes while half-open
	retryAt   time.Time
}

// New creates a closed Breaker. Zero or negative arguments fall back to
// 5 failures, 1 success, and a 30 second cool-down.
func New(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	b := &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.successThreshold <= 0 {
		b.successThreshold = 1
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Allow reports whether a session attempt may proceed. An open breaker
// whose cool-down has passed moves to half-open and admits the attempt
// as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current() != StateOpen
}

// State returns the breaker's state, applying the cool-down transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current applies the Open to HalfOpen transition. Callers hold b.mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && time.Now().After(b.retryAt) {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// RecordSuccess feeds back a successful session attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure feeds back a failed session attempt. A failure while
// half-open trips the breaker again immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// trip opens the breaker and starts the cool-down. Callers hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.successes = 0
	b.retryAt = time.Now().Add(b.cooldown)
}
