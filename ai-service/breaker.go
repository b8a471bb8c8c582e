package main

import (
	"sync/atomic"
	"time"
)

type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds load from the model backend when it keeps failing.
// After threshold consecutive failures the circuit opens; once the cooldown
// elapses a single probe is let through, and its outcome decides whether the
// circuit closes again.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos of the transition to open
}

func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the cooldown has passed, admitting the probe call.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if time.Since(opened) >= cb.cooldown {
			cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb.State() == CircuitBreakerHalfOpen {
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt.Store(time.Now().UnixNano())
	cb.state.Store(int32(CircuitBreakerOpen))
}
