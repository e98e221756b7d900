package platform

import (
	"sync"
	"sync/atomic"
	"time"
)

// breakerState mirrors the closed/open/half-open machine. Generalized from
// infra/telegram/connection.Manager's generation-channel design (an
// openable/closable gate per state generation) to a pure, Telegram-API-
// agnostic circuit breaker usable by any outbound HTTP client.
type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker counts consecutive failures and, once threshold is
// reached, opens for resetTimeout before allowing a single half-open probe.
type circuitBreaker struct {
	threshold    int
	resetTimeout time.Duration

	state atomic.Int32 // breakerState

	mu            sync.Mutex
	failures      int
	openedAt      time.Time
	halfOpenInUse bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// allow reports whether a call may proceed, transitioning open->half-open
// once resetTimeout has elapsed. Only one caller is admitted as the
// half-open probe at a time.
func (b *circuitBreaker) allow() bool {
	switch breakerState(b.state.Load()) {
	case stateClosed:
		return true
	case stateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default: // stateOpen
		b.mu.Lock()
		elapsed := time.Since(b.openedAt) >= b.resetTimeout
		b.mu.Unlock()
		if !elapsed {
			return false
		}
		if b.state.CompareAndSwap(int32(stateOpen), int32(stateHalfOpen)) {
			b.mu.Lock()
			b.halfOpenInUse = true
			b.mu.Unlock()
			return true
		}
		return false
	}
}

// recordSuccess closes the circuit; a single half-open success is enough.
func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.halfOpenInUse = false
	b.mu.Unlock()
	b.state.Store(int32(stateClosed))
}

// recordFailure increments the consecutive-failure counter and opens the
// circuit once threshold is reached (or immediately re-opens from
// half-open).
func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if breakerState(b.state.Load()) == stateHalfOpen {
		b.halfOpenInUse = false
		b.openedAt = time.Now()
		b.state.Store(int32(stateOpen))
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
		b.state.Store(int32(stateOpen))
	}
}

func (b *circuitBreaker) snapshot() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s string
	switch breakerState(b.state.Load()) {
	case stateClosed:
		s = "closed"
	case stateOpen:
		s = "open"
	case stateHalfOpen:
		s = "half-open"
	}
	return s, b.failures
}

func (b *circuitBreaker) reset() {
	b.mu.Lock()
	b.failures = 0
	b.halfOpenInUse = false
	b.mu.Unlock()
	b.state.Store(int32(stateClosed))
}
