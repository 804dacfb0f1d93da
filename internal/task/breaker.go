package task

import (
	"sync"
	"time"

	"github.com/phrazzld/genq/internal/generation"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

// Possible breaker states
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the conventional upper-case name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards one provider. Every method holds the breaker's mutex
// for the whole check-and-update, so concurrent workers observe a single
// sequence of state changes.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	// onChange is called with the new state, outside the lock
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a CLOSED breaker. A nil clock uses time.Now.
func NewCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Allow reports whether a call may proceed. While OPEN it returns
// generation.ErrCircuitOpen until the cooldown has elapsed, then moves to
// HALF_OPEN and admits exactly one trial call. Every admitted call must be
// followed by RecordSuccess, RecordFailure, Trip or Release.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	changed := false
	defer func() {
		state := b.state
		b.mu.Unlock()
		if changed {
			b.notify(state)
		}
	}()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return generation.ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		changed = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return generation.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and zeroes the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	changed := b.state != BreakerClosed
	b.state = BreakerClosed
	b.failures = 0
	b.trialInFlight = false
	b.mu.Unlock()

	if changed {
		b.notify(BreakerClosed)
	}
}

// RecordFailure counts a failure. In CLOSED the breaker opens once the
// counter reaches the threshold; a failed HALF_OPEN trial reopens it and
// restarts the cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	changed := false
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.trialInFlight = false
		changed = true
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			changed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(BreakerOpen)
	}
}

// Trip forces the breaker OPEN regardless of the counter.
func (b *CircuitBreaker) Trip() {
	b.mu.Lock()
	changed := b.state != BreakerOpen
	b.state = BreakerOpen
	b.lastFailure = b.now()
	b.trialInFlight = false
	if b.failures < b.threshold {
		b.failures = b.threshold
	}
	b.mu.Unlock()

	if changed {
		b.notify(BreakerOpen)
	}
}

// Release returns an admitted call that never reached the provider without
// counting it either way.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) notify(state BreakerState) {
	if b.onChange != nil {
		b.onChange(state)
	}
}
