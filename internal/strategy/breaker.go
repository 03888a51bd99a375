package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"golb/internal/config"
)

// CBState is the tagged union of circuit-breaker states.
type CBState int32

const (
	StateClosed CBState = iota
	StateOpen
	StateHalfOpen
)

func (s CBState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards one backend. Transitions are the only allowed
// state changes; a mutex serializes the read-modify-write of a transition
// so concurrent successes/failures interleave but every observed state is
// reachable from the previous one by exactly one legal transition.
type CircuitBreaker struct {
	cfg config.CircuitBreakerCfg

	mu        sync.Mutex
	state     atomic.Int32
	failCount atomic.Int32
	openUntil atomic.Int64 // UnixNano
}

// NewCircuitBreaker creates a breaker in the initial CLOSED state.
func NewCircuitBreaker(cfg config.CircuitBreakerCfg) *CircuitBreaker {
	if cfg.FailThreshold < 1 {
		cfg.FailThreshold = 3
	}
	if cfg.OpenTime <= 0 {
		cfg.OpenTime = 5 * time.Second
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current state without performing the OPEN→HALF_OPEN
// cooldown check (use Allow for that).
func (cb *CircuitBreaker) State() CBState { return CBState(cb.state.Load()) }

// FailCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailCount() int { return int(cb.failCount.Load()) }

// Allow reports whether a selection attempt may use this backend right
// now. CLOSED and HALF_OPEN always allow. OPEN allows only once the
// cooldown has elapsed, and, as a side effect, transitions the breaker
// to HALF_OPEN before returning true.
func (cb *CircuitBreaker) Allow() bool {
	switch CBState(cb.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if CBState(cb.state.Load()) != StateOpen {
			// Another goroutine already moved it past OPEN while we waited
			// for the lock; re-evaluate under the fresh state.
			return cb.Allow()
		}
		if time.Now().UnixNano() >= cb.openUntil.Load() {
			cb.state.Store(int32(StateHalfOpen))
			cb.failCount.Store(0)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful forward. CLOSED stays CLOSED with
// fail_count reset to 0; HALF_OPEN transitions to CLOSED.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount.Store(0)
	if CBState(cb.state.Load()) == StateHalfOpen {
		cb.state.Store(int32(StateClosed))
	}
}

// RecordFailure reports a failed forward. CLOSED increments fail_count and
// trips to OPEN once the threshold is reached; HALF_OPEN goes straight
// back to OPEN with a refreshed cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch CBState(cb.state.Load()) {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		f := cb.failCount.Add(1)
		if int(f) >= cb.cfg.FailThreshold {
			cb.trip()
		}
	case StateOpen:
		// Concurrent probe failing again while already OPEN: refresh the
		// cooldown so a stampede of failures doesn't let it expire early.
		cb.trip()
	}
}

// trip must be called with cb.mu held; it sets state=OPEN and refreshes
// open_until.
func (cb *CircuitBreaker) trip() {
	cb.state.Store(int32(StateOpen))
	cb.openUntil.Store(time.Now().Add(cb.cfg.OpenTime).UnixNano())
}

// Reset forces the breaker back to CLOSED with fail_count=0, regardless of
// its prior state. Used by the admin reset endpoint; the health checker
// never calls it.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(int32(StateClosed))
	cb.failCount.Store(0)
	cb.openUntil.Store(0)
}
