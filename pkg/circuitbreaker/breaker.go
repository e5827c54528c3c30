// Package circuitbreaker stops calling a failing backend for a while so that
// callers fail fast instead of queueing behind timeouts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// MaxRequests probes are let through while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// IsFailure classifies errors. By default every non-nil error counts.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

type Counts struct {
	Requests            uint32
	ConsecutiveFailures uint32
	TotalFailures       uint32
}

type CircuitBreaker struct {
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "store"
	}
	if st.MaxFailures == 0 {
		st.MaxFailures = 5
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{settings: st, now: time.Now}
}

func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn unless the breaker is open. A panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, true)
			panic(e)
		}
	}()
	err = fn()
	cb.afterRequest(generation, cb.settings.IsFailure(err))
	return err
}

// SetStateHook replaces the OnStateChange callback.
func (cb *CircuitBreaker) SetStateHook(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.settings.OnStateChange = fn
	cb.mu.Unlock()
}

// ForceHalfOpen lets the next request probe the backend immediately.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.setState(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		return cb.generation, ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.settings.MaxRequests {
			return cb.generation, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.now())
	if generation != cb.generation {
		return
	}
	if !failed {
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}
	cb.counts.ConsecutiveFailures++
	cb.counts.TotalFailures++
	if state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.settings.MaxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.counts = Counts{}
	if state == StateOpen {
		cb.openUntil = cb.now().Add(cb.settings.Timeout)
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, prev, state)
	}
}
