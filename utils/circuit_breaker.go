package utils

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests when circuit breaker is half open")
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
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("unknown state: %d", int(s))
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Settings tunes a CircuitBreaker. Zero values take the defaults.
type Settings struct {
	// MinRequests is how many calls a window needs before it may trip.
	MinRequests uint32
	// MaxHalfOpen is how many trial calls pass while half open.
	MaxHalfOpen  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	// IsFailure decides which errors count against the breaker.
	IsFailure func(err error) bool
	Now       func() time.Time
}

// CircuitBreaker stops calling a dependency that keeps failing and probes it
// again after Timeout.
type CircuitBreaker struct {
	name         string
	minRequests  uint32
	maxHalfOpen  uint32
	interval     time.Duration
	timeout      time.Duration
	failureRatio float64
	isFailure    func(err error) bool
	now          func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(name string, st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		minRequests:  st.MinRequests,
		maxHalfOpen:  st.MaxHalfOpen,
		interval:     st.Interval,
		timeout:      st.Timeout,
		failureRatio: st.FailureRatio,
		isFailure:    st.IsFailure,
		now:          st.Now,
	}
	if cb.minRequests == 0 {
		cb.minRequests = 20
	}
	if cb.maxHalfOpen == 0 {
		cb.maxHalfOpen = 1
	}
	if cb.interval == 0 {
		cb.interval = 60 * time.Second
	}
	if cb.timeout == 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.failureRatio == 0 {
		cb.failureRatio = 0.6
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// Execute runs req unless the breaker is open.
func Execute[T any](cb *CircuitBreaker, req func() (T, error)) (T, error) {
	var zero T
	generation, err := cb.beforeRequest()
	if err != nil {
		return zero, fmt.Errorf("%s: %w", cb.name, err)
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, !cb.isFailure(err))
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())
	if state == StateOpen {
		return generation, ErrOpenState
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxHalfOpen {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.maxHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.readyToTrip() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	return cb.counts.Requests >= cb.minRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.failureRatio
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.toNewGeneration(now)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.interval)
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = time.Time{}
	}
}
