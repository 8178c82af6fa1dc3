// Package breaker implements a minimal three-state circuit breaker used to
// isolate failures in one external dependency (KMS signing, NEAR RPC) from
// the rest of the relayer. No corpus example ships a circuit breaker
// library, so this is hand-rolled atop sync.Mutex rather than imported.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's current disposition toward new calls.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state for metrics labels and logs.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker trips open after FailureThreshold consecutive failures. Once
// ResetTimeout has elapsed, Allow moves it to half-open and lets calls
// through; the next recorded Success closes it and the next Failure reopens
// it. Half-open does not limit how many calls pass before that outcome is
// recorded. It is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	state       State
	failures    int
	openedAt    time.Time
	onStateChange func(State)
}

// New constructs a Breaker. now defaults to time.Now when nil; onStateChange
// is optional and is invoked outside the internal lock whenever the state
// transitions, for metrics and logging.
func New(failureThreshold int, resetTimeout time.Duration, now func() time.Time, onStateChange func(State)) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              now,
		onStateChange:    onStateChange,
	}
}

// Allow reports whether a call may proceed, transitioning Open to HalfOpen
// once the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrOpen
		}
		b.setState(HalfOpen)
		return nil
	default:
		return nil
	}
}

// Success records a successful call, closing the breaker and resetting the
// failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != Closed {
		b.setState(Closed)
	}
}

// Failure records a failed call. A failure while half-open reopens the
// breaker immediately rather than waiting for the threshold again, since a
// half-open trial failing is a strong signal the dependency is still down.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.openedAt = b.now()
		b.setState(Open)
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.openedAt = b.now()
		b.setState(Open)
		b.failures = 0
	}
}

// State reports the breaker's current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with mu held. The callback runs on its own
// goroutine so it can safely call back into the breaker without deadlocking
// on mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if cb := b.onStateChange; cb != nil {
		go cb(s)
	}
}
