// Package circuitbreaker implements a per-provider circuit breaker with
// consecutive-failure detection. It short-circuits requests to known-bad
// providers, reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	RecoveryTimeout  time.Duration // time in OPEN before probing
	SuccessThreshold int           // consecutive probe successes to close
	MaxTimeout       time.Duration // cap for the doubling recovery timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		MaxTimeout:       10 * time.Minute,
	}
}

// Breaker is a per-provider circuit breaker state machine.
//
// Closed trips to open after FailureThreshold consecutive failures. Open
// rejects until the current recovery timeout elapses, then half-open admits
// probes: SuccessThreshold consecutive successes close the breaker, while a
// single failure reopens it and doubles the timeout (bounded by MaxTimeout).
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int           // consecutive failures while closed
	probes   int           // successful probes while half-open
	timeout  time.Duration // current recovery timeout
	openedAt time.Time
	lastUsed time.Time // for stale eviction
}

// NewBreaker creates a closed breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 10 * time.Minute
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		timeout:  cfg.RecoveryTimeout,
		lastUsed: time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observedState(time.Now())
}

// observedState folds the open->half_open timer into the reported state.
// Callers must hold b.mu.
func (b *Breaker) observedState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.timeout {
		b.state = StateHalfOpen
		b.probes = 0
	}
	return b.state
}

// Allow checks whether a request should be allowed through.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.observedState(now) {
	case StateClosed, StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.observedState(now) {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.timeout = b.cfg.RecoveryTimeout
		}
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.observedState(now) {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		// A failed probe reopens with a doubled timeout.
		b.timeout = min(b.timeout*2, b.cfg.MaxTimeout)
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.probes = 0
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
