// Copyright 2025 James Ross
package reliability

import (
	"sync"
	"time"
)

// BreakerState is the three-state breaker lifecycle.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// DefaultBreakerConfig matches the fabric defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 || c.SuccessThreshold < 1 || c.ResetTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// CircuitBreaker guards a closure with consecutive-count thresholds.
// Closed passes calls through and opens at FailureThreshold consecutive
// failures. Open short-circuits with ErrCircuitOpen; after ResetTimeout
// the next call moves to HalfOpen and is allowed. HalfOpen closes after
// SuccessThreshold consecutive successes; any failure re-opens.
type CircuitBreaker struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	state          BreakerState
	failures       int
	successes      int
	lastTransition time.Time
	trips          uint64
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed, lastTransition: time.Now()}
}

// State returns the current state. The Open -> HalfOpen reset transition
// is not applied here; it happens on the next guarded call once the
// timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trips returns how many times the breaker transitioned to Open.
func (cb *CircuitBreaker) Trips() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Counters returns the consecutive failure and success counts.
func (cb *CircuitBreaker) Counters() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// allow decides whether the next call may proceed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cfg.ResetTimeout {
			cb.transitionLocked(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if ok {
		cb.failures = 0
		cb.successes++
		if cb.state == HalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(Closed)
		}
		return
	}
	cb.successes = 0
	cb.failures++
	switch cb.state {
	case HalfOpen:
		cb.transitionLocked(Open)
	case Closed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(Open)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState) {
	if next != cb.state {
		if next == Open {
			cb.trips++
		}
		cb.state = next
		cb.lastTransition = time.Now()
		cb.failures = 0
		cb.successes = 0
	}
}

// Execute guards fn. In Open state fn is never invoked.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

// BreakerRegistry keeps one independent breaker per key.
type BreakerRegistry struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry builds a registry stamping cfg onto new breakers.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: map[string]*CircuitBreaker{}}
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.cfg)
	r.breakers[key] = cb
	return cb
}

// States snapshots every breaker's state by key.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for k, cb := range r.breakers {
		out[k] = cb.State()
	}
	return out
}
