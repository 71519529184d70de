// Copyright 2025 James Ross
package boundary

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrServiceDegraded = errors.New("service degraded by error boundary")
	ErrNoFallback      = errors.New("fallback policy requires a fallback function")
	ErrUnknownService  = errors.New("unknown service")
)

// Level grades a service's operating mode. Ordering is significant:
// Normal < Limited < Minimal < Emergency.
type Level int

const (
	Normal Level = iota
	Limited
	Minimal
	Emergency
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Limited:
		return "limited"
	case Minimal:
		return "minimal"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// PolicyKind selects what a boundary does with an error.
type PolicyKind int

const (
	// FailFast propagates the error untouched.
	FailFast PolicyKind = iota
	// Isolate marks the scope degraded and surfaces ErrServiceDegraded.
	Isolate
	// Degrade escalates the degradation level after a failure threshold
	// and still propagates.
	Degrade
	// Fallback returns the fallback function's result instead.
	Fallback
)

// Fn is a guarded operation returning a value.
type Fn func() (interface{}, error)

// Config tunes a boundary scope.
type Config struct {
	Policy           PolicyKind
	FallbackFn       Fn
	DegradeThreshold int
	AutoRecover      bool
	RecoverAfter     int
}

// Boundary isolates one named scope. It tracks consecutive outcomes,
// escalates the degradation level per policy and can auto-recover after
// enough consecutive successes.
type Boundary struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu        sync.Mutex
	level     Level
	failures  int
	successes int
	isolated  bool
}

// New builds a boundary; Fallback policy demands a fallback function.
func New(name string, cfg Config, log *zap.Logger) (*Boundary, error) {
	if cfg.Policy == Fallback && cfg.FallbackFn == nil {
		return nil, ErrNoFallback
	}
	if cfg.DegradeThreshold < 1 {
		cfg.DegradeThreshold = 3
	}
	if cfg.RecoverAfter < 1 {
		cfg.RecoverAfter = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Boundary{name: name, cfg: cfg, log: log}, nil
}

// Name returns the scope name.
func (b *Boundary) Name() string { return b.name }

// Level returns the current degradation level.
func (b *Boundary) Level() Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Isolated reports whether the scope was isolated by the Isolate policy.
func (b *Boundary) Isolated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isolated
}

// Reset clears isolation and degradation.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = Normal
	b.failures = 0
	b.successes = 0
	b.isolated = false
}

// Execute guards fn with the configured policy.
func (b *Boundary) Execute(fn Fn) (interface{}, error) {
	b.mu.Lock()
	if b.isolated {
		b.mu.Unlock()
		return nil, fmt.Errorf("scope %s: %w", b.name, ErrServiceDegraded)
	}
	b.mu.Unlock()

	out, err := fn()
	if err == nil {
		b.recordSuccess()
		return out, nil
	}
	return b.handleError(out, err)
}

func (b *Boundary) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes++
	if b.cfg.AutoRecover && b.level > Normal && b.successes >= b.cfg.RecoverAfter {
		b.log.Info("boundary recovered", zap.String("scope", b.name), zap.String("from", b.level.String()))
		b.level = Normal
		b.isolated = false
		b.successes = 0
	}
}

func (b *Boundary) handleError(out interface{}, err error) (interface{}, error) {
	b.mu.Lock()
	b.successes = 0
	b.failures++
	failures := b.failures
	b.mu.Unlock()

	switch b.cfg.Policy {
	case FailFast:
		return out, err
	case Isolate:
		b.mu.Lock()
		b.isolated = true
		if b.level < Limited {
			b.level = Limited
		}
		b.mu.Unlock()
		b.log.Warn("boundary isolated scope", zap.String("scope", b.name), zap.Error(err))
		return nil, fmt.Errorf("scope %s: %w", b.name, ErrServiceDegraded)
	case Degrade:
		if failures >= b.cfg.DegradeThreshold {
			b.escalate()
		}
		return out, err
	case Fallback:
		b.log.Debug("boundary falling back", zap.String("scope", b.name), zap.Error(err))
		return b.cfg.FallbackFn()
	default:
		return out, err
	}
}

func (b *Boundary) escalate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.level < Emergency {
		b.level++
		b.failures = 0
		b.log.Warn("boundary escalated degradation",
			zap.String("scope", b.name), zap.String("level", b.level.String()))
	}
}
