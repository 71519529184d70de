// Copyright 2025 James Ross
package reliability

import (
	"context"
	"time"
)

// PolicyConfig composes the breaker and retry building blocks around a
// call. With BreakerFirst true the breaker wraps the whole retry loop
// (one logical call covers all attempts); with false every attempt
// consults the breaker independently.
type PolicyConfig struct {
	EnableBreaker bool          `json:"enable_breaker"`
	EnableRetry   bool          `json:"enable_retry"`
	BreakerFirst  bool          `json:"breaker_first"`
	Timeout       time.Duration `json:"timeout"`
	Breaker       BreakerConfig `json:"breaker"`
	Retry         RetryConfig   `json:"retry"`
}

// DefaultPolicyConfig enables both blocks, breaker outermost.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EnableBreaker: true,
		EnableRetry:   true,
		BreakerFirst:  true,
		Breaker:       DefaultBreakerConfig(),
		Retry:         DefaultRetryConfig(),
	}
}

// Policy is a reusable fault-tolerance wrapper. The zero timeout means
// no deadline layer.
type Policy struct {
	cfg     PolicyConfig
	breaker *CircuitBreaker
	retryer *Retryer
}

// NewPolicy validates and assembles the composition.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{cfg: cfg}
	if cfg.EnableBreaker {
		if err := cfg.Breaker.Validate(); err != nil {
			return nil, err
		}
		p.breaker = NewCircuitBreaker(cfg.Breaker)
	}
	if cfg.EnableRetry {
		r, err := NewRetryer(cfg.Retry)
		if err != nil {
			return nil, err
		}
		p.retryer = r
	}
	return p, nil
}

// NewPolicyWithBreaker shares an existing breaker (e.g. one per handler
// from a registry) instead of a private one.
func NewPolicyWithBreaker(cfg PolicyConfig, cb *CircuitBreaker) (*Policy, error) {
	p, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.EnableBreaker && cb != nil {
		p.breaker = cb
	}
	return p, nil
}

// Breaker exposes the composed breaker, nil when disabled.
func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// Execute runs fn through the composed stack.
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	call := fn
	switch {
	case p.breaker != nil && p.retryer != nil && p.cfg.BreakerFirst:
		call = func() error {
			return p.breaker.Execute(func() error {
				return p.retryer.Do(ctx, fn)
			})
		}
	case p.breaker != nil && p.retryer != nil:
		call = func() error {
			return p.retryer.Do(ctx, func() error {
				return p.breaker.Execute(fn)
			})
		}
	case p.breaker != nil:
		call = func() error { return p.breaker.Execute(fn) }
	case p.retryer != nil:
		call = func() error { return p.retryer.Do(ctx, fn) }
	}
	if p.cfg.Timeout <= 0 {
		return call()
	}
	return withTimeout(ctx, p.cfg.Timeout, call)
}

// withTimeout abandons the pending result once the deadline passes; the
// closure keeps running on its goroutine and its outcome is discarded.
func withTimeout(ctx context.Context, d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
