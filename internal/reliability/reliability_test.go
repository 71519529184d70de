// Copyright 2025 James Ross
package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	})
	fail := func() error { return errBoom }
	succeed := func() error { return nil }

	// Three failures open the breaker.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errBoom)
	}
	assert.Equal(t, Open, cb.State())

	// Open short-circuits without invoking the closure.
	invoked := false
	err := cb.Execute(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	// After the reset timeout the next call probes half-open.
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, HalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, Closed, cb.State())

	// The cycle restarts on subsequent failures.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	assert.Equal(t, Open, cb.State())
	assert.Equal(t, uint64(2), cb.Trips())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, Open, cb.State())
	time.Sleep(50 * time.Millisecond)
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, Open, cb.State())
}

func TestBreakerRegistryIndependentKeys(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})
	_ = r.Get("a").Execute(func() error { return errBoom })
	assert.Equal(t, Open, r.Get("a").State())
	assert.Equal(t, Closed, r.Get("b").State())
	assert.Same(t, r.Get("a"), r.Get("a"))
}

func TestRetryExponentialBackoff(t *testing.T) {
	r, err := NewRetryer(RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  2,
		Strategy:    Exponential,
	})
	require.NoError(t, err)

	calls := 0
	start := time.Now()
	err = r.Do(context.Background(), func() error {
		calls++
		if calls < 4 {
			return errBoom
		}
		return nil
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	// 10 + 20 + 40 ms of delays at minimum.
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r, err := NewRetryer(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: Fixed})
	require.NoError(t, err)
	calls := 0
	err = r.Do(context.Background(), func() error { calls++; return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryShouldRetryGates(t *testing.T) {
	r, err := NewRetryer(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Strategy:    Fixed,
		ShouldRetry: func(err error) bool { return false },
	})
	require.NoError(t, err)
	calls := 0
	err = r.Do(context.Background(), func() error { calls++; return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetryDelays(t *testing.T) {
	fixed, _ := NewRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Strategy: Fixed})
	assert.Equal(t, 10*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 10*time.Millisecond, fixed.Delay(4))

	exp, _ := NewRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 2, Strategy: Exponential})
	assert.Equal(t, 10*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 20*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 40*time.Millisecond, exp.Delay(3))

	fib, _ := NewRetryer(RetryConfig{MaxAttempts: 8, BaseDelay: 10 * time.Millisecond, Strategy: Fibonacci})
	assert.Equal(t, 10*time.Millisecond, fib.Delay(1))
	assert.Equal(t, 10*time.Millisecond, fib.Delay(2))
	assert.Equal(t, 20*time.Millisecond, fib.Delay(3))
	assert.Equal(t, 30*time.Millisecond, fib.Delay(4))
	assert.Equal(t, 50*time.Millisecond, fib.Delay(5))
}

func TestRetryJitterStaysWithinBand(t *testing.T) {
	r, _ := NewRetryer(RetryConfig{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, Strategy: Fixed, Jitter: true})
	for i := 0; i < 50; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestRetryInvalidConfig(t *testing.T) {
	_, err := NewRetryer(RetryConfig{MaxAttempts: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPolicyBreakerFirstCoversAllRetries(t *testing.T) {
	cfg := PolicyConfig{
		EnableBreaker: true,
		EnableRetry:   true,
		BreakerFirst:  true,
		Breaker:       BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute},
		Retry:         RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: Fixed},
	}
	p, err := NewPolicy(cfg)
	require.NoError(t, err)

	calls := 0
	err = p.Execute(context.Background(), func() error { calls++; return errBoom })
	assert.ErrorIs(t, err, errBoom)
	// One logical breaker call wraps the whole retry loop.
	assert.Equal(t, 3, calls)
	assert.Equal(t, Open, p.Breaker().State())
}

func TestPolicyRetryFirstConsultsBreakerPerAttempt(t *testing.T) {
	cfg := PolicyConfig{
		EnableBreaker: true,
		EnableRetry:   true,
		BreakerFirst:  false,
		Breaker:       BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute},
		Retry:         RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, Strategy: Fixed},
	}
	p, err := NewPolicy(cfg)
	require.NoError(t, err)

	calls := 0
	err = p.Execute(context.Background(), func() error { calls++; return errBoom })
	// The breaker opens after two attempts; later attempts short-circuit.
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestPolicyTimeout(t *testing.T) {
	cfg := PolicyConfig{Timeout: 30 * time.Millisecond}
	p, err := NewPolicy(cfg)
	require.NoError(t, err)

	start := time.Now()
	err = p.Execute(context.Background(), func() error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
