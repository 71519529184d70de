// Copyright 2025 James Ross
package boundary

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

func failing() (interface{}, error) { return nil, errBoom }
func working() (interface{}, error) { return "ok", nil }

func TestFailFastPropagates(t *testing.T) {
	b, err := New("svc", Config{Policy: FailFast}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, got := b.Execute(failing)
	assert.ErrorIs(t, got, errBoom)
	assert.Equal(t, Normal, b.Level())
}

func TestIsolateMarksDegraded(t *testing.T) {
	b, err := New("svc", Config{Policy: Isolate}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, got := b.Execute(failing)
	assert.ErrorIs(t, got, ErrServiceDegraded)
	assert.True(t, b.Isolated())
	assert.Equal(t, Limited, b.Level())

	// Isolated scope rejects further calls without invoking them.
	invoked := false
	_, got = b.Execute(func() (interface{}, error) { invoked = true; return nil, nil })
	assert.ErrorIs(t, got, ErrServiceDegraded)
	assert.False(t, invoked)

	b.Reset()
	out, got := b.Execute(working)
	require.NoError(t, got)
	assert.Equal(t, "ok", out)
}

func TestDegradeEscalatesAfterThreshold(t *testing.T) {
	b, err := New("svc", Config{Policy: Degrade, DegradeThreshold: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, got := b.Execute(failing)
		assert.ErrorIs(t, got, errBoom)
	}
	assert.Equal(t, Limited, b.Level())
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(failing)
	}
	assert.Equal(t, Minimal, b.Level())
}

func TestFallbackReturnsValue(t *testing.T) {
	_, err := New("svc", Config{Policy: Fallback}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoFallback)

	b, err := New("svc", Config{
		Policy:     Fallback,
		FallbackFn: func() (interface{}, error) { return "fallback", nil },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	out, got := b.Execute(failing)
	require.NoError(t, got)
	assert.Equal(t, "fallback", out)
}

func TestAutoRecover(t *testing.T) {
	b, err := New("svc", Config{
		Policy:           Degrade,
		DegradeThreshold: 1,
		AutoRecover:      true,
		RecoverAfter:     3,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, _ = b.Execute(failing)
	assert.Equal(t, Limited, b.Level())
	for i := 0; i < 3; i++ {
		_, got := b.Execute(working)
		require.NoError(t, got)
	}
	assert.Equal(t, Normal, b.Level())
}

func TestDegradationManagerMonotone(t *testing.T) {
	m := NewDegradationManager(zaptest.NewLogger(t))
	assert.Equal(t, Normal, m.Level("api"))

	m.Degrade("api", Minimal, "overload")
	assert.Equal(t, Minimal, m.Level("api"))
	assert.Equal(t, "overload", m.Reason("api"))

	// Degrade never lowers.
	m.Degrade("api", Limited, "looks better")
	assert.Equal(t, Minimal, m.Level("api"))

	m.Degrade("api", Emergency, "on fire")
	assert.Equal(t, Emergency, m.Level("api"))

	m.Recover("api")
	assert.Equal(t, Normal, m.Level("api"))
}

func TestPlanExecution(t *testing.T) {
	m := NewDegradationManager(zaptest.NewLogger(t))
	p := Plan{
		Name:      "brownout",
		Target:    Limited,
		Services:  []string{"search", "recs"},
		Emergency: []string{"batch"},
	}
	require.NoError(t, m.Execute(p))
	assert.Equal(t, Limited, m.Level("search"))
	assert.Equal(t, Limited, m.Level("recs"))
	assert.Equal(t, Emergency, m.Level("batch"))

	bad := Plan{Name: "bad", Target: Limited, Services: []string{"a"}, Emergency: []string{"a"}}
	assert.Error(t, m.Execute(bad))
}

func TestDegradableServiceSelectsPath(t *testing.T) {
	m := NewDegradationManager(zaptest.NewLogger(t))
	svc := &DegradableService{
		Name:       "render",
		Manager:    m,
		NormalFn:   func() (interface{}, error) { return "full", nil },
		DegradedFn: func() (interface{}, error) { return "lite", nil },
	}
	out, err := svc.Call()
	require.NoError(t, err)
	assert.Equal(t, "full", out)

	m.Degrade("render", Minimal, "load shed")
	out, err = svc.Call()
	require.NoError(t, err)
	assert.Equal(t, "lite", out)

	none := &DegradableService{Name: "render", Manager: m, NormalFn: svc.NormalFn}
	_, err = none.Call()
	assert.ErrorIs(t, err, ErrServiceDegraded)
}
