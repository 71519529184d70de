// Copyright 2025 James Ross
package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBatch = 10
	cfg.MaxBatch = 100
	cfg.MinFlush = 100 * time.Millisecond
	cfg.MaxFlush = 10 * time.Second
	cfg.Smoothing = 0.5
	cfg.AdaptationRate = 2
	return cfg
}

func TestInvalidConfigRejected(t *testing.T) {
	bad := testConfig()
	bad.MinBatch = 0
	_, err := NewController(bad, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = testConfig()
	bad.LowThreshold = 0.9 // >= high
	_, err = NewController(bad, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = testConfig()
	bad.AdaptationRate = 1
	_, err = NewController(bad, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStartsAtLeastAggressive(t *testing.T) {
	c, err := NewController(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 10, c.BatchSize())
	assert.Equal(t, 10*time.Second, c.FlushInterval())
	assert.Equal(t, 0.0, c.Load())
}

func TestHighLoadTightens(t *testing.T) {
	c, err := NewController(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	// Saturated queue and slow processing push the smoothed load over
	// the high threshold.
	for i := 0; i < 10; i++ {
		c.Observe(1.0, 500*time.Millisecond)
	}
	assert.Greater(t, c.Load(), 0.8)
	assert.Greater(t, c.BatchSize(), 10)
	assert.Less(t, c.FlushInterval(), 10*time.Second)
	assert.Greater(t, c.Snapshot().Adaptations, uint64(0))
}

func TestLowLoadRelaxes(t *testing.T) {
	c, err := NewController(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.Observe(1.0, 500*time.Millisecond)
	}
	tightBatch := c.BatchSize()
	tightFlush := c.FlushInterval()

	for i := 0; i < 20; i++ {
		c.Observe(0.0, 0)
	}
	assert.Less(t, c.Load(), 0.3)
	assert.LessOrEqual(t, c.BatchSize(), tightBatch)
	assert.GreaterOrEqual(t, c.FlushInterval(), tightFlush)
}

func TestClampedToBounds(t *testing.T) {
	c, err := NewController(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		c.Observe(1.0, time.Second)
	}
	assert.LessOrEqual(t, c.BatchSize(), 100)
	assert.GreaterOrEqual(t, c.FlushInterval(), 100*time.Millisecond)

	for i := 0; i < 200; i++ {
		c.Observe(0, 0)
	}
	assert.GreaterOrEqual(t, c.BatchSize(), 10)
	assert.LessOrEqual(t, c.FlushInterval(), 10*time.Second)
}

func TestSmoothingDampensSpikes(t *testing.T) {
	cfg := testConfig()
	cfg.Smoothing = 0.9
	c, err := NewController(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.Observe(0, 0)
	// One spike barely moves a heavily smoothed signal.
	c.Observe(1.0, time.Second)
	assert.Less(t, c.Load(), 0.2)
}

func TestForcedAdapt(t *testing.T) {
	c, err := NewController(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.Observe(1.0, time.Second)
	}
	before := c.Snapshot()
	c.Adapt()
	after := c.Snapshot()
	assert.GreaterOrEqual(t, after.Adaptations, before.Adaptations)
	assert.Equal(t, after.SmoothedLoad, before.SmoothedLoad)
}
