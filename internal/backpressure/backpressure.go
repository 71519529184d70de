// Copyright 2025 James Ross
package backpressure

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid backpressure configuration")

// Config bounds the adaptive controls.
type Config struct {
	MinBatch       int           `json:"min_batch"`
	MaxBatch       int           `json:"max_batch"`
	MinFlush       time.Duration `json:"min_flush"`
	MaxFlush       time.Duration `json:"max_flush"`
	LowThreshold   float64       `json:"low_threshold"`
	HighThreshold  float64       `json:"high_threshold"`
	Smoothing      float64       `json:"smoothing"`
	AdaptationRate float64       `json:"adaptation_rate"`
	// TargetLatency normalizes observed processing latency into the
	// load signal; latency at or above the target reads as full load.
	TargetLatency time.Duration `json:"target_latency"`
}

// DefaultConfig matches the fabric defaults.
func DefaultConfig() Config {
	return Config{
		MinBatch:       1,
		MaxBatch:       1000,
		MinFlush:       100 * time.Millisecond,
		MaxFlush:       10 * time.Second,
		LowThreshold:   0.3,
		HighThreshold:  0.8,
		Smoothing:      0.7,
		AdaptationRate: 1.5,
		TargetLatency:  100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.MinBatch < 1 || c.MaxBatch < c.MinBatch {
		return ErrInvalidConfig
	}
	if c.MinFlush <= 0 || c.MaxFlush < c.MinFlush {
		return ErrInvalidConfig
	}
	if c.LowThreshold < 0 || c.HighThreshold > 1 || c.LowThreshold >= c.HighThreshold {
		return ErrInvalidConfig
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		return ErrInvalidConfig
	}
	if c.AdaptationRate <= 1 {
		return ErrInvalidConfig
	}
	if c.TargetLatency <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// State is a snapshot of the adaptive knobs.
type State struct {
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	SmoothedLoad  float64       `json:"smoothed_load"`
	Adaptations   uint64        `json:"adaptations"`
}

// Controller observes queue fill and processing latency and steers
// batch size and flush interval between the configured bounds. Load is
// exponentially smoothed; crossing the high threshold widens batches
// and tightens flushing multiplicatively, crossing the low threshold
// does the inverse.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	batch       int
	flush       time.Duration
	load        float64
	primed      bool
	adaptations uint64
}

// NewController starts at the minimum batch and maximum flush interval,
// the least aggressive setting.
func NewController(cfg Config, log *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:   cfg,
		log:   log,
		batch: cfg.MinBatch,
		flush: cfg.MaxFlush,
	}, nil
}

// Observe feeds one sample: the queue fill ratio in [0, 1] and the most
// recent processing latency. Each observation updates the smoothed load
// and may trigger an adaptation.
func (c *Controller) Observe(fillRatio float64, latency time.Duration) {
	load := c.instantLoad(fillRatio, latency)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.primed {
		c.load = load
		c.primed = true
	} else {
		c.load = c.cfg.Smoothing*c.load + (1-c.cfg.Smoothing)*load
	}
	c.adaptLocked()
}

func (c *Controller) instantLoad(fillRatio float64, latency time.Duration) float64 {
	fill := clamp01(fillRatio)
	lat := clamp01(float64(latency) / float64(c.cfg.TargetLatency))
	// Queue fill dominates; latency sharpens the signal.
	return clamp01(0.7*fill + 0.3*lat)
}

// Adapt forces a recomputation from the current smoothed load.
func (c *Controller) Adapt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptLocked()
}

func (c *Controller) adaptLocked() {
	rate := c.cfg.AdaptationRate
	switch {
	case c.load > c.cfg.HighThreshold:
		newBatch := clampInt(int(float64(c.batch)*rate), c.cfg.MinBatch, c.cfg.MaxBatch)
		if newBatch == c.batch {
			newBatch = clampInt(c.batch+1, c.cfg.MinBatch, c.cfg.MaxBatch)
		}
		newFlush := clampDur(time.Duration(float64(c.flush)/rate), c.cfg.MinFlush, c.cfg.MaxFlush)
		if newBatch != c.batch || newFlush != c.flush {
			c.batch, c.flush = newBatch, newFlush
			c.adaptations++
			c.log.Debug("backpressure tightened",
				zap.Float64("load", c.load),
				zap.Int("batch", c.batch),
				zap.Duration("flush", c.flush))
		}
	case c.load < c.cfg.LowThreshold:
		newBatch := clampInt(int(float64(c.batch)/rate), c.cfg.MinBatch, c.cfg.MaxBatch)
		newFlush := clampDur(time.Duration(float64(c.flush)*rate), c.cfg.MinFlush, c.cfg.MaxFlush)
		if newBatch != c.batch || newFlush != c.flush {
			c.batch, c.flush = newBatch, newFlush
			c.adaptations++
			c.log.Debug("backpressure relaxed",
				zap.Float64("load", c.load),
				zap.Int("batch", c.batch),
				zap.Duration("flush", c.flush))
		}
	}
}

// BatchSize returns the current batch size.
func (c *Controller) BatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batch
}

// FlushInterval returns the current flush interval.
func (c *Controller) FlushInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush
}

// Load returns the smoothed load in [0, 1].
func (c *Controller) Load() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load
}

// Snapshot returns the full adaptive state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		BatchSize:     c.batch,
		FlushInterval: c.flush,
		SmoothedLoad:  c.load,
		Adaptations:   c.adaptations,
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
