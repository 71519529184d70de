// Copyright 2025 James Ross
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProgressSample is one reported progress point.
type ProgressSample struct {
	Fraction float64
	Message  string
	At       time.Time
}

// Context is the per-run mutable state owned by the executing worker; a
// reference is exposed to the handler.
type Context struct {
	taskID  string
	attempt int
	log     *zap.Logger

	mu         sync.Mutex
	fraction   float64
	message    string
	history    []ProgressSample
	startedAt  time.Time
	finishedAt time.Time
	children   []*Task

	cancelled atomic.Bool
}

func newContext(taskID string, attempt int, log *zap.Logger) *Context {
	return &Context{taskID: taskID, attempt: attempt, log: log, startedAt: time.Now()}
}

// TaskID returns the owning task's id.
func (c *Context) TaskID() string { return c.taskID }

// Attempt returns the 1-based attempt index of this run.
func (c *Context) Attempt() int { return c.attempt }

// StartedAt returns when this attempt began.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// ReportProgress records a progress point. The fraction is clamped to
// [0, 1] and may not decrease within an attempt; a decreasing report is
// clamped to the current value and logged.
func (c *Context) ReportProgress(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fraction < c.fraction {
		c.log.Warn("non-monotone progress report clamped",
			zap.String("task_id", c.taskID),
			zap.Float64("reported", fraction),
			zap.Float64("current", c.fraction))
		fraction = c.fraction
	}
	c.fraction = fraction
	c.message = message
	c.history = append(c.history, ProgressSample{Fraction: fraction, Message: message, At: time.Now()})
}

// Progress returns the latest fraction and message.
func (c *Context) Progress() (float64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fraction, c.message
}

// History returns all progress samples of this attempt.
func (c *Context) History() []ProgressSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProgressSample, len(c.history))
	copy(out, c.history)
	return out
}

// Cancel flips the cooperative cancellation flag.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// IsCancelled is polled by handlers; there is no preemption.
func (c *Context) IsCancelled() bool { return c.cancelled.Load() }

// Emit queues a child task for submission after this attempt returns
// successfully; children of a failed attempt are not submitted.
func (c *Context) Emit(t *Task) {
	if t == nil {
		return
	}
	c.mu.Lock()
	c.children = append(c.children, t)
	c.mu.Unlock()
}

func (c *Context) takeChildren() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.children
	c.children = nil
	return out
}

func (c *Context) finish() {
	c.mu.Lock()
	c.finishedAt = time.Now()
	c.mu.Unlock()
}

// FinishedAt returns when the attempt ended, zero while running.
func (c *Context) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}
