// Copyright 2025 James Ross
package jobqueue

import "errors"

var (
	ErrQueueStopped = errors.New("queue stopped")
	ErrQueueEmpty   = errors.New("queue empty")
	ErrQueueFull    = errors.New("queue full")
	ErrInvalidJob   = errors.New("job must not be nil")
)
