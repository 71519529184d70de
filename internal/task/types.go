// Copyright 2025 James Ross
package task

import (
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/bus"
	"github.com/flyingrobots/go-message-fabric/internal/container"
)

// State is the task lifecycle. Transitions are monotone; terminal
// states (Completed, Failed, DeadLettered, Cancelled) never leave.
type State int32

const (
	Pending State = iota
	Running
	Retrying
	Completed
	Failed
	DeadLettered
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Retrying:
		return "retrying"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case DeadLettered:
		return "dead_lettered"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can never change again.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, DeadLettered, Cancelled:
		return true
	}
	return false
}

// allowedTransition encodes the monotone lifecycle.
func allowedTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case Pending:
		// Failed from Pending covers admission rejection (queue full).
		return to == Running || to == Cancelled || to == Failed
	case Running:
		return to == Completed || to == Failed || to == Retrying ||
			to == DeadLettered || to == Cancelled
	case Retrying:
		return to == Running || to == Cancelled || to == DeadLettered
	}
	return false
}

// DefaultQueue is the queue tasks land on when none is named.
const DefaultQueue = "default"

// Task is a unit of work bound to a registered handler.
type Task struct {
	ID          string
	HandlerName string
	Payload     *container.ValueContainer
	Priority    bus.Priority
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
	ScheduledAt time.Time
	Queue       string
	SubmittedAt time.Time
}

// NewTask builds a task for the named handler; the id is assigned at
// submit time when left empty.
func NewTask(handlerName string, payload *container.ValueContainer) *Task {
	return &Task{
		HandlerName: handlerName,
		Payload:     payload,
		Priority:    bus.Normal,
		MaxAttempts: 3,
		Queue:       DefaultQueue,
	}
}

// Handler executes one task attempt. It may report progress and must
// poll ctx.IsCancelled for cooperative cancellation. Handlers must be
// thread-safe when the pool runs more than one worker.
type Handler func(t *Task, ctx *Context) (*container.ValueContainer, error)
