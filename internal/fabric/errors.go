// Copyright 2025 James Ross
package fabric

import (
	"context"
	"errors"

	"github.com/flyingrobots/go-message-fabric/internal/boundary"
	"github.com/flyingrobots/go-message-fabric/internal/bus"
	"github.com/flyingrobots/go-message-fabric/internal/container"
	"github.com/flyingrobots/go-message-fabric/internal/jobqueue"
	"github.com/flyingrobots/go-message-fabric/internal/reliability"
	"github.com/flyingrobots/go-message-fabric/internal/scheduler"
	"github.com/flyingrobots/go-message-fabric/internal/task"
)

// ErrorCode is the stable, user-visible error taxonomy. Every error
// surfaced by the fabric maps onto exactly one code.
type ErrorCode string

const (
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeNotFound          ErrorCode = "not_found"
	CodeAlreadyExists     ErrorCode = "already_exists"
	CodeInvalidState      ErrorCode = "invalid_state"
	CodeQueueStopped      ErrorCode = "queue_stopped"
	CodeQueueEmpty        ErrorCode = "queue_empty"
	CodeTypeMismatch      ErrorCode = "type_mismatch"
	CodeConversionError   ErrorCode = "conversion_error"
	CodeNullAccess        ErrorCode = "null_access"
	CodeTimeout           ErrorCode = "timeout"
	CodeCancelled         ErrorCode = "cancelled"
	CodeCircuitOpen       ErrorCode = "circuit_open"
	CodeServiceDegraded   ErrorCode = "service_degraded"
	CodeOperationFailed   ErrorCode = "operation_failed"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
	CodeUnknown           ErrorCode = "unknown"
)

// Code classifies any fabric error onto its stable code.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, bus.ErrInvalidMessage),
		errors.Is(err, bus.ErrInvalidPattern),
		errors.Is(err, bus.ErrInvalidHandler),
		errors.Is(err, bus.ErrInvalidPriority),
		errors.Is(err, jobqueue.ErrInvalidJob),
		errors.Is(err, scheduler.ErrInvalidSpec),
		errors.Is(err, reliability.ErrInvalidConfig):
		return CodeInvalidArgument
	case errors.Is(err, task.ErrNoHandler),
		errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, boundary.ErrUnknownService):
		return CodeNotFound
	case errors.Is(err, task.ErrHandlerExists):
		return CodeAlreadyExists
	case errors.Is(err, bus.ErrBusNotRunning),
		errors.Is(err, bus.ErrBusRunning),
		errors.Is(err, task.ErrSystemRunning),
		errors.Is(err, task.ErrSystemStopped),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, container.ErrInvalidContainer):
		return CodeInvalidState
	case errors.Is(err, jobqueue.ErrQueueStopped):
		return CodeQueueStopped
	case errors.Is(err, jobqueue.ErrQueueEmpty):
		return CodeQueueEmpty
	case errors.Is(err, container.ErrTypeMismatch):
		return CodeTypeMismatch
	case errors.Is(err, container.ErrNullAccess):
		return CodeNullAccess
	case errors.Is(err, container.ErrConversion),
		errors.Is(err, container.ErrCorruptData),
		errors.Is(err, container.ErrBadVersionTag):
		return CodeConversionError
	case errors.Is(err, reliability.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, task.ErrTaskCancelled),
		errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, reliability.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, boundary.ErrServiceDegraded):
		return CodeServiceDegraded
	case errors.Is(err, task.ErrOperationFailed):
		return CodeOperationFailed
	case errors.Is(err, jobqueue.ErrQueueFull):
		return CodeResourceExhausted
	default:
		return CodeUnknown
	}
}
