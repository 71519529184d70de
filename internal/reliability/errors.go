// Copyright 2025 James Ross
package reliability

import "errors"

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrRetriesExceeded = errors.New("retry attempts exhausted")
	ErrInvalidConfig   = errors.New("invalid reliability configuration")
)

// IsCircuitOpen reports whether err is a breaker short-circuit.
func IsCircuitOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

// IsTimeout reports whether err is a reliability timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
