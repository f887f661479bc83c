package domain

import "errors"

var (
	// ErrInvalidSignal marks a contract violation rejected at the boundary.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrNotLeader is returned when a write is attempted on a non-leader instance.
	ErrNotLeader = errors.New("not leader")

	// ErrProcessorHalted is returned while the signal processor is stopped,
	// for example after repeated event store failures.
	ErrProcessorHalted = errors.New("signal processor halted")
)
