package task

import "errors"

// Logic errors raised by the aggregate. They are terminal: callers surface
// them without retry, and consumers dead-letter messages that trip them.
var (
	// ErrInvalidTransition marks a status edge outside the transition graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidOperation marks structural misuse of the aggregate, such as
	// canceling a completed task.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNotFound marks a repository lookup miss where a task was required.
	ErrNotFound = errors.New("task not found")

	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
)
