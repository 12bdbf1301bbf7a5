package task

import "fmt"

// Status is a task's position in its lifecycle. Two vocabularies share the
// type: the core lifecycle states and the product-definition workflow
// states that the scanner and poller drive tasks through.
type Status string

// Core lifecycle states.
const (
	StatusCreated    Status = "created"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Product-definition workflow states.
const (
	StatusNew                 Status = "new"
	StatusRequestValidation   Status = "request_validation"
	StatusClarificationNeeded Status = "clarification_needed"
	StatusPRDDevelopment      Status = "prd_development"
	StatusPRDValidation       Status = "prd_validation"
)

// transitions holds the allowed edges. Completed and canceled are terminal.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusAssigned, StatusCanceled},
	StatusAssigned:   {StatusInProgress, StatusBlocked, StatusCanceled},
	StatusInProgress: {StatusReview, StatusBlocked, StatusCanceled},
	StatusBlocked:    {StatusInProgress, StatusCanceled},
	StatusReview:     {StatusInProgress, StatusCompleted, StatusCanceled},
	StatusCompleted:  {},
	StatusCanceled:   {},

	StatusNew:                 {StatusRequestValidation, StatusCanceled},
	StatusRequestValidation:   {StatusPRDDevelopment, StatusClarificationNeeded, StatusCanceled},
	StatusClarificationNeeded: {StatusRequestValidation, StatusPRDDevelopment, StatusCanceled},
	StatusPRDDevelopment:      {StatusPRDValidation, StatusClarificationNeeded, StatusCanceled},
	StatusPRDValidation:       {StatusCompleted, StatusPRDDevelopment, StatusCanceled},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return status, nil
}

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }
