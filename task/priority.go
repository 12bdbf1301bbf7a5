package task

import "fmt"

// Priority expresses how urgently a task should be worked.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"

	// PriorityUrgent is the workflow-command spelling of the top priority;
	// selection logic treats it as critical.
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
}

// String implements fmt.Stringer.
func (p Priority) String() string { return string(p) }
