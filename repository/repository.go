// Package repository persists task aggregates. The contract is a narrow
// asynchronous CRUD surface; Save is the only linearization point for an
// aggregate and concurrent saves of the same task id are last-writer-wins,
// so the service layer serializes updates per task.
package repository

import (
	"context"

	"github.com/c360studio/taskhive/task"
)

// Criteria AND-combines equality predicates. Zero-valued fields are
// ignored. Tags match containment: with MatchAllTags every listed tag must
// be present, otherwise one suffices.
type Criteria struct {
	Status       task.Status
	Assignee     string
	CreatedBy    string
	Priority     task.Priority
	ParentTaskID string
	Tags         []string
	MatchAllTags bool
}

// TaskFinder is the read-only slice of the repository used by the scanner
// and poller.
type TaskFinder interface {
	// FindByStatus returns every task in the given status.
	FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	// FindByAssignee returns every task assigned to the principal.
	FindByAssignee(ctx context.Context, assignee string) ([]*task.Task, error)
	// FindByCriteria returns every task matching all predicates.
	FindByCriteria(ctx context.Context, c Criteria) ([]*task.Task, error)
}

// TaskRepository is the full CRUD contract.
type TaskRepository interface {
	TaskFinder

	// Save upserts the task keyed by its id.
	Save(ctx context.Context, t *task.Task) error
	// GetByID returns the task or an error wrapping task.ErrNotFound.
	GetByID(ctx context.Context, taskID string) (*task.Task, error)
	// Delete removes the task, reporting whether it existed.
	Delete(ctx context.Context, taskID string) (bool, error)
}

// Matches reports whether the task satisfies every predicate in c.
func Matches(t *task.Task, c Criteria) bool {
	if c.Status != "" && t.Status != c.Status {
		return false
	}
	if c.Assignee != "" && t.Assignee != c.Assignee {
		return false
	}
	if c.CreatedBy != "" && t.CreatedBy != c.CreatedBy {
		return false
	}
	if c.Priority != "" && t.Priority != c.Priority {
		return false
	}
	if c.ParentTaskID != "" && t.ParentTaskID != c.ParentTaskID {
		return false
	}
	if len(c.Tags) > 0 {
		if c.MatchAllTags {
			for _, tag := range c.Tags {
				if !t.HasTag(tag) {
					return false
				}
			}
		} else {
			any := false
			for _, tag := range c.Tags {
				if t.HasTag(tag) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	return true
}
