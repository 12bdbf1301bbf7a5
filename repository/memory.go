package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/taskhive/task"
)

// Memory is the reference in-process repository. Tasks are cloned on both
// save and load so callers never share aggregate state with the store.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemory builds an empty in-process repository.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

// Save upserts the task.
func (m *Memory) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.TaskID == "" {
		return fmt.Errorf("%w: task has no id", task.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.TaskID] = t.Clone()
	return nil
}

// GetByID returns the task or task.ErrNotFound.
func (m *Memory) GetByID(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}
	return t.Clone(), nil
}

// FindByStatus returns every task in the given status, ordered by creation
// time.
func (m *Memory) FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return m.FindByCriteria(ctx, Criteria{Status: status})
}

// FindByAssignee returns every task assigned to the principal.
func (m *Memory) FindByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return m.FindByCriteria(ctx, Criteria{Assignee: assignee})
}

// FindByCriteria returns every matching task, ordered by creation time.
func (m *Memory) FindByCriteria(ctx context.Context, c Criteria) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if Matches(t, c) {
			out = append(out, t.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

// Delete removes the task, reporting whether it existed.
func (m *Memory) Delete(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskID]
	delete(m.tasks, taskID)
	return ok, nil
}

// Len reports the number of stored tasks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func sortByCreation(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

var _ TaskRepository = (*Memory)(nil)
