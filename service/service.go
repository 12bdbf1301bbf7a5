// Package service executes task operations as units of work: load the
// aggregate, mutate it in memory, save it, publish the pending events in
// order, clear them. Updates to one task id are serialized by an in-process
// lock; the repository itself is last-writer-wins.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/task"
)

const sourceName = "task_service"

// Notifier delivers outbound user notifications. The default implementation
// only logs; real channels are injected at wiring time.
type Notifier interface {
	Notify(ctx context.Context, n message.SendNotificationPayload) error
}

// LogNotifier writes notifications to the log and nothing else.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n message.SendNotificationPayload) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Notification",
		"user_id", n.UserID,
		"task_id", n.TaskID,
		"notification_type", n.NotificationType)
	return nil
}

// TaskService coordinates the aggregate, the repository and the bus.
type TaskService struct {
	repo     repository.TaskRepository
	bus      bus.Bus
	notifier Notifier
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	operations *prometheus.CounterVec
}

// New builds a task service. Notifier may be nil, in which case
// notifications are logged.
func New(repo repository.TaskRepository, b bus.Bus, notifier Notifier, logger *slog.Logger, reg prometheus.Registerer) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &TaskService{
		repo:     repo,
		bus:      b,
		notifier: notifier,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_service_operations_total",
			Help: "Task operations executed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}

// taskLock returns the mutex serializing updates for one task id. Locks
// live for the process lifetime; the set is bounded by the task count.
func (s *TaskService) taskLock(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[taskID] = mu
	}
	return mu
}

// publishOpts carry envelope fields stamped onto events whose metadata does
// not already name a workflow.
type publishOpts struct {
	correlationID string
	causationID   string
}

// CreateTask creates, persists and announces a new task. The task id seeds
// the workflow correlation.
func (s *TaskService) CreateTask(ctx context.Context, p task.CreateParams) (*task.Task, error) {
	t, err := task.New(p)
	if err != nil {
		s.operations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	if err := s.persistAndPublish(ctx, t, publishOpts{correlationID: t.TaskID}); err != nil {
		s.operations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	s.operations.WithLabelValues("create", "ok").Inc()
	s.logger.Info("Task created", "task_id", t.TaskID, "title", t.Title, "priority", t.Priority)
	return t, nil
}

// GetTask loads one task.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.repo.GetByID(ctx, taskID)
}

// ListTasks returns every task matching the criteria.
func (s *TaskService) ListTasks(ctx context.Context, c repository.Criteria) ([]*task.Task, error) {
	return s.repo.FindByCriteria(ctx, c)
}

// UpdateStatus moves the task along a lifecycle edge.
func (s *TaskService) UpdateStatus(ctx context.Context, taskID string, next task.Status, changedBy, reason string, artifactIDs []string) (*task.Task, error) {
	return s.mutate(ctx, "update_status", taskID, publishOpts{}, func(t *task.Task) error {
		return t.ChangeStatus(next, changedBy, reason, artifactIDs)
	})
}

// AssignTask sets the task's assignee.
func (s *TaskService) AssignTask(ctx context.Context, taskID, assignee, assignedBy, reason string) (*task.Task, error) {
	return s.mutate(ctx, "assign", taskID, publishOpts{}, func(t *task.Task) error {
		return t.Assign(assignee, assignedBy, reason)
	})
}

// UnassignTask clears the task's assignee.
func (s *TaskService) UnassignTask(ctx context.Context, taskID, unassignedBy, reason string) (*task.Task, error) {
	return s.mutate(ctx, "unassign", taskID, publishOpts{}, func(t *task.Task) error {
		return t.Unassign(unassignedBy, reason)
	})
}

// CompleteTask finishes the task.
func (s *TaskService) CompleteTask(ctx context.Context, taskID, completedBy, outcomeSummary string, deliverableIDs []string, qualityMetrics map[string]any) (*task.Task, error) {
	return s.mutate(ctx, "complete", taskID, publishOpts{}, func(t *task.Task) error {
		return t.Complete(completedBy, outcomeSummary, deliverableIDs, qualityMetrics)
	})
}

// CancelTask cancels the task.
func (s *TaskService) CancelTask(ctx context.Context, taskID, canceledBy, reason string) (*task.Task, error) {
	return s.mutate(ctx, "cancel", taskID, publishOpts{}, func(t *task.Task) error {
		return t.Cancel(canceledBy, reason)
	})
}

// AddComment appends a comment to the task.
func (s *TaskService) AddComment(ctx context.Context, taskID, author, text string, questions []string) (*task.Task, error) {
	return s.mutate(ctx, "add_comment", taskID, publishOpts{}, func(t *task.Task) error {
		return t.AddComment(author, text, questions)
	})
}

// LinkRequirement attaches a requirement id to the task.
func (s *TaskService) LinkRequirement(ctx context.Context, taskID, requirementID string) (*task.Task, error) {
	return s.mutate(ctx, "link_requirement", taskID, publishOpts{}, func(t *task.Task) error {
		return t.LinkRequirement(requirementID)
	})
}

// DeleteTask removes the task. Test wiring only; no event is published.
func (s *TaskService) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	return s.repo.Delete(ctx, taskID)
}

// mutate is the shared unit of work for every operation on an existing task.
func (s *TaskService) mutate(ctx context.Context, operation, taskID string, opts publishOpts, fn func(*task.Task) error) (*task.Task, error) {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		s.operations.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	if err := fn(t); err != nil {
		s.operations.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	if opts.correlationID == "" {
		opts.correlationID = t.TaskID
	}
	if err := s.persistAndPublish(ctx, t, opts); err != nil {
		s.operations.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	s.operations.WithLabelValues(operation, "ok").Inc()
	return t, nil
}

// persistAndPublish saves the task, drains its pending events to the bus in
// order, then clears them. Save and publish are not atomic; consumers must
// be idempotent.
func (s *TaskService) persistAndPublish(ctx context.Context, t *task.Task, opts publishOpts) error {
	if err := s.repo.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.TaskID, err)
	}
	for _, evt := range t.PendingEvents() {
		if evt.Metadata.Source == "" {
			evt.Metadata.Source = sourceName
		}
		if evt.Metadata.CorrelationID == "" {
			evt.Metadata.CorrelationID = opts.correlationID
		}
		if evt.Metadata.CausationID == "" {
			evt.Metadata.CausationID = opts.causationID
		}
		if err := s.bus.PublishEvent(ctx, evt); err != nil {
			return fmt.Errorf("publish %s for task %s: %w", evt.Metadata.EventType, t.TaskID, err)
		}
	}
	t.ClearPendingEvents()
	return nil
}
