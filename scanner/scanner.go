// Package scanner runs the periodic sweep that advances aged tasks. Each
// tick queries for tasks in the workflow states that need attention and
// speaks commands on the bus; it never mutates aggregates directly.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/task"
)

const sourceName = "task_scanner"

// DefaultPool receives tasks promoted out of the new state.
const DefaultPool = "product_manager_pool"

// Config tunes the orchestrator.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Pool is the agent pool that promoted tasks are assigned to.
	Pool string
}

// DefaultConfig returns the standard five-minute sweep.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Pool:     DefaultPool,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("task_scan_interval must be positive, got %s", c.Interval)
	}
	if c.Pool == "" {
		return fmt.Errorf("scanner pool must not be empty")
	}
	return nil
}

// Scanner is the scanning orchestrator.
type Scanner struct {
	cfg    Config
	finder repository.TaskFinder
	bus    bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// notified tracks which task ids have been notified for which
	// notification type, so repeat sweeps stay quiet until the status moves.
	notifiedMu sync.Mutex
	notified   map[string]string

	scans         prometheus.Counter
	passErrors    prometheus.Counter
	promoted      prometheus.Counter
	notifications *prometheus.CounterVec
}

// New builds a scanner. Start must be called to begin sweeping.
func New(cfg Config, finder repository.TaskFinder, b bus.Bus, logger *slog.Logger, reg prometheus.Registerer) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Scanner{
		cfg:      cfg,
		finder:   finder,
		bus:      b,
		logger:   logger,
		notified: make(map[string]string),
		scans: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_scanner_sweeps_total",
			Help: "Completed scan sweeps.",
		}),
		passErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_scanner_pass_errors_total",
			Help: "Scan passes that logged an error.",
		}),
		promoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_scanner_promotions_total",
			Help: "New tasks promoted to request_validation.",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_scanner_notifications_total",
			Help: "Notification commands published, by type.",
		}, []string{"notification_type"}),
	}
}

// Subscribe registers the scanner's event subscriptions. Handlers only
// touch scanner-local state, so re-entrant publication cannot deadlock.
func (s *Scanner) Subscribe(ctx context.Context) error {
	if err := s.bus.SubscribeToEvent(ctx, message.EventTaskCreated, s.onTaskCreated); err != nil {
		return fmt.Errorf("subscribe to %s: %w", message.EventTaskCreated, err)
	}
	if err := s.bus.SubscribeToEvent(ctx, message.EventTaskStatusChanged, s.onStatusChanged); err != nil {
		return fmt.Errorf("subscribe to %s: %w", message.EventTaskStatusChanged, err)
	}
	return nil
}

func (s *Scanner) onTaskCreated(ctx context.Context, evt message.Event) error {
	p, err := message.DecodePayload[message.TaskCreatedPayload](evt.Payload)
	if err != nil {
		return nil
	}
	s.logger.Debug("task created, will pick up on next sweep", "task_id", p.TaskID)
	return nil
}

// onStatusChanged clears the notification flag when a task moves, so the
// next sweep may notify again if it lands back in a waiting state.
func (s *Scanner) onStatusChanged(ctx context.Context, evt message.Event) error {
	p, err := message.DecodePayload[message.TaskStatusChangedPayload](evt.Payload)
	if err != nil {
		return nil
	}
	s.notifiedMu.Lock()
	delete(s.notified, p.TaskID)
	s.notifiedMu.Unlock()
	return nil
}

// Start begins the periodic sweep. Idempotent while running.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stop, s.done)
	s.logger.Info("Scanner started", "interval", s.cfg.Interval, "pool", s.cfg.Pool)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("Scanner stopped")
}

func (s *Scanner) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// ScanOnce performs one full sweep: announce, run the three passes, report
// completion. Pass errors are logged and do not abort the sweep.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	scanID := uuid.NewString()
	now := time.Now().UTC()

	if err := s.bus.PublishEvent(ctx, message.NewEvent(message.EventTaskScanInitiated,
		message.ScanPayload{ScanID: scanID, Timestamp: now},
		message.WithSource(sourceName), message.WithCorrelationID(scanID),
	)); err != nil {
		return fmt.Errorf("announce scan %s: %w", scanID, err)
	}
	s.logger.Debug("scan initiated", "scan_id", scanID)

	passes := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"promote_new", s.promoteNewTasks},
		{"notify_clarification", func(ctx context.Context, id string) error {
			return s.notifyWaiting(ctx, id, task.StatusClarificationNeeded, message.NotificationClarificationRequested)
		}},
		{"notify_prd_validation", func(ctx context.Context, id string) error {
			return s.notifyWaiting(ctx, id, task.StatusPRDValidation, message.NotificationPRDValidationRequested)
		}},
	}
	for _, pass := range passes {
		if err := pass.run(ctx, scanID); err != nil {
			s.passErrors.Inc()
			s.logger.Error("Scan pass failed", "scan_id", scanID, "pass", pass.name, "error", err)
		}
	}

	if err := s.bus.PublishEvent(ctx, message.NewEvent(message.EventTaskScanCompleted,
		message.ScanPayload{ScanID: scanID, Timestamp: time.Now().UTC()},
		message.WithSource(sourceName), message.WithCorrelationID(scanID),
	)); err != nil {
		return fmt.Errorf("complete scan %s: %w", scanID, err)
	}
	s.scans.Inc()
	return nil
}

// promoteNewTasks moves every task out of the new state and hands it to the
// configured pool.
func (s *Scanner) promoteNewTasks(ctx context.Context, scanID string) error {
	tasks, err := s.queryByStatus(ctx, scanID, task.StatusNew)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.publishCommand(ctx, scanID, message.CommandUpdateTaskStatus, message.UpdateTaskStatusPayload{
			TaskID:    t.TaskID,
			NewStatus: string(task.StatusRequestValidation),
			ChangedBy: sourceName,
			Comment:   "Task picked up for validation",
		}); err != nil {
			return err
		}
		if err := s.publishCommand(ctx, scanID, message.CommandAssignTask, message.AssignTaskPayload{
			TaskID:           t.TaskID,
			AgentID:          s.cfg.Pool,
			AssignedBy:       sourceName,
			AssignmentReason: "New task requires validation",
		}); err != nil {
			return err
		}
		s.promoted.Inc()
		s.logger.Info("Task promoted", "scan_id", scanID, "task_id", t.TaskID, "pool", s.cfg.Pool)
	}
	return nil
}

// notifyWaiting sends one notification per waiting task and remembers it so
// subsequent sweeps stay quiet until the status changes.
func (s *Scanner) notifyWaiting(ctx context.Context, scanID string, status task.Status, notificationType string) error {
	tasks, err := s.queryByStatus(ctx, scanID, status)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.notifiedMu.Lock()
		already := s.notified[t.TaskID] == notificationType
		s.notifiedMu.Unlock()
		if already {
			continue
		}

		if err := s.publishCommand(ctx, scanID, message.CommandSendNotification, message.SendNotificationPayload{
			UserID:           t.CreatedBy,
			TaskID:           t.TaskID,
			NotificationType: notificationType,
			Content:          notificationContent(t),
		}); err != nil {
			return err
		}

		s.notifiedMu.Lock()
		s.notified[t.TaskID] = notificationType
		s.notifiedMu.Unlock()
		s.notifications.WithLabelValues(notificationType).Inc()
		s.logger.Info("Notification requested",
			"scan_id", scanID, "task_id", t.TaskID, "notification_type", notificationType)
	}
	return nil
}

// queryByStatus publishes the query command for observability, then reads
// the repository directly.
func (s *Scanner) queryByStatus(ctx context.Context, scanID string, status task.Status) ([]*task.Task, error) {
	if err := s.publishCommand(ctx, scanID, message.CommandQueryTasks, message.QueryTasksPayload{
		Status: string(status),
	}); err != nil {
		return nil, err
	}
	tasks, err := s.finder.FindByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("find tasks in %s: %w", status, err)
	}
	return tasks, nil
}

func (s *Scanner) publishCommand(ctx context.Context, scanID, commandType string, payload any) error {
	cmd := message.NewCommand(commandType, payload,
		message.WithSource(sourceName), message.WithCorrelationID(scanID))
	if err := s.bus.PublishCommand(ctx, cmd); err != nil {
		return fmt.Errorf("publish %s: %w", commandType, err)
	}
	return nil
}

// notificationContent extracts the latest clarification questions, when the
// task carries any, for the outbound notification body.
func notificationContent(t *task.Task) map[string]any {
	content := map[string]any{
		"title":  t.Title,
		"status": string(t.Status),
	}
	for i := len(t.Comments) - 1; i >= 0; i-- {
		if len(t.Comments[i].Questions) > 0 {
			content["questions"] = t.Comments[i].Questions
			break
		}
	}
	return content
}
