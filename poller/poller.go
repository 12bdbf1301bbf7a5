// Package poller runs the per-agent worker loop: claim the highest-priority
// assigned task, hand it to the agent, and translate the verdict into
// commands and events on the bus. The loop is single-flight; at most one
// task is in process per loop instance.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskhive/agent"
	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/task"
)

const sourceName = "task_poller"

// pollStatuses are the workflow states the loop claims tasks from.
var pollStatuses = []task.Status{task.StatusRequestValidation, task.StatusPRDDevelopment}

// Config tunes the worker loop.
type Config struct {
	// Interval between poll ticks.
	Interval time.Duration
	// AgentID is the pool identity this loop polls for.
	AgentID string
}

// DefaultConfig returns the standard one-minute poll for the product
// manager pool.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		AgentID:  "product_manager_pool",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("task_poll_interval must be positive, got %s", c.Interval)
	}
	if c.AgentID == "" {
		return fmt.Errorf("poller agent id must not be empty")
	}
	return nil
}

// Poller is the polling worker loop.
type Poller struct {
	cfg    Config
	finder repository.TaskFinder
	bus    bus.Bus
	agent  agent.Agent
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	inFlight   atomic.Bool
	inFlightID atomic.Value // string: the task currently being processed

	ticks     prometheus.Counter
	processed *prometheus.CounterVec
}

// New builds a poller. Start must be called to begin polling.
func New(cfg Config, finder repository.TaskFinder, b bus.Bus, a agent.Agent, logger *slog.Logger, reg prometheus.Registerer) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	p := &Poller{
		cfg:    cfg,
		finder: finder,
		bus:    b,
		agent:  a,
		logger: logger,
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_poller_ticks_total",
			Help: "Poll ticks executed, including idle ones.",
		}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_poller_tasks_processed_total",
			Help: "Tasks handed to the agent, by verdict.",
		}, []string{"verdict"}),
	}
	p.inFlightID.Store("")
	return p
}

// Subscribe registers the poller's assignment subscriptions. Handlers only
// log and inspect local state; they never publish, so re-entrant delivery
// cannot deadlock.
func (p *Poller) Subscribe(ctx context.Context) error {
	if err := p.bus.SubscribeToEvent(ctx, message.EventTaskAssigned, p.onAssigned); err != nil {
		return fmt.Errorf("subscribe to %s: %w", message.EventTaskAssigned, err)
	}
	if err := p.bus.SubscribeToEvent(ctx, message.EventTaskUnassigned, p.onUnassigned); err != nil {
		return fmt.Errorf("subscribe to %s: %w", message.EventTaskUnassigned, err)
	}
	return nil
}

func (p *Poller) onAssigned(ctx context.Context, evt message.Event) error {
	payload, err := message.DecodePayload[message.TaskAssignedPayload](evt.Payload)
	if err != nil || payload.NewAssignee != p.cfg.AgentID {
		return nil
	}
	p.logger.Debug("task assigned to pool, will pick up on next tick",
		"task_id", payload.TaskID, "agent_id", p.cfg.AgentID)
	return nil
}

// onUnassigned warns when the task currently in process is pulled out from
// under the loop. The in-flight work is not cancelled; cancellation is
// best-effort and the verdict of a stale run is still published.
func (p *Poller) onUnassigned(ctx context.Context, evt message.Event) error {
	payload, err := message.DecodePayload[message.TaskUnassignedPayload](evt.Payload)
	if err != nil || payload.PreviousAssignee != p.cfg.AgentID {
		return nil
	}
	if current, _ := p.inFlightID.Load().(string); current == payload.TaskID {
		p.logger.Warn("Task unassigned while in process",
			"task_id", payload.TaskID, "agent_id", p.cfg.AgentID)
	}
	return nil
}

// Start begins the poll loop. Idempotent while running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.run(ctx, p.stop, p.done)
	p.logger.Info("Poller started", "interval", p.cfg.Interval, "agent_id", p.cfg.AgentID)
	return nil
}

// Stop halts the loop and waits for the current tick to return. In-flight
// agent work finishes; it is not forcibly cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
	p.logger.Info("Poller stopped")
}

func (p *Poller) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error("Poll tick failed", "error", err)
			}
		}
	}
}

// PollOnce executes one tick: claim the highest-priority assigned task and
// process it. Returns nil without work when a task is already in process or
// nothing is assigned.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.ticks.Inc()
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("skipping tick, task already in process")
		return nil
	}
	defer func() {
		p.inFlightID.Store("")
		p.inFlight.Store(false)
	}()

	next, err := p.claim(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	p.inFlightID.Store(next.TaskID)
	return p.process(ctx, next)
}

// claim queries for assigned work and picks the highest-scoring task.
func (p *Poller) claim(ctx context.Context) (*task.Task, error) {
	statusIn := make([]string, len(pollStatuses))
	for i, s := range pollStatuses {
		statusIn[i] = string(s)
	}
	if err := p.bus.PublishCommand(ctx, message.NewCommand(message.CommandQueryTasks, message.QueryTasksPayload{
		AssignedTo: p.cfg.AgentID,
		StatusIn:   statusIn,
	}, message.WithSource(sourceName))); err != nil {
		return nil, fmt.Errorf("publish query: %w", err)
	}

	var candidates []*task.Task
	for _, status := range pollStatuses {
		found, err := p.finder.FindByCriteria(ctx, repository.Criteria{
			Status:   status,
			Assignee: p.cfg.AgentID,
		})
		if err != nil {
			return nil, fmt.Errorf("find %s tasks: %w", status, err)
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	SortByScore(candidates)
	return candidates[0], nil
}

// process drives one task through the agent and translates the verdict.
func (p *Poller) process(ctx context.Context, t *task.Task) error {
	correlation := message.WithCorrelationID(t.TaskID)
	p.logger.Info("Processing task", "task_id", t.TaskID, "status", t.Status, "priority", t.Priority)

	if t.Status == task.StatusRequestValidation {
		if err := p.updateStatus(ctx, t.TaskID, task.StatusPRDDevelopment, "Starting requirement development"); err != nil {
			return err
		}
		t.Status = task.StatusPRDDevelopment
	}

	verdict, err := p.agent.Process(ctx, t)
	if err != nil {
		verdict = agent.Failure(err.Error())
	}

	switch verdict.Kind() {
	case agent.KindClarification:
		p.processed.WithLabelValues("clarification").Inc()
		return p.requestClarification(ctx, t, verdict.Questions(), correlation)
	case agent.KindDocument:
		p.processed.WithLabelValues("document").Inc()
		return p.publishDocument(ctx, t, verdict.Draft(), correlation)
	default:
		p.processed.WithLabelValues("failure").Inc()
		// The task keeps its status; the failure is recorded as a comment.
		p.logger.Error("Agent failed to process task", "task_id", t.TaskID, "error", verdict.Message())
		return p.bus.PublishCommand(ctx, message.NewCommand(message.CommandAddTaskComment, message.AddTaskCommentPayload{
			TaskID:  t.TaskID,
			Author:  p.cfg.AgentID,
			Comment: fmt.Sprintf("Processing failed: %s", verdict.Message()),
		}, message.WithSource(sourceName), correlation))
	}
}

func (p *Poller) requestClarification(ctx context.Context, t *task.Task, questions []string, correlation message.Option) error {
	if err := p.bus.PublishCommand(ctx, message.NewCommand(message.CommandAddTaskComment, message.AddTaskCommentPayload{
		TaskID:                 t.TaskID,
		Author:                 p.cfg.AgentID,
		Comment:                "Clarification needed before drafting the requirement",
		ClarificationQuestions: questions,
	}, message.WithSource(sourceName), correlation)); err != nil {
		return err
	}
	if err := p.updateStatus(ctx, t.TaskID, task.StatusClarificationNeeded, "Waiting on requester answers"); err != nil {
		return err
	}
	return p.bus.PublishEvent(ctx, message.NewEvent(message.EventClarificationRequested, message.ClarificationRequestedPayload{
		TaskID:    t.TaskID,
		Questions: questions,
	}, message.WithSource(sourceName), correlation))
}

func (p *Poller) publishDocument(ctx context.Context, t *task.Task, draft agent.RequirementDraft, correlation message.Option) error {
	requirementID := uuid.NewString()

	if err := p.bus.PublishEvent(ctx, message.NewEvent(message.EventProductRequirementCreated, message.ProductRequirementCreatedPayload{
		RequirementID: requirementID,
		TaskID:        t.TaskID,
		Document:      message.PayloadMap(draft),
	}, message.WithSource(sourceName), correlation)); err != nil {
		return err
	}
	if err := p.bus.PublishCommand(ctx, message.NewCommand(message.CommandLinkRequirementToTask, message.LinkRequirementToTaskPayload{
		TaskID:        t.TaskID,
		RequirementID: requirementID,
		LinkType:      "produced_by",
	}, message.WithSource(sourceName), correlation)); err != nil {
		return err
	}
	if err := p.updateStatus(ctx, t.TaskID, task.StatusPRDValidation, "Requirement drafted, awaiting validation"); err != nil {
		return err
	}
	return p.bus.PublishEvent(ctx, message.NewEvent(message.EventHumanValidationRequested, message.HumanValidationRequestedPayload{
		TaskID:         t.TaskID,
		RequirementID:  requirementID,
		ValidationType: "prd_review",
	}, message.WithSource(sourceName), correlation))
}

func (p *Poller) updateStatus(ctx context.Context, taskID string, next task.Status, comment string) error {
	return p.bus.PublishCommand(ctx, message.NewCommand(message.CommandUpdateTaskStatus, message.UpdateTaskStatusPayload{
		TaskID:    taskID,
		NewStatus: string(next),
		ChangedBy: p.cfg.AgentID,
		Comment:   comment,
	}, message.WithSource(sourceName), message.WithCorrelationID(taskID)))
}
