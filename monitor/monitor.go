// Package monitor observes every message crossing the bus through the
// publish-hook seam. It keeps a bounded event log, indexes messages into
// workflows by correlation id, and raises alerts for workflows that have
// gone quiet.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
)

// Workflow statuses.
const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
)

// completionEvents close a workflow when observed on its correlation id.
var completionEvents = map[string]struct{}{
	message.EventTaskCompleted:       {},
	message.EventWorkflowCompleted:   {},
	message.EventRequirementApproved: {},
}

// Config tunes the monitor.
type Config struct {
	// MaxMemoryEntries bounds the in-memory log ring.
	MaxMemoryEntries int
	// LogDirectory holds the newline-delimited log files. Empty disables
	// file logging.
	LogDirectory string
	// FileRotationSize is the byte threshold that rotates the log file.
	FileRotationSize int64
	// AlertThreshold is how long a workflow may stay quiet before it is
	// considered stalled.
	AlertThreshold time.Duration
	// CheckInterval is the stall detector's sweep period.
	CheckInterval time.Duration
}

// DefaultConfig returns the standard monitor tuning.
func DefaultConfig() Config {
	return Config{
		MaxMemoryEntries: 1000,
		FileRotationSize: 10 << 20,
		AlertThreshold:   time.Minute,
		CheckInterval:    10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxMemoryEntries <= 0 {
		return fmt.Errorf("max_memory_log_entries must be positive, got %d", c.MaxMemoryEntries)
	}
	if c.FileRotationSize <= 0 {
		return fmt.Errorf("file_rotation_size must be positive, got %d", c.FileRotationSize)
	}
	if c.AlertThreshold <= 0 {
		return fmt.Errorf("alert_threshold_seconds must be positive, got %s", c.AlertThreshold)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("stall check interval must be positive, got %s", c.CheckInterval)
	}
	return nil
}

// Workflow is the monitor's view of one correlated message group.
type Workflow struct {
	CorrelationID  string
	StartTime      time.Time
	LastUpdateTime time.Time
	Status         string
	EventTypes     []string
	CommandTypes   []string
}

// Alert describes one stalled workflow.
type Alert struct {
	Type           string    `json:"type"`
	CorrelationID  string    `json:"correlation_id"`
	Message        string    `json:"message"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	EventCount     int       `json:"event_count"`
	CommandCount   int       `json:"command_count"`
}

// AlertCallback receives stall alerts. Callbacks run on the detector's
// goroutine and should return quickly.
type AlertCallback func(Alert)

// Monitor is the event monitor.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	log    *eventLog

	mu        sync.Mutex
	workflows map[string]*Workflow

	callbacksMu sync.RWMutex
	callbacks   []AlertCallback

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	observed        *prometheus.CounterVec
	activeWorkflows prometheus.Gauge
	alerts          prometheus.Counter
}

// New builds a monitor. Call Hook to attach it to a bus and Start to run
// the stall detector.
func New(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	log, err := newEventLog(cfg.LogDirectory, cfg.MaxMemoryEntries, cfg.FileRotationSize, logger)
	if err != nil {
		return nil, err
	}
	factory := promauto.With(reg)
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		log:       log,
		workflows: make(map[string]*Workflow),
		observed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_monitor_messages_total",
			Help: "Messages observed through the publish hook, by kind.",
		}, []string{"kind"}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskhive_monitor_active_workflows",
			Help: "Workflows currently tracked as active.",
		}),
		alerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_monitor_stall_alerts_total",
			Help: "Stalled-workflow alerts raised.",
		}),
	}, nil
}

// Hook returns the pre-publish hook that feeds the monitor. Register it
// with Bus.Use.
func (m *Monitor) Hook() bus.PublishHook {
	return func(ctx context.Context, rec bus.Record) {
		m.observe(rec)
	}
}

func (m *Monitor) observe(rec bus.Record) {
	kind := "command"
	if rec.IsEvent {
		kind = "event"
	}
	m.observed.WithLabelValues(kind).Inc()

	entry := LogEntry{
		Timestamp:     rec.Timestamp,
		Kind:          kind,
		Type:          rec.Type,
		MessageID:     rec.MessageID,
		CorrelationID: rec.CorrelationID,
		CausationID:   rec.CausationID,
		Source:        rec.Source,
		Destination:   rec.Destination,
		Payload:       rec.Payload,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.log.append(entry)

	if rec.CorrelationID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[rec.CorrelationID]
	if !ok {
		wf = &Workflow{
			CorrelationID: rec.CorrelationID,
			StartTime:     entry.Timestamp,
			Status:        WorkflowActive,
		}
		m.workflows[rec.CorrelationID] = wf
	}
	wf.LastUpdateTime = entry.Timestamp
	if rec.IsEvent {
		wf.EventTypes = append(wf.EventTypes, rec.Type)
		if _, terminal := completionEvents[rec.Type]; terminal && wf.Status == WorkflowActive {
			wf.Status = WorkflowCompleted
			m.logger.Debug("workflow completed",
				"correlation_id", rec.CorrelationID, "closing_event", rec.Type)
		}
	} else {
		wf.CommandTypes = append(wf.CommandTypes, rec.Type)
	}
	m.activeWorkflows.Set(float64(m.countActiveLocked()))
}

func (m *Monitor) countActiveLocked() int {
	n := 0
	for _, wf := range m.workflows {
		if wf.Status == WorkflowActive {
			n++
		}
	}
	return n
}

// RegisterAlertCallback adds a stall-alert receiver.
func (m *Monitor) RegisterAlertCallback(cb AlertCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start runs the stall detector. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(ctx, m.stop, m.done)
	m.logger.Info("Monitor started",
		"alert_threshold", m.cfg.AlertThreshold, "check_interval", m.cfg.CheckInterval)
	return nil
}

// Stop halts the stall detector and closes the log file.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if m.running {
		m.running = false
		close(m.stop)
		<-m.done
	}
	m.runMu.Unlock()
	m.log.close()
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckStalls(time.Now().UTC())
		}
	}
}

// CheckStalls sweeps active workflows and alerts on every one whose last
// update is older than the threshold. Alerts repeat each sweep until the
// workflow completes.
func (m *Monitor) CheckStalls(now time.Time) {
	var stalled []Alert
	m.mu.Lock()
	for _, wf := range m.workflows {
		if wf.Status != WorkflowActive {
			continue
		}
		quiet := now.Sub(wf.LastUpdateTime)
		if quiet < m.cfg.AlertThreshold {
			continue
		}
		stalled = append(stalled, Alert{
			Type:           "stalled_workflow",
			CorrelationID:  wf.CorrelationID,
			Message:        fmt.Sprintf("workflow %s has been quiet for %s", wf.CorrelationID, quiet.Round(time.Second)),
			StartTime:      wf.StartTime,
			LastUpdateTime: wf.LastUpdateTime,
			EventCount:     len(wf.EventTypes),
			CommandCount:   len(wf.CommandTypes),
		})
	}
	m.mu.Unlock()

	if len(stalled) == 0 {
		return
	}
	m.callbacksMu.RLock()
	callbacks := m.callbacks
	m.callbacksMu.RUnlock()
	for _, alert := range stalled {
		m.alerts.Inc()
		m.logger.Warn("Stalled workflow",
			"correlation_id", alert.CorrelationID,
			"last_update", alert.LastUpdateTime,
			"events", alert.EventCount,
			"commands", alert.CommandCount)
		for _, cb := range callbacks {
			cb(alert)
		}
	}
}

// RecentEntries returns up to n log entries, newest last.
func (m *Monitor) RecentEntries(n int) []LogEntry {
	return m.log.recent(n)
}

// GetWorkflow returns a copy of one workflow's state.
func (m *Monitor) GetWorkflow(correlationID string) (Workflow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[correlationID]
	if !ok {
		return Workflow{}, false
	}
	return copyWorkflow(wf), true
}

// ActiveWorkflows returns a copy of every workflow still marked active.
func (m *Monitor) ActiveWorkflows() []Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Workflow
	for _, wf := range m.workflows {
		if wf.Status == WorkflowActive {
			out = append(out, copyWorkflow(wf))
		}
	}
	return out
}

func copyWorkflow(wf *Workflow) Workflow {
	out := *wf
	out.EventTypes = append([]string(nil), wf.EventTypes...)
	out.CommandTypes = append([]string(nil), wf.CommandTypes...)
	return out
}
