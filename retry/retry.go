// Package retry wraps bus subscriber callbacks with exponential backoff and
// a bounded dead-letter store. Failed deliveries are classified as retryable
// or terminal; retryable failures are redelivered on a schedule, terminal
// failures and exhausted retries are dead-lettered.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
)

// Config tunes the backoff schedule.
type Config struct {
	// MaxRetries bounds redeliveries per message after the initial attempt.
	MaxRetries int
	// InitialDelay is the delay before the first redelivery.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay on each redelivery.
	BackoffFactor float64
}

// DefaultConfig returns the standard schedule: three retries starting at one
// second, doubling up to thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Validate checks the schedule for usable values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("retry_initial_delay must be positive, got %s", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("retry_max_delay %s is below retry_initial_delay %s", c.MaxDelay, c.InitialDelay)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("retry_backoff_factor must be >= 1, got %g", c.BackoffFactor)
	}
	return nil
}

// Delay returns the backoff before redelivery number retryCount+1.
func (c Config) Delay(retryCount int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(retryCount))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

type pendingRetry struct {
	timer      *time.Timer
	superseded bool
}

// Controller schedules redeliveries for failed subscriber callbacks.
// Retries are tracked per message id; a new failure of the same message
// supersedes any earlier pending retry.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	store  *DeadLetterStore

	mu      sync.Mutex
	counts  map[string]int
	pending map[string]*pendingRetry

	retriesScheduled *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
}

// NewController builds a controller with its own dead-letter store. A nil
// registerer keeps the metrics private to the instance.
func NewController(cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		counts:  make(map[string]int),
		pending: make(map[string]*pendingRetry),
		retriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_retry_scheduled_total",
			Help: "Redeliveries scheduled after a retryable failure, by message type.",
		}, []string{"message_type"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_retry_dead_letters_total",
			Help: "Messages moved to the dead-letter store, by message type.",
		}, []string{"message_type"}),
	}
	c.store = newDeadLetterStore(factory)
	return c
}

// DeadLetters exposes the controller's dead-letter store.
func (c *Controller) DeadLetters() *DeadLetterStore { return c.store }

// WrapEvent returns a handler that retries evt on retryable failure and
// dead-letters on terminal failure or retry exhaustion. The returned handler
// never propagates the error to the bus; redelivery is the controller's job.
func (c *Controller) WrapEvent(handler bus.EventHandler) bus.EventHandler {
	return func(ctx context.Context, evt message.Event) error {
		c.deliver(ctx, evt.Metadata.EventID, evt.Metadata.EventType, evt, func(ctx context.Context) error {
			return handler(ctx, evt)
		})
		return nil
	}
}

// WrapCommand is WrapEvent for command handlers.
func (c *Controller) WrapCommand(handler bus.CommandHandler) bus.CommandHandler {
	return func(ctx context.Context, cmd message.Command) error {
		c.deliver(ctx, cmd.Metadata.CommandID, cmd.Metadata.CommandType, cmd, func(ctx context.Context) error {
			return handler(ctx, cmd)
		})
		return nil
	}
}

func (c *Controller) deliver(ctx context.Context, id, msgType string, original any, invoke func(context.Context) error) {
	err := invoke(ctx)
	if err == nil {
		c.forget(id)
		return
	}

	failedAt := time.Now().UTC()
	if !Retryable(err) {
		c.logger.Error("Terminal failure, dead-lettering",
			"message_type", msgType, "message_id", id, "error", err)
		c.deadLetter(id, msgType, original, err, failedAt, invoke)
		return
	}

	c.mu.Lock()
	count := c.counts[id]
	if count >= c.cfg.MaxRetries {
		c.mu.Unlock()
		c.logger.Error("Retries exhausted, dead-lettering",
			"message_type", msgType, "message_id", id, "retries", count, "error", err)
		c.deadLetter(id, msgType, original, err, failedAt, invoke)
		return
	}

	delay := c.cfg.Delay(count)
	c.counts[id] = count + 1
	c.supersedeLocked(id)

	p := &pendingRetry{}
	retryCtx := context.WithoutCancel(ctx)
	p.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if p.superseded {
			c.mu.Unlock()
			return
		}
		delete(c.pending, id)
		c.mu.Unlock()
		c.deliver(retryCtx, id, msgType, original, invoke)
	})
	c.pending[id] = p
	c.mu.Unlock()

	c.retriesScheduled.WithLabelValues(msgType).Inc()
	c.logger.Warn("Scheduling retry",
		"message_type", msgType, "message_id", id,
		"retry", count+1, "delay", delay, "error", err)
}

// supersedeLocked cancels an earlier pending retry for the same message id.
// The timer may already have fired; the superseded flag keeps the stale
// callback from double-delivering.
func (c *Controller) supersedeLocked(id string) {
	if prev, ok := c.pending[id]; ok {
		prev.superseded = true
		prev.timer.Stop()
		delete(c.pending, id)
	}
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
	c.supersedeLocked(id)
}

func (c *Controller) deadLetter(id, msgType string, original any, err error, failedAt time.Time, invoke func(context.Context) error) {
	c.forget(id)
	c.deadLettered.WithLabelValues(msgType).Inc()
	c.store.append(DeadLetter{
		MessageID:      id,
		MessageType:    msgType,
		Message:        original,
		Error:          fmt.Sprintf("delivery of %s %s failed: %v", msgType, id, err),
		OriginalError:  err.Error(),
		FailedAt:       failedAt,
		DeadLetteredAt: time.Now().UTC(),
	}, invoke)
}

// PendingRetries reports how many redeliveries are currently scheduled.
func (c *Controller) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels all pending redeliveries. Messages already being processed
// run to completion.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		p.superseded = true
		p.timer.Stop()
		delete(c.pending, id)
	}
}
