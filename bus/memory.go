package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/taskhive/message"
)

// commandQueueDepth bounds the per-queue backlog before publishers feel
// backpressure.
const commandQueueDepth = 1024

// eventSubscriber serializes deliveries to one logical consumer.
type eventSubscriber struct {
	handler EventHandler
	queue   string // empty means auto-delete on disconnect
	mu      sync.Mutex
}

type commandDelivery struct {
	ctx context.Context
	cmd message.Command
}

// commandQueue is a named queue with a single consumer processing one
// command to completion before the next.
type commandQueue struct {
	name    string
	handler CommandHandler
	ch      chan commandDelivery
	done    chan struct{}
}

// Memory is the in-process bus. Event publishing dispatches one goroutine
// per subscriber and awaits the group; command publishing enqueues to the
// bound queues and returns, each queue draining FIFO on its own worker.
type Memory struct {
	logger  *slog.Logger
	metrics *metrics

	mu            sync.RWMutex
	connected     bool
	eventSubs     map[string][]*eventSubscriber
	commandQueues map[string]map[string]*commandQueue // command type -> queue name -> queue

	hooksMu sync.RWMutex
	hooks   []PublishHook

	inflight sync.WaitGroup
}

// NewMemory builds an in-memory bus. A nil registerer keeps the metrics
// private to the instance.
func NewMemory(logger *slog.Logger, reg prometheus.Registerer) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:        logger,
		metrics:       newMetrics(reg, "memory"),
		eventSubs:     make(map[string][]*eventSubscriber),
		commandQueues: make(map[string]map[string]*commandQueue),
	}
}

// Connect marks the bus usable. Idempotent.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		m.connected = true
		m.logger.Info("Connected in-memory bus")
	}
	return nil
}

// Disconnect stops the queue workers, waits for in-flight commands and
// drops auto-delete event bindings. Idempotent.
func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false

	queues := make([]*commandQueue, 0)
	for _, byName := range m.commandQueues {
		for _, q := range byName {
			queues = append(queues, q)
		}
	}
	m.commandQueues = make(map[string]map[string]*commandQueue)

	for eventType, subs := range m.eventSubs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.queue != "" {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(m.eventSubs, eventType)
		} else {
			m.eventSubs[eventType] = kept
		}
	}
	m.mu.Unlock()

	for _, q := range queues {
		close(q.ch)
		<-q.done
	}
	m.inflight.Wait()
	m.logger.Info("Disconnected in-memory bus")
	return nil
}

// Use installs a pre-publish hook.
func (m *Memory) Use(hook PublishHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Memory) runHooks(ctx context.Context, rec Record) {
	m.hooksMu.RLock()
	hooks := m.hooks
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, rec)
	}
}

// PublishEvent fans the event out to every subscriber of its type and
// waits for all of them. Subscriber errors are joined into the return
// value; a handler publishing an event type it also subscribes to will
// self-deadlock, so consumers re-enter the system via commands instead.
func (m *Memory) PublishEvent(ctx context.Context, evt message.Event) error {
	m.mu.RLock()
	if !m.connected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	subs := m.eventSubs[evt.Metadata.EventType]
	m.mu.RUnlock()

	m.metrics.eventsPublished.WithLabelValues(evt.Metadata.EventType).Inc()
	m.runHooks(ctx, eventRecord(evt))

	if len(subs) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		joined []error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *eventSubscriber) {
			defer wg.Done()
			sub.mu.Lock()
			defer sub.mu.Unlock()
			m.metrics.deliveries.WithLabelValues(evt.Metadata.EventType).Inc()
			if err := sub.handler(ctx, evt); err != nil {
				m.metrics.handlerErrors.WithLabelValues(evt.Metadata.EventType).Inc()
				m.logger.Error("Event subscriber failed",
					"event_type", evt.Metadata.EventType,
					"event_id", evt.Metadata.EventID,
					"error", err)
				errMu.Lock()
				joined = append(joined, err)
				errMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(joined...)
}

// SubscribeToEvent registers a consumer for one event type.
func (m *Memory) SubscribeToEvent(ctx context.Context, eventType string, handler EventHandler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("bus: nil handler for event %s", eventType)
	}
	o := applySubscribeOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.eventSubs[eventType] = append(m.eventSubs[eventType], &eventSubscriber{
		handler: handler,
		queue:   o.queue,
	})
	m.logger.Debug("subscribed to event", "event_type", eventType, "queue", o.queue)
	return nil
}

// PublishCommand enqueues the command on every queue bound to its type and
// returns without waiting for the consumers.
func (m *Memory) PublishCommand(ctx context.Context, cmd message.Command) error {
	commandType := cmd.Metadata.CommandType

	m.mu.RLock()
	if !m.connected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	byName := m.commandQueues[commandType]
	queues := make([]*commandQueue, 0, len(byName))
	for _, q := range byName {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	m.metrics.commandsPublished.WithLabelValues(commandType).Inc()
	for _, q := range queues {
		m.runHooks(ctx, commandRecord(cmd, q.name))
	}
	if len(queues) == 0 {
		// No consumer yet; the hook trail still records intent.
		m.runHooks(ctx, commandRecord(cmd, commandType))
		return nil
	}

	detached := context.WithoutCancel(ctx)
	for _, q := range queues {
		m.inflight.Add(1)
		q.ch <- commandDelivery{ctx: detached, cmd: cmd}
	}
	return nil
}

// SubscribeToCommand binds the consumer for one command type. The queue
// name defaults to the command type; a queue accepts exactly one consumer.
func (m *Memory) SubscribeToCommand(ctx context.Context, commandType string, handler CommandHandler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("bus: nil handler for command %s", commandType)
	}
	o := applySubscribeOptions(opts)
	queueName := o.queue
	if queueName == "" {
		queueName = commandType
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	byName := m.commandQueues[commandType]
	if byName == nil {
		byName = make(map[string]*commandQueue)
		m.commandQueues[commandType] = byName
	}
	if _, exists := byName[queueName]; exists {
		return fmt.Errorf("bus: queue %s already has a consumer", queueName)
	}

	q := &commandQueue{
		name:    queueName,
		handler: handler,
		ch:      make(chan commandDelivery, commandQueueDepth),
		done:    make(chan struct{}),
	}
	byName[queueName] = q
	go m.consumeQueue(q)
	m.logger.Debug("subscribed to command", "command_type", commandType, "queue", queueName)
	return nil
}

// consumeQueue drains one queue FIFO, one command to completion at a time.
func (m *Memory) consumeQueue(q *commandQueue) {
	defer close(q.done)
	for delivery := range q.ch {
		m.metrics.deliveries.WithLabelValues(delivery.cmd.Metadata.CommandType).Inc()
		if err := q.handler(delivery.ctx, delivery.cmd); err != nil {
			m.metrics.handlerErrors.WithLabelValues(delivery.cmd.Metadata.CommandType).Inc()
			m.logger.Error("Command consumer failed",
				"command_type", delivery.cmd.Metadata.CommandType,
				"command_id", delivery.cmd.Metadata.CommandID,
				"queue", q.name,
				"error", err)
		}
		m.inflight.Done()
	}
}

// Drain blocks until every enqueued command has been processed. Intended
// for tests and orderly shutdown.
func (m *Memory) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Bus = (*Memory)(nil)
