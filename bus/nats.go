package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/taskhive/message"
)

// Stream and subject layout. Events go to a topic-style stream keyed by
// event type; commands go to a direct stream with one durable consumer per
// queue. Both streams are file-backed so messages survive broker restarts.
const (
	eventStreamName   = "TASKHIVE_EVENTS"
	commandStreamName = "TASKHIVE_COMMANDS"

	eventSubjectPrefix   = "events."
	commandSubjectPrefix = "commands."

	headerMessageID     = "Taskhive-Msg-Id"
	headerMessageType   = "Taskhive-Msg-Type"
	headerTimestamp     = "Taskhive-Timestamp"
	headerVersion       = "Taskhive-Version"
	headerCorrelationID = "Taskhive-Correlation-Id"
)

// ephemeralInactiveThreshold cleans up unnamed consumers abandoned without
// a disconnect.
const ephemeralInactiveThreshold = 5 * time.Minute

// NATSConfig configures the brokered bus.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string
	// Name identifies the connection to the server.
	Name string
}

// NATS is the JetStream-backed bus. Deliveries are acknowledged only after
// the subscriber callback returns without error; a failed callback naks the
// message so the broker redelivers it.
type NATS struct {
	cfg     NATSConfig
	logger  *slog.Logger
	metrics *metrics

	mu        sync.Mutex
	conn      *nats.Conn
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext

	hooksMu sync.RWMutex
	hooks   []PublishHook
}

// NewNATS builds a brokered bus. Connect must be called before use.
func NewNATS(cfg NATSConfig, logger *slog.Logger, reg prometheus.Registerer) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "taskhive"
	}
	return &NATS{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg, "nats"),
	}
}

// Connect dials the broker and ensures both streams exist. Idempotent.
func (n *NATS) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return nil
	}

	conn, err := nats.Connect(n.cfg.URL,
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}

	if err := ensureStream(ctx, js, eventStreamName, eventSubjectPrefix+">"); err != nil {
		conn.Close()
		return err
	}
	if err := ensureStream(ctx, js, commandStreamName, commandSubjectPrefix+">"); err != nil {
		conn.Close()
		return err
	}

	n.conn = conn
	n.js = js
	n.logger.Info("Connected to NATS", "url", conn.ConnectedUrl())
	return nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, name, subjects string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Disconnect stops all consumers and closes the connection. Ephemeral
// consumers are deleted by the server once their inactivity threshold
// elapses. Idempotent.
func (n *NATS) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	for _, cc := range n.consumers {
		cc.Stop()
	}
	n.consumers = nil
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("NATS drain failed", "error", err)
	}
	n.conn = nil
	n.js = nil
	n.logger.Info("Disconnected from NATS")
	return nil
}

// Use installs a pre-publish hook.
func (n *NATS) Use(hook PublishHook) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.hooks = append(n.hooks, hook)
}

func (n *NATS) runHooks(ctx context.Context, rec Record) {
	n.hooksMu.RLock()
	hooks := n.hooks
	n.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, rec)
	}
}

func (n *NATS) jetStream() (jetstream.JetStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js == nil {
		return nil, ErrNotConnected
	}
	return n.js, nil
}

// PublishEvent publishes the event to its subject with persistent storage
// and metadata headers.
func (n *NATS) PublishEvent(ctx context.Context, evt message.Event) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}
	data, err := message.EncodeEvent(evt)
	if err != nil {
		return err
	}

	n.metrics.eventsPublished.WithLabelValues(evt.Metadata.EventType).Inc()
	n.runHooks(ctx, eventRecord(evt))

	msg := &nats.Msg{
		Subject: eventSubjectPrefix + evt.Metadata.EventType,
		Data:    data,
		Header:  envelopeHeader(evt.Metadata.EventID, evt.Metadata.EventType, evt.Metadata.Timestamp, evt.Metadata.CorrelationID),
	}
	if _, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(evt.Metadata.EventID)); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Metadata.EventType, err)
	}
	return nil
}

// SubscribeToEvent creates a consumer filtered to the event type. A named
// queue yields a durable consumer shared across restarts; an unnamed
// subscription is ephemeral and removed after disconnect.
func (n *NATS) SubscribeToEvent(ctx context.Context, eventType string, handler EventHandler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("bus: nil handler for event %s", eventType)
	}
	o := applySubscribeOptions(opts)

	cfg := jetstream.ConsumerConfig{
		FilterSubject: eventSubjectPrefix + eventType,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    1, // redelivery belongs to the retry controller
	}
	if o.queue != "" {
		cfg.Durable = sanitizeConsumerName(o.queue)
	} else {
		cfg.InactiveThreshold = ephemeralInactiveThreshold
	}

	return n.consume(ctx, eventStreamName, cfg, func(ctx context.Context, msg jetstream.Msg) error {
		evt, err := message.DecodeEvent(msg.Data())
		if err != nil {
			return terminalDeliveryError{err}
		}
		n.metrics.deliveries.WithLabelValues(eventType).Inc()
		if err := handler(ctx, evt); err != nil {
			n.metrics.handlerErrors.WithLabelValues(eventType).Inc()
			return err
		}
		return nil
	})
}

// PublishCommand publishes the command to its subject.
func (n *NATS) PublishCommand(ctx context.Context, cmd message.Command) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}
	data, err := message.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	commandType := cmd.Metadata.CommandType
	n.metrics.commandsPublished.WithLabelValues(commandType).Inc()
	n.runHooks(ctx, commandRecord(cmd, commandType))

	msg := &nats.Msg{
		Subject: commandSubjectPrefix + commandType,
		Data:    data,
		Header:  envelopeHeader(cmd.Metadata.CommandID, commandType, cmd.Metadata.Timestamp, cmd.Metadata.CorrelationID),
	}
	if _, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(cmd.Metadata.CommandID)); err != nil {
		return fmt.Errorf("publish command %s: %w", commandType, err)
	}
	return nil
}

// SubscribeToCommand creates a durable consumer for the command type. One
// outstanding delivery at a time preserves queue semantics.
func (n *NATS) SubscribeToCommand(ctx context.Context, commandType string, handler CommandHandler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("bus: nil handler for command %s", commandType)
	}
	o := applySubscribeOptions(opts)
	queueName := o.queue
	if queueName == "" {
		queueName = commandType
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       sanitizeConsumerName(queueName),
		FilterSubject: commandSubjectPrefix + commandType,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		MaxDeliver:    1,
	}

	return n.consume(ctx, commandStreamName, cfg, func(ctx context.Context, msg jetstream.Msg) error {
		cmd, err := message.DecodeCommand(msg.Data())
		if err != nil {
			return terminalDeliveryError{err}
		}
		n.metrics.deliveries.WithLabelValues(commandType).Inc()
		if err := handler(ctx, cmd); err != nil {
			n.metrics.handlerErrors.WithLabelValues(commandType).Inc()
			return err
		}
		return nil
	})
}

// terminalDeliveryError marks a message that can never be processed, such
// as one that fails to decode. It is terminated rather than redelivered.
type terminalDeliveryError struct{ err error }

func (e terminalDeliveryError) Error() string { return e.err.Error() }
func (e terminalDeliveryError) Unwrap() error { return e.err }

func (n *NATS) consume(ctx context.Context, streamName string, cfg jetstream.ConsumerConfig, process func(context.Context, jetstream.Msg) error) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return fmt.Errorf("create consumer on %s: %w", streamName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		err := process(context.WithoutCancel(ctx), msg)
		switch {
		case err == nil:
			if err := msg.Ack(); err != nil {
				n.logger.Warn("Failed to ack message", "subject", msg.Subject(), "error", err)
			}
		case errors.As(err, &terminalDeliveryError{}):
			n.logger.Error("Terminating undecodable message", "subject", msg.Subject(), "error", err)
			if err := msg.Term(); err != nil {
				n.logger.Warn("Failed to terminate message", "subject", msg.Subject(), "error", err)
			}
		default:
			if err := msg.Nak(); err != nil {
				n.logger.Warn("Failed to nak message", "subject", msg.Subject(), "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer on %s: %w", streamName, err)
	}

	n.mu.Lock()
	n.consumers = append(n.consumers, cc)
	n.mu.Unlock()
	return nil
}

func envelopeHeader(id, msgType string, ts time.Time, correlationID string) nats.Header {
	h := nats.Header{}
	h.Set(headerMessageID, id)
	h.Set(headerMessageType, msgType)
	h.Set(headerTimestamp, ts.Format(time.RFC3339Nano))
	h.Set(headerVersion, message.Version)
	if correlationID != "" {
		h.Set(headerCorrelationID, correlationID)
	}
	return h
}

// sanitizeConsumerName maps a queue name onto the characters NATS allows
// in durable consumer names.
func sanitizeConsumerName(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_").Replace(name)
}

var _ Bus = (*NATS)(nil)
