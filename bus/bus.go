// Package bus provides broker-agnostic publish/subscribe for domain events
// and commands. Events fan out to every subscriber of a type; commands are
// delivered to a named queue whose consumer processes one message to
// completion before the next. Implementations expose a pre-publish
// middleware seam used by the event monitor.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/taskhive/message"
)

// ErrNotConnected is returned by publish and subscribe operations before
// Connect or after Disconnect.
var ErrNotConnected = errors.New("bus: not connected")

// EventHandler consumes one event. A non-nil error marks the delivery as
// failed; the retry controller, when wrapped around the handler, decides
// between redelivery and dead-lettering.
type EventHandler func(ctx context.Context, evt message.Event) error

// CommandHandler consumes one command.
type CommandHandler func(ctx context.Context, cmd message.Command) error

// Record is the read-only view of a published message handed to publish
// hooks.
type Record struct {
	IsEvent       bool
	Type          string
	MessageID     string
	CorrelationID string
	CausationID   string
	Source        string
	Destination   string
	Timestamp     time.Time
	Payload       map[string]any
}

// PublishHook observes every message immediately before dispatch. Hooks
// must not block; they run on the publisher's goroutine.
type PublishHook func(ctx context.Context, rec Record)

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queue string
}

// WithQueue names the queue backing the subscription. Named queues are
// durable on brokered implementations; unnamed bindings are deleted on
// disconnect.
func WithQueue(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.queue = name }
}

func applySubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Bus is the pub/sub contract shared by the in-memory and brokered
// implementations.
type Bus interface {
	// Connect establishes the transport. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down, removing auto-delete bindings.
	// Idempotent.
	Disconnect(ctx context.Context) error

	// PublishEvent routes an event to all subscribers of its type. Safe to
	// call from any goroutine.
	PublishEvent(ctx context.Context, evt message.Event) error
	// SubscribeToEvent registers a consumer for one event type.
	SubscribeToEvent(ctx context.Context, eventType string, handler EventHandler, opts ...SubscribeOption) error

	// PublishCommand routes a command to its queue.
	PublishCommand(ctx context.Context, cmd message.Command) error
	// SubscribeToCommand registers the consumer for one command type.
	SubscribeToCommand(ctx context.Context, commandType string, handler CommandHandler, opts ...SubscribeOption) error

	// Use installs a pre-publish hook. Hooks run in registration order.
	Use(hook PublishHook)
}

func eventRecord(evt message.Event) Record {
	return Record{
		IsEvent:       true,
		Type:          evt.Metadata.EventType,
		MessageID:     evt.Metadata.EventID,
		CorrelationID: evt.Metadata.CorrelationID,
		CausationID:   evt.Metadata.CausationID,
		Source:        evt.Metadata.Source,
		Timestamp:     evt.Metadata.Timestamp,
		Payload:       message.PayloadMap(evt.Payload),
	}
}

func commandRecord(cmd message.Command, queue string) Record {
	return Record{
		IsEvent:       false,
		Type:          cmd.Metadata.CommandType,
		MessageID:     cmd.Metadata.CommandID,
		CorrelationID: cmd.Metadata.CorrelationID,
		CausationID:   cmd.Metadata.CausationID,
		Source:        cmd.Metadata.Source,
		Destination:   queue,
		Timestamp:     cmd.Metadata.Timestamp,
		Payload:       message.PayloadMap(cmd.Payload),
	}
}
