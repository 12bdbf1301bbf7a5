package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventMetadata is the envelope shared by all domain events.
type EventMetadata struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source,omitempty"`
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Event is a domain event: a record that something has happened.
type Event struct {
	Metadata EventMetadata `json:"metadata"`
	Payload  any           `json:"payload"`
}

// CommandMetadata is the envelope shared by all commands.
type CommandMetadata struct {
	CommandID     string            `json:"command_id"`
	CommandType   string            `json:"command_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source,omitempty"`
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Command is a request that an action be performed. It mirrors Event in
// envelope shape but denotes intent, not fact.
type Command struct {
	Metadata CommandMetadata `json:"metadata"`
	Payload  any             `json:"payload"`
}

// Option customizes a freshly built event or command envelope.
type Option func(*envelopeFields)

type envelopeFields struct {
	source        string
	correlationID string
	causationID   string
	attributes    map[string]string
}

// WithSource sets the component that produced the message.
func WithSource(source string) Option {
	return func(f *envelopeFields) { f.source = source }
}

// WithCorrelationID groups the message into a workflow.
func WithCorrelationID(id string) Option {
	return func(f *envelopeFields) { f.correlationID = id }
}

// WithCausationID records the message that caused this one.
func WithCausationID(id string) Option {
	return func(f *envelopeFields) { f.causationID = id }
}

// WithAttribute adds one entry to the open metadata mapping.
func WithAttribute(key, value string) Option {
	return func(f *envelopeFields) {
		if f.attributes == nil {
			f.attributes = make(map[string]string)
		}
		f.attributes[key] = value
	}
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType string, payload any, opts ...Option) Event {
	var f envelopeFields
	for _, opt := range opts {
		opt(&f)
	}
	return Event{
		Metadata: EventMetadata{
			EventID:       uuid.NewString(),
			EventType:     eventType,
			Timestamp:     time.Now().UTC(),
			Source:        f.source,
			Version:       Version,
			CorrelationID: f.correlationID,
			CausationID:   f.causationID,
			Attributes:    f.attributes,
		},
		Payload: payload,
	}
}

// NewCommand builds a command with a fresh id and timestamp.
func NewCommand(commandType string, payload any, opts ...Option) Command {
	var f envelopeFields
	for _, opt := range opts {
		opt(&f)
	}
	return Command{
		Metadata: CommandMetadata{
			CommandID:     uuid.NewString(),
			CommandType:   commandType,
			Timestamp:     time.Now().UTC(),
			Source:        f.source,
			Version:       Version,
			CorrelationID: f.correlationID,
			CausationID:   f.causationID,
			Attributes:    f.attributes,
		},
		Payload: payload,
	}
}

// EncodeEvent serializes an event to its wire form.
func EncodeEvent(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.Metadata.EventType, err)
	}
	return data, nil
}

// DecodeEvent parses an event from its wire form. The payload comes back
// as a generic map; use DecodePayload for typed access.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Metadata.EventType == "" {
		return Event{}, fmt.Errorf("decode event: missing event_type")
	}
	return evt, nil
}

// EncodeCommand serializes a command to its wire form.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Metadata.CommandType, err)
	}
	return data, nil
}

// DecodeCommand parses a command from its wire form.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Metadata.CommandType == "" {
		return Command{}, fmt.Errorf("decode command: missing command_type")
	}
	return cmd, nil
}

// DecodePayload converts a payload (typed struct or generic map, depending
// on which side of the wire it came from) into T via a JSON round trip.
func DecodePayload[T any](payload any) (T, error) {
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// PayloadMap converts a payload to its generic map form, for consumers
// that inspect messages without knowing their variant.
func PayloadMap(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
