package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DeadLetter records one message that failed processing and cannot be
// retried further.
type DeadLetter struct {
	MessageID      string    `json:"message_id"`
	MessageType    string    `json:"message_type"`
	Message        any       `json:"message"`
	Error          string    `json:"error"`
	OriginalError  string    `json:"original_error"`
	FailedAt       time.Time `json:"failed_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type deadEntry struct {
	record DeadLetter
	invoke func(context.Context) error
}

// DeadLetterStore is the append-only in-process store behind a controller.
type DeadLetterStore struct {
	mu      sync.Mutex
	entries []deadEntry
	size    prometheus.Gauge
}

func newDeadLetterStore(factory promauto.Factory) *DeadLetterStore {
	return &DeadLetterStore{
		size: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskhive_dead_letter_entries",
			Help: "Messages currently held in the dead-letter store.",
		}),
	}
}

func (s *DeadLetterStore) append(record DeadLetter, invoke func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, deadEntry{record: record, invoke: invoke})
	s.size.Set(float64(len(s.entries)))
}

// List returns a copy of the current records, oldest first.
func (s *DeadLetterStore) List() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.record
	}
	return out
}

// Len reports the number of stored records.
func (s *DeadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every record.
func (s *DeadLetterStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.size.Set(0)
}

// Retry removes the record at index and re-invokes its original callback
// with a reset retry count. The record is removed even if the callback
// fails again; a fresh failure re-enters through the controller.
func (s *DeadLetterStore) Retry(ctx context.Context, index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.entries) {
		s.mu.Unlock()
		return fmt.Errorf("dead-letter index %d out of range [0,%d)", index, len(s.entries))
	}
	entry := s.entries[index]
	s.entries = append(s.entries[:index], s.entries[index+1:]...)
	s.size.Set(float64(len(s.entries)))
	s.mu.Unlock()

	return entry.invoke(ctx)
}
