package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logFileName = "events.log"

// LogEntry is one observed message in the monitor's log store and in the
// newline-delimited log file.
type LogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Kind          string         `json:"kind"` // "event" or "command"
	Type          string         `json:"type"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	Destination   string         `json:"destination,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// eventLog is the bounded in-memory ring plus the optional size-rotated
// append-only file writer.
type eventLog struct {
	maxEntries   int
	rotationSize int64
	dir          string
	logger       *slog.Logger

	mu      sync.Mutex
	entries []LogEntry
	file    *os.File
	size    int64
}

func newEventLog(dir string, maxEntries int, rotationSize int64, logger *slog.Logger) (*eventLog, error) {
	l := &eventLog{
		maxEntries:   maxEntries,
		rotationSize: rotationSize,
		dir:          dir,
		logger:       logger,
	}
	if dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *eventLog) openFile() error {
	path := filepath.Join(l.dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

func (l *eventLog) append(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}

	if l.file == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("Failed to encode log entry", "type", entry.Type, "error", err)
		return
	}
	line = append(line, '\n')
	n, err := l.file.Write(line)
	if err != nil {
		l.logger.Warn("Failed to write event log", "error", err)
		return
	}
	l.size += int64(n)
	if l.size >= l.rotationSize {
		l.rotateLocked()
	}
}

// rotateLocked renames the active file with a timestamp suffix and starts a
// fresh one. Caller holds l.mu.
func (l *eventLog) rotateLocked() {
	l.file.Close()
	rotated := filepath.Join(l.dir, fmt.Sprintf("events-%s.log", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(filepath.Join(l.dir, logFileName), rotated); err != nil {
		l.logger.Warn("Failed to rotate event log", "error", err)
	}
	if err := l.openFile(); err != nil {
		l.logger.Error("Failed to reopen event log after rotation", "error", err)
		l.file = nil
	}
}

// recent returns up to n entries, newest last. n <= 0 returns everything
// retained.
func (l *eventLog) recent(n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]LogEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

func (l *eventLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
