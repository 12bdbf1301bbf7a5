package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
)

func newMonitor(t *testing.T, mutate func(*Config)) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func attachedBus(t *testing.T, m *Monitor) *bus.Memory {
	t.Helper()
	b := bus.NewMemory(nil, nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { b.Disconnect(ctx) })
	b.Use(m.Hook())
	return b
}

func TestMonitorIndexesWorkflows(t *testing.T) {
	m := newMonitor(t, nil)
	b := attachedBus(t, m)
	ctx := context.Background()

	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated,
		message.TaskCreatedPayload{TaskID: "t1"}, message.WithCorrelationID("wf-1"))))
	require.NoError(t, b.PublishCommand(ctx, message.NewCommand(message.CommandAssignTask,
		message.AssignTaskPayload{TaskID: "t1"}, message.WithCorrelationID("wf-1"))))
	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskAssigned,
		message.TaskAssignedPayload{TaskID: "t1", NewAssignee: "pool"}, message.WithCorrelationID("wf-1"))))

	wf, ok := m.GetWorkflow("wf-1")
	require.True(t, ok)
	assert.Equal(t, WorkflowActive, wf.Status)
	assert.Equal(t, []string{message.EventTaskCreated, message.EventTaskAssigned}, wf.EventTypes)
	assert.Equal(t, []string{message.CommandAssignTask}, wf.CommandTypes)
	assert.False(t, wf.LastUpdateTime.Before(wf.StartTime))
	assert.Len(t, m.ActiveWorkflows(), 1)
}

func TestMonitorClosesWorkflowOnCompletionEvents(t *testing.T) {
	m := newMonitor(t, nil)
	b := attachedBus(t, m)
	ctx := context.Background()

	closers := []string{
		message.EventTaskCompleted,
		message.EventWorkflowCompleted,
		message.EventRequirementApproved,
	}
	for i, closer := range closers {
		corr := string(rune('a' + i))
		require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated, nil, message.WithCorrelationID(corr))))
		require.NoError(t, b.PublishEvent(ctx, message.NewEvent(closer, nil, message.WithCorrelationID(corr))))

		wf, ok := m.GetWorkflow(corr)
		require.True(t, ok)
		assert.Equal(t, WorkflowCompleted, wf.Status, "closer %s", closer)
	}
	assert.Empty(t, m.ActiveWorkflows())
}

func TestMonitorIgnoresUncorrelatedMessages(t *testing.T) {
	m := newMonitor(t, nil)
	b := attachedBus(t, m)
	ctx := context.Background()

	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated, nil)))
	assert.Empty(t, m.ActiveWorkflows())
	assert.Len(t, m.RecentEntries(0), 1, "uncorrelated messages still reach the log")
}

func TestStallDetectorRepeatsUntilCompletion(t *testing.T) {
	m := newMonitor(t, func(c *Config) {
		c.AlertThreshold = 2 * time.Second
	})
	b := attachedBus(t, m)
	ctx := context.Background()

	var mu sync.Mutex
	var alerts []Alert
	m.RegisterAlertCallback(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	start := time.Now().UTC()
	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated,
		message.TaskCreatedPayload{TaskID: "t1"}, message.WithCorrelationID("wf-x"))))

	m.CheckStalls(start.Add(time.Second))
	mu.Lock()
	assert.Empty(t, alerts, "below threshold")
	mu.Unlock()

	m.CheckStalls(start.Add(3 * time.Second))
	m.CheckStalls(start.Add(4 * time.Second))
	mu.Lock()
	require.Len(t, alerts, 2, "one alert per sweep while stalled")
	alert := alerts[0]
	mu.Unlock()

	assert.Equal(t, "stalled_workflow", alert.Type)
	assert.Equal(t, "wf-x", alert.CorrelationID)
	assert.Equal(t, 1, alert.EventCount)
	assert.Equal(t, 0, alert.CommandCount)
	assert.NotEmpty(t, alert.Message)

	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCompleted,
		nil, message.WithCorrelationID("wf-x"))))
	m.CheckStalls(start.Add(10 * time.Minute))
	mu.Lock()
	assert.Len(t, alerts, 2, "completed workflows never alert")
	mu.Unlock()
}

func TestStallDetectorBackgroundLoop(t *testing.T) {
	m := newMonitor(t, func(c *Config) {
		c.AlertThreshold = time.Millisecond
		c.CheckInterval = 5 * time.Millisecond
	})
	b := attachedBus(t, m)
	ctx := context.Background()

	var alerted sync.WaitGroup
	alerted.Add(1)
	var once sync.Once
	m.RegisterAlertCallback(func(Alert) {
		once.Do(alerted.Done)
	})

	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated,
		nil, message.WithCorrelationID("wf-bg"))))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "start is idempotent")

	done := make(chan struct{})
	go func() {
		alerted.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stall detector never fired")
	}
	m.Stop()
}

func TestLogRingIsBounded(t *testing.T) {
	m := newMonitor(t, func(c *Config) {
		c.MaxMemoryEntries = 5
	})
	b := attachedBus(t, m)
	ctx := context.Background()

	for range 12 {
		require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskStatusChanged, nil)))
	}

	entries := m.RecentEntries(0)
	assert.Len(t, entries, 5)

	tail := m.RecentEntries(2)
	require.Len(t, tail, 2)
	assert.Equal(t, entries[3].MessageID, tail[0].MessageID)
	assert.Equal(t, entries[4].MessageID, tail[1].MessageID)
}

func TestFileLogWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	m := newMonitor(t, func(c *Config) {
		c.LogDirectory = dir
	})
	b := attachedBus(t, m)
	ctx := context.Background()

	require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskCreated,
		message.TaskCreatedPayload{TaskID: "t1", Title: "logged"}, message.WithCorrelationID("wf-1"))))
	require.NoError(t, b.PublishCommand(ctx, message.NewCommand(message.CommandQueryTasks,
		message.QueryTasksPayload{Status: "new"})))
	m.Stop()

	file, err := os.Open(filepath.Join(dir, "events.log"))
	require.NoError(t, err)
	defer file.Close()

	var lines []LogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "every line is one JSON object")
		lines = append(lines, entry)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, "event", lines[0].Kind)
	assert.Equal(t, message.EventTaskCreated, lines[0].Type)
	assert.Equal(t, "wf-1", lines[0].CorrelationID)
	assert.Equal(t, "logged", lines[0].Payload["title"])
	assert.Equal(t, "command", lines[1].Kind)
}

func TestFileLogRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	m := newMonitor(t, func(c *Config) {
		c.LogDirectory = dir
		c.FileRotationSize = 512
	})
	b := attachedBus(t, m)
	ctx := context.Background()

	for range 20 {
		require.NoError(t, b.PublishEvent(ctx, message.NewEvent(message.EventTaskStatusChanged,
			message.TaskStatusChangedPayload{TaskID: "t1", PreviousStatus: "assigned", NewStatus: "in_progress"})))
	}
	m.Stop()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "events-") && strings.HasSuffix(e.Name(), ".log") {
			rotated++
		}
	}
	assert.GreaterOrEqual(t, rotated, 1, "at least one rotation happened")
	assert.FileExists(t, filepath.Join(dir, "events.log"))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxMemoryEntries = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.AlertThreshold = 0
	assert.Error(t, bad.Validate())
}
