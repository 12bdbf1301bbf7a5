package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskhive/message"
	"github.com/c360studio/taskhive/task"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:    maxRetries,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 1.5,
	}
}

func TestControllerSuccessLeavesNoState(t *testing.T) {
	c := NewController(fastConfig(3), nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		calls.Add(1)
		return nil
	})

	evt := message.NewEvent(message.EventTaskCreated, map[string]any{"task_id": "t1"})
	require.NoError(t, wrapped(context.Background(), evt))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, c.PendingRetries())
	assert.Equal(t, 0, c.DeadLetters().Len())
}

func TestControllerRetriesUntilSuccess(t *testing.T) {
	c := NewController(fastConfig(3), nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	evt := message.NewEvent(message.EventTaskCreated, map[string]any{"task_id": "t1"})
	require.NoError(t, wrapped(context.Background(), evt))

	require.Eventually(t, func() bool {
		return calls.Load() == 3
	}, time.Second, time.Millisecond, "expected initial delivery plus two redeliveries")
	assert.Equal(t, 0, c.DeadLetters().Len())
	assert.Equal(t, 0, c.PendingRetries())
}

func TestControllerExhaustionDeadLetters(t *testing.T) {
	c := NewController(fastConfig(3), nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	wrapped := c.WrapCommand(func(ctx context.Context, cmd message.Command) error {
		return fmt.Errorf("connection reset, attempt %d", calls.Add(1))
	})

	cmd := message.NewCommand(message.CommandUpdateTaskStatus, map[string]any{"task_id": "t1"})
	require.NoError(t, wrapped(context.Background(), cmd))

	require.Eventually(t, func() bool {
		return c.DeadLetters().Len() == 1
	}, time.Second, time.Millisecond)

	// Initial delivery plus max_retries redeliveries.
	assert.Equal(t, int32(4), calls.Load())

	records := c.DeadLetters().List()
	require.Len(t, records, 1)
	assert.Equal(t, cmd.Metadata.CommandID, records[0].MessageID)
	assert.Equal(t, message.CommandUpdateTaskStatus, records[0].MessageType)
	assert.Equal(t, "connection reset, attempt 4", records[0].OriginalError)
	assert.False(t, records[0].DeadLetteredAt.Before(records[0].FailedAt))
}

func TestControllerTerminalErrorDeadLettersImmediately(t *testing.T) {
	c := NewController(fastConfig(3), nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		calls.Add(1)
		return fmt.Errorf("%w: missing title", task.ErrValidation)
	})

	evt := message.NewEvent(message.EventTaskCreated, map[string]any{})
	require.NoError(t, wrapped(context.Background(), evt))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.DeadLetters().Len())
	assert.Equal(t, 0, c.PendingRetries())
}

func TestControllerSupersedesPendingRetry(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	c := NewController(cfg, nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		calls.Add(1)
		return errors.New("connection refused")
	})

	evt := message.NewEvent(message.EventTaskCreated, map[string]any{"task_id": "t1"})
	require.NoError(t, wrapped(context.Background(), evt))
	require.NoError(t, wrapped(context.Background(), evt))

	// Two failed deliveries of the same message id leave exactly one
	// pending redelivery; the first was superseded by the second.
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.PendingRetries())

	c.Stop()
	before := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, calls.Load(), "cancelled retries must not fire")
}

func TestDeadLetterStoreRetryReinvokes(t *testing.T) {
	c := NewController(fastConfig(0), nil, nil)
	defer c.Stop()

	var calls atomic.Int32
	failing := atomic.Bool{}
	failing.Store(true)
	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		calls.Add(1)
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	evt := message.NewEvent(message.EventTaskCreated, map[string]any{"task_id": "t1"})
	require.NoError(t, wrapped(context.Background(), evt))
	require.Equal(t, 1, c.DeadLetters().Len())

	failing.Store(false)
	require.NoError(t, c.DeadLetters().Retry(context.Background(), 0))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.DeadLetters().Len())

	err := c.DeadLetters().Retry(context.Background(), 0)
	assert.Error(t, err, "index beyond store bounds")
}

func TestDeadLetterStoreClear(t *testing.T) {
	c := NewController(fastConfig(0), nil, nil)
	defer c.Stop()

	wrapped := c.WrapEvent(func(ctx context.Context, evt message.Event) error {
		return errors.New("connection refused")
	})
	for range 3 {
		evt := message.NewEvent(message.EventTaskCreated, map[string]any{"task_id": "t1"})
		require.NoError(t, wrapped(context.Background(), evt))
	}
	require.Equal(t, 3, c.DeadLetters().Len())

	c.DeadLetters().Clear()
	assert.Empty(t, c.DeadLetters().List())
}

func TestConfigDelayCapsAtMax(t *testing.T) {
	cfg := Config{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      4 * time.Second,
		BackoffFactor: 2,
	}
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.BackoffFactor = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxDelay = bad.InitialDelay / 2
	assert.Error(t, bad.Validate())
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"validation sentinel", fmt.Errorf("%w: bad input", task.ErrValidation), false},
		{"not found sentinel", task.ErrNotFound, false},
		{"invalid transition", task.ErrInvalidTransition, false},
		{"json parse", func() error {
			var v map[string]any
			return json.Unmarshal([]byte("{not json"), &v)
		}(), false},
		{"connection text", errors.New("connection refused by broker"), true},
		{"timeout text", errors.New("request timed out"), true},
		{"server error text", errors.New("server error 503"), true},
		{"unknown defaults retryable", errors.New("something odd happened"), true},
		{"context deadline", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}
