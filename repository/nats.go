package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskhive/task"
)

const taskBucket = "taskhive_tasks"

// KV stores task documents in a NATS JetStream key-value bucket, one key
// per task id. Queries load every document and filter in memory; the
// expected working set is small enough that a secondary index is not worth
// its consistency burden.
type KV struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewKV opens (creating if needed) the task bucket.
func NewKV(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*KV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bucket, err := js.KeyValue(ctx, taskBucket)
	if err != nil {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      taskBucket,
			Description: "Task documents keyed by task id",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", taskBucket, err)
		}
	}
	return &KV{bucket: bucket, logger: logger}, nil
}

// Save upserts the task document.
func (k *KV) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.TaskID == "" {
		return fmt.Errorf("%w: task has no id", task.ErrValidation)
	}
	data, err := json.Marshal(t.ToDocument())
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.TaskID, err)
	}
	if _, err := k.bucket.Put(ctx, t.TaskID, data); err != nil {
		return fmt.Errorf("store task %s: %w", t.TaskID, err)
	}
	return nil
}

// GetByID loads one task document.
func (k *KV) GetByID(ctx context.Context, taskID string) (*task.Task, error) {
	entry, err := k.bucket.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var doc task.Document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", taskID, err)
	}
	return task.FromDocument(doc)
}

// FindByStatus returns every task in the given status.
func (k *KV) FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return k.FindByCriteria(ctx, Criteria{Status: status})
}

// FindByAssignee returns every task assigned to the principal.
func (k *KV) FindByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return k.FindByCriteria(ctx, Criteria{Assignee: assignee})
}

// FindByCriteria loads every document and filters in memory. Entries that
// fail to load or parse are skipped, not fatal.
func (k *KV) FindByCriteria(ctx context.Context, c Criteria) ([]*task.Task, error) {
	keys, err := k.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*task.Task{}, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]*task.Task, 0, len(keys))
	for _, key := range keys {
		t, err := k.GetByID(ctx, key)
		if err != nil {
			k.logger.Warn("Skipping unreadable task entry", "task_id", key, "error", err)
			continue
		}
		if Matches(t, c) {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

// Delete removes the task, reporting whether it existed.
func (k *KV) Delete(ctx context.Context, taskID string) (bool, error) {
	if _, err := k.bucket.Get(ctx, taskID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if err := k.bucket.Delete(ctx, taskID); err != nil {
		return false, fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return true, nil
}

var _ TaskRepository = (*KV)(nil)
