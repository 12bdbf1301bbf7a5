package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/taskhive/task"
)

const (
	taskDirName   = "tasks"
	indexFileName = "index.json"
	taskFileGlob  = "tasks/*.json"
)

// indexEntry is the projection of commonly queried fields kept in
// index.json so listings avoid opening every document.
type indexEntry struct {
	Title           string    `json:"title"`
	Status          string    `json:"status"`
	CreatedBy       string    `json:"created_by"`
	Assignee        string    `json:"assignee,omitempty"`
	RequirementsIDs []string  `json:"requirements_ids,omitempty"`
	ParentTaskID    string    `json:"parent_task_id,omitempty"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// File stores each task as one JSON document under <dir>/tasks and keeps a
// projection of queryable fields in <dir>/index.json. The index file is
// watched; when another process rewrites it, the in-memory projection is
// reloaded.
type File struct {
	dir    string
	logger *slog.Logger

	mu             sync.Mutex
	index          map[string]indexEntry
	ownIndexWrites int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFile opens (creating if needed) a file-backed repository rooted at dir.
func NewFile(dir string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, taskDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}

	f := &File{
		dir:    dir,
		logger: logger,
		index:  make(map[string]indexEntry),
		done:   make(chan struct{}),
	}
	if err := f.loadIndex(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create index watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	f.watcher = watcher
	go f.watchIndex()
	return f, nil
}

// Close stops the index watcher.
func (f *File) Close() error {
	err := f.watcher.Close()
	<-f.done
	return err
}

func (f *File) watchIndex() {
	defer close(f.done)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != indexFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			f.mu.Lock()
			if f.ownIndexWrites > 0 {
				f.ownIndexWrites--
				f.mu.Unlock()
				continue
			}
			f.mu.Unlock()
			if err := f.loadIndex(); err != nil {
				f.logger.Warn("Failed to reload task index", "error", err)
			} else {
				f.logger.Debug("reloaded task index after external write")
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("Index watcher error", "error", err)
		}
	}
}

func (f *File) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(f.dir, indexFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	index := make(map[string]indexEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	f.mu.Lock()
	f.index = index
	f.mu.Unlock()
	return nil
}

// persistIndexLocked writes index.json atomically. Caller holds f.mu.
func (f *File) persistIndexLocked() error {
	data, err := json.MarshalIndent(f.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	// The rename below surfaces as one watcher event on index.json.
	f.ownIndexWrites++
	if err := writeFileAtomic(filepath.Join(f.dir, indexFileName), data); err != nil {
		f.ownIndexWrites--
		return err
	}
	return nil
}

func (f *File) taskPath(taskID string) string {
	return filepath.Join(f.dir, taskDirName, taskID+".json")
}

// Save upserts the task document and its index projection.
func (f *File) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.TaskID == "" {
		return fmt.Errorf("%w: task has no id", task.ErrValidation)
	}
	doc := t.ToDocument()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.TaskID, err)
	}
	if err := writeFileAtomic(f.taskPath(t.TaskID), data); err != nil {
		return fmt.Errorf("write task %s: %w", t.TaskID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entry := indexEntry{
		Title:           doc.Title,
		Status:          doc.Status,
		CreatedBy:       doc.CreatedBy,
		Assignee:        doc.Assignee,
		RequirementsIDs: doc.RequirementsIDs,
		ParentTaskID:    doc.ParentTaskID,
		Version:         f.index[t.TaskID].Version + 1,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	f.index[t.TaskID] = entry
	return f.persistIndexLocked()
}

// GetByID loads one task document.
func (f *File) GetByID(ctx context.Context, taskID string) (*task.Task, error) {
	data, err := os.ReadFile(f.taskPath(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var doc task.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", taskID, err)
	}
	return task.FromDocument(doc)
}

// FindByStatus shortlists ids through the index projection, then loads the
// matching documents.
func (f *File) FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	f.mu.Lock()
	ids := make([]string, 0)
	for id, entry := range f.index {
		if entry.Status == string(status) {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := f.GetByID(ctx, id)
		if err != nil {
			// Index may be ahead of or behind the documents; skip strays.
			f.logger.Warn("Skipping unreadable task", "task_id", id, "error", err)
			continue
		}
		if t.Status == status {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

// FindByAssignee returns every task assigned to the principal.
func (f *File) FindByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return f.FindByCriteria(ctx, Criteria{Assignee: assignee})
}

// FindByCriteria enumerates every document and filters in memory.
func (f *File) FindByCriteria(ctx context.Context, c Criteria) ([]*task.Task, error) {
	paths, err := doublestar.Glob(os.DirFS(f.dir), taskFileGlob)
	if err != nil {
		return nil, fmt.Errorf("enumerate tasks: %w", err)
	}
	sort.Strings(paths)

	out := make([]*task.Task, 0)
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(f.dir, rel))
		if err != nil {
			f.logger.Warn("Skipping unreadable task file", "path", rel, "error", err)
			continue
		}
		var doc task.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			f.logger.Warn("Skipping malformed task file", "path", rel, "error", err)
			continue
		}
		t, err := task.FromDocument(doc)
		if err != nil {
			f.logger.Warn("Skipping invalid task document", "path", rel, "error", err)
			continue
		}
		if Matches(t, c) {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

// Delete removes the document and its index entry.
func (f *File) Delete(ctx context.Context, taskID string) (bool, error) {
	err := os.Remove(f.taskPath(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", taskID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.index, taskID)
	if err := f.persistIndexLocked(); err != nil {
		return true, err
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

var _ TaskRepository = (*File)(nil)
