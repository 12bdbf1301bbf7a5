package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskhive/task"
)

func newFileRepo(t *testing.T) (*File, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := NewFile(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, dir
}

func TestFileSaveAndGet(t *testing.T) {
	repo, dir := newFileRepo(t)
	ctx := context.Background()

	created := newTask(t, "persisted", func(tk *task.Task) {
		require.NoError(t, tk.AddComment("tester", "first note", nil))
	})
	created.ClearPendingEvents()
	require.NoError(t, repo.Save(ctx, created))

	assert.FileExists(t, filepath.Join(dir, "tasks", created.TaskID+".json"))
	assert.FileExists(t, filepath.Join(dir, "index.json"))

	loaded, err := repo.GetByID(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, created.TaskID, loaded.TaskID)
	assert.Equal(t, "persisted", loaded.Title)
	require.Len(t, loaded.Comments, 1)
	assert.Equal(t, "first note", loaded.Comments[0].Text)
	assert.Empty(t, loaded.PendingEvents())
}

func TestFileGetMissing(t *testing.T) {
	repo, _ := newFileRepo(t)
	_, err := repo.GetByID(context.Background(), "absent")
	assert.True(t, errors.Is(err, task.ErrNotFound))
}

func TestFileIndexProjection(t *testing.T) {
	repo, dir := newFileRepo(t)
	ctx := context.Background()

	created := newTask(t, "indexed", nil)
	require.NoError(t, repo.Save(ctx, created))
	require.NoError(t, repo.Save(ctx, created))

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var index map[string]indexEntry
	require.NoError(t, json.Unmarshal(data, &index))

	entry, ok := index[created.TaskID]
	require.True(t, ok)
	assert.Equal(t, "indexed", entry.Title)
	assert.Equal(t, string(task.StatusCreated), entry.Status)
	assert.Equal(t, "tester", entry.CreatedBy)
	assert.Equal(t, 2, entry.Version, "each save bumps the projection version")
}

func TestFileFindByStatusUsesIndex(t *testing.T) {
	repo, _ := newFileRepo(t)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, repo.Save(ctx, newTask(t, "fresh", nil)))
	}
	assigned := newTask(t, "busy", func(tk *task.Task) {
		require.NoError(t, tk.Assign("agent-1", "admin", ""))
	})
	require.NoError(t, repo.Save(ctx, assigned))

	fresh, err := repo.FindByStatus(ctx, task.StatusCreated)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)

	busy, err := repo.FindByStatus(ctx, task.StatusAssigned)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, assigned.TaskID, busy[0].TaskID)
}

func TestFileFindByCriteriaSkipsMalformed(t *testing.T) {
	repo, dir := newFileRepo(t)
	ctx := context.Background()

	keep := newTask(t, "good", nil)
	require.NoError(t, repo.Save(ctx, keep))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "junk.json"), []byte("{broken"), 0o644))

	found, err := repo.FindByCriteria(ctx, Criteria{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, keep.TaskID, found[0].TaskID)
}

func TestFileDelete(t *testing.T) {
	repo, dir := newFileRepo(t)
	ctx := context.Background()

	created := newTask(t, "doomed", nil)
	require.NoError(t, repo.Save(ctx, created))

	existed, err := repo.Delete(ctx, created.TaskID)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NoFileExists(t, filepath.Join(dir, "tasks", created.TaskID+".json"))

	existed, err = repo.Delete(ctx, created.TaskID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFileReloadsIndexOnExternalWrite(t *testing.T) {
	repo, dir := newFileRepo(t)
	ctx := context.Background()

	created := newTask(t, "tracked", nil)
	require.NoError(t, repo.Save(ctx, created))

	// Another process rewrites the index with an extra entry pointing at a
	// document it also wrote.
	ghost := newTask(t, "external", nil)
	doc, err := json.Marshal(ghost.ToDocument())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", ghost.TaskID+".json"), doc, 0o644))

	repo.mu.Lock()
	index := make(map[string]indexEntry, len(repo.index)+1)
	for id, entry := range repo.index {
		index[id] = entry
	}
	repo.mu.Unlock()
	index[ghost.TaskID] = indexEntry{
		Title:     ghost.Title,
		Status:    string(ghost.Status),
		CreatedBy: ghost.CreatedBy,
		Version:   1,
		CreatedAt: ghost.CreatedAt,
		UpdatedAt: ghost.UpdatedAt,
	}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644))

	require.Eventually(t, func() bool {
		found, err := repo.FindByStatus(ctx, task.StatusCreated)
		return err == nil && len(found) == 2
	}, 2*time.Second, 10*time.Millisecond, "external index write should be picked up")
}
