package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajob/engine/internal/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "jobs.json"), zerolog.Nop())
	require.NoError(t, err)
	return fs
}

func sampleJob(name string) model.Job {
	return model.Job{
		Name:       name,
		Schedule:   "* * * * *",
		Source:     model.Source{Type: model.SourceAPI, Location: "https://example.test/data"},
		Transform:  "result = data",
		Recipients: []string{"x@example.test"},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFileStorePutGetList(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.Put(sampleJob("j1")))

	got, err := fs.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.Name)

	list, err := fs.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStorePutDuplicateNameRejected(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.Put(sampleJob("j1")))
	err := fs.Put(sampleJob("j1"))
	assert.True(t, errors.Is(err, ErrNameInUse))
}

func TestFileStoreGetMissing(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreReplacePreservesCreatedAtAndLastRun(t *testing.T) {
	fs := newTestStore(t)
	original := sampleJob("j1")
	require.NoError(t, fs.Put(original))

	now := time.Now().UTC()
	require.NoError(t, fs.TouchLastRun("j1", now))

	updated := sampleJob("j1")
	updated.CreatedAt = time.Time{} // must be ignored in favor of the prior row
	updated.Transform = "result = filter(data, row -> row.a > 1)"
	require.NoError(t, fs.Replace("j1", updated))

	got, err := fs.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, original.CreatedAt, got.CreatedAt)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, now, *got.LastRun, time.Second)
	assert.Equal(t, updated.Transform, got.Transform)
}

func TestFileStoreReplaceMissingIsNotFound(t *testing.T) {
	fs := newTestStore(t)
	err := fs.Replace("nope", sampleJob("nope"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRemove(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.Put(sampleJob("j1")))
	require.NoError(t, fs.Remove("j1"))
	_, err := fs.Get("j1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(fs.Remove("j1"), ErrNotFound))
}

func TestFileStoreTouchLastRunMissingJobIsSilentlyDropped(t *testing.T) {
	fs := newTestStore(t)
	assert.NoError(t, fs.TouchLastRun("ghost", time.Now()))
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	fs1, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, fs1.Put(sampleJob("j1")))

	fs2, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	got, err := fs2.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.Name)
}

func TestFileStoreCorruptDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	fs, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	list, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
