package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datajob/engine/internal/model"
)

// FileStore is the default Store backend: an array of Job records
// serialized as a single JSON document at Path. Writes go to a sibling
// temp file, are fsynced, then renamed over Path, so a crash mid-write
// never leaves a half-written document. Reads load the whole document;
// a corrupt document is logged and treated as empty rather than
// crashing the service.
type FileStore struct {
	path string
	log zerolog.Logger

	mu sync.Mutex
	jobs map[string]model.Job
}

// NewFileStore loads Path (creating its directory if needed) and returns
// a ready Store. A missing file is treated as an empty store; a corrupt
// file is logged as a warning and also treated as empty.
func NewFileStore(path string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{"mkdir", err}
	}
	fs := &FileStore{path: path, log: log, jobs: map[string]model.Job{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, &StorageError{"read", err}
	}

	var jobs []model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("job store corrupt, starting empty")
		return fs, nil
	}
	for _, j := range jobs {
		fs.jobs[j.Name] = j
	}
	return fs, nil
}

// persist writes the current job set atomically. Caller must hold mu.
func (fs *FileStore) persist() error {
	jobs := make([]model.Job, 0, len(fs.jobs))
	for _, j := range fs.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", " ")
	if err != nil {
		return &StorageError{"marshal", err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".jobs-*.tmp")
	if err != nil {
		return &StorageError{"create temp", err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{"write temp", err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{"fsync temp", err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{"close temp", err}
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		return &StorageError{"rename", err}
	}
	return nil
}

func (fs *FileStore) Put(job model.Job) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, exists := fs.jobs[job.Name]; exists {
		return ErrNameInUse
	}
	fs.jobs[job.Name] = job
	return fs.persist()
}

func (fs *FileStore) Replace(name string, job model.Job) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prior, exists := fs.jobs[name]
	if !exists {
		return ErrNotFound
	}
	job.Name = name
	job.CreatedAt = prior.CreatedAt
	job.LastRun = prior.LastRun
	fs.jobs[name] = job
	return fs.persist()
}

func (fs *FileStore) Get(name string) (model.Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	j, exists := fs.jobs[name]
	if !exists {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

func (fs *FileStore) List() ([]model.Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]model.Job, 0, len(fs.jobs))
	for _, j := range fs.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (fs *FileStore) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, exists := fs.jobs[name]; !exists {
		return ErrNotFound
	}
	delete(fs.jobs, name)
	return fs.persist()
}

// TouchLastRun never fails; a missing job is silently dropped to cover
// the race where a job is deleted mid-run.
func (fs *FileStore) TouchLastRun(name string, t time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	j, exists := fs.jobs[name]
	if !exists {
		return nil
	}
	j.LastRun = &t
	fs.jobs[name] = j
	if err := fs.persist(); err != nil {
		fs.log.Error().Err(err).Str("job_name", name).Msg("failed to persist last_run")
		return fmt.Errorf("store: touch last_run: %w", err)
	}
	return nil
}
