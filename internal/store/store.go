// Package store implements the durable Job registry. The default
// backend is a single JSON document written atomically to disk; an
// optional Postgres backend satisfies the identical contract.
package store

import (
	"errors"
	"time"

	"github.com/datajob/engine/internal/model"
)

// Sentinel errors. Callers compare with errors.Is.
var (
	ErrNameInUse = errors.New("store: name already in use")
	ErrNotFound = errors.New("store: job not found")
)

// StorageError wraps an underlying I/O failure. It is surfaced as a 500
// on API paths; on the execution path it is logged and the current
// operation is abandoned without advancing last_run.
type StorageError struct {
	Op string
	Err error
}

func (e *StorageError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the durable mapping from name to Job.
type Store interface {
	Put(job model.Job) error
	Replace(name string, job model.Job) error
	Get(name string) (model.Job, error)
	List() ([]model.Job, error)
	Remove(name string) error
	TouchLastRun(name string, t time.Time) error
}
