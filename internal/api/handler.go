// Package api exposes the Control API: CRUD over job definitions plus
// the test-run, file-upload, and run-history endpoints. It routes with
// Go 1.22's method+path pattern matching, and applies permissive
// CORS headers and plain encoding/json request/response handling
// ahead of every handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/datajob/engine/internal/fetcher"
	"github.com/datajob/engine/internal/model"
	"github.com/datajob/engine/internal/sandbox"
	"github.com/datajob/engine/internal/store"
)

// Runner is the subset of executor.Executor the API needs to trigger a
// run-now and read run history.
type Runner interface {
	Run(ctx context.Context, jobName string) model.JobRun
	Runs(jobName string) []model.JobRun
}

// Registrar is the subset of scheduler.Scheduler the API needs to keep
// cron registrations in sync with Store mutations.
type Registrar interface {
	Register(jobName, schedule string) error
	Unregister(jobName string)
	TryEnter(jobName string) (release func(), ok bool)
}

// Handler implements the Control API over a Store, Registrar, and
// Runner.
type Handler struct {
	store store.Store
	scheduler Registrar
	executor Runner
	fetcher *fetcher.Fetcher
	uploadRoot string
	log zerolog.Logger
	mux *http.ServeMux
}

// New builds the routed Handler. uploadRoot is the directory the
// file-upload endpoint writes into and the Fetcher's file Source reads
// from.
func New(st store.Store, sch Registrar, exec Runner, uploadRoot string, log zerolog.Logger) *Handler {
	h := &Handler{
		store: st,
		scheduler: sch,
		executor: exec,
		fetcher: fetcher.New(uploadRoot),
		uploadRoot: uploadRoot,
		log: log,
	}
	h.mux = http.NewServeMux()
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /jobs", h.listJobs)
	h.mux.HandleFunc("POST /jobs/create", h.createJob)
	h.mux.HandleFunc("GET /jobs/{name}", h.getJob)
	h.mux.HandleFunc("PUT /jobs/{name}", h.updateJob)
	h.mux.HandleFunc("DELETE /jobs/{name}", h.deleteJob)
	h.mux.HandleFunc("POST /jobs/{name}/run", h.runNow)
	h.mux.HandleFunc("POST /jobs/{name}/test", h.testRun)
	h.mux.HandleFunc("GET /jobs/{name}/runs", h.listRuns)
	h.mux.HandleFunc("POST /jobs/upload-file", h.uploadFile)
}

// ServeHTTP adds permissive CORS headers ahead of routing to the
// per-endpoint handlers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.List(); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.PathValue("name"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var dto model.JobCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := dto.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := dto.ToJob(time.Now().UTC())
	if err := h.store.Put(job); err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.scheduler.Register(job.Name, job.Schedule); err != nil {
		h.log.Error().Err(err).Str("job", job.Name).Msg("scheduler registration failed after store.Put, rolling back")
		if rmErr := h.store.Remove(job.Name); rmErr != nil {
			h.log.Error().Err(rmErr).Str("job", job.Name).Msg("failed to roll back store after scheduler registration failure")
		}
		http.Error(w, fmt.Sprintf("schedule registration failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// updateJob replaces a job's definition in order -- Scheduler.Unregister,
// then Store.Replace, then Scheduler.Register -- so a failure partway
// through can be rolled back rather than leaving the Store and Scheduler
// disagreeing on the job's schedule. It does not cancel or wait for a
// run currently in flight for the old definition; the scheduler picks
// up the new definition on the next fire.
func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var dto model.JobCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	dto.Name = name
	if err := dto.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prior, err := h.store.Get(name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.scheduler.Unregister(name)

	job := dto.ToJob(time.Now().UTC())
	if err := h.store.Replace(name, job); err != nil {
		h.writeStoreError(w, err)
		if regErr := h.scheduler.Register(prior.Name, prior.Schedule); regErr != nil {
			h.log.Error().Err(regErr).Str("job", name).Msg("failed to re-register prior schedule after failed replace")
		}
		return
	}

	if err := h.scheduler.Register(name, job.Schedule); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("updated job has unschedulable cron expression, rolling back")
		if rbErr := h.store.Replace(name, prior); rbErr != nil {
			h.log.Error().Err(rbErr).Str("job", name).Msg("failed to roll back store after scheduler registration failure")
		}
		if regErr := h.scheduler.Register(prior.Name, prior.Schedule); regErr != nil {
			h.log.Error().Err(regErr).Str("job", name).Msg("failed to re-register prior schedule during rollback")
		}
		http.Error(w, fmt.Sprintf("schedule registration failed: %v", err), http.StatusInternalServerError)
		return
	}

	updated, err := h.store.Get(name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.store.Remove(name); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.scheduler.Unregister(name)
	w.WriteHeader(http.StatusNoContent)
}

// runNow triggers an out-of-schedule run through the same Runner the
// scheduler uses, so max_instances=1 coalescing still applies at the
// Scheduler layer when the two race.
func (h *Handler) runNow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.store.Get(name); err != nil {
		h.writeStoreError(w, err)
		return
	}
	run := h.executor.Run(r.Context(), name)
	writeJSON(w, http.StatusOK, run)
}

// testRunRequest is the optional body shape for POST /jobs/{name}/test;
// an empty body reuses the job's own configured source.
type testRunRequest struct {
	Source model.Source `json:"data_source"`
}

// testRun runs the job's current transform script against the job's
// configured source, or a caller-supplied one, without touching
// last_run or sending any mail, so a job author can validate a script
// before scheduling it. It is subject to the same max_instances=1
// coalescing as a scheduled fire -- it claims the job's run slot
// through the Scheduler before doing any work, so a test-run and a
// scheduled fire (or another test-run) for the same job can never
// execute concurrently.
func (h *Handler) testRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	job, err := h.store.Get(name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	release, ok := h.scheduler.TryEnter(name)
	if !ok {
		http.Error(w, "a run for this job is already in flight", http.StatusConflict)
		return
	}
	defer release()

	var body testRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	source := job.Source
	if body.Source.Type != "" {
		source = body.Source
	}

	tbl, err := h.fetcher.Fetch(r.Context(), source)
	if err != nil {
		http.Error(w, fmt.Sprintf("fetch: %v", err), http.StatusBadGateway)
		return
	}

	result, err := sandbox.Run(job.Transform, tbl, sandbox.DefaultDeadline)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	csvBytes, err := result.CSVBytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	w.Write(csvBytes)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.store.Get(name); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.executor.Runs(name))
}

// maxUploadMemory bounds how much of a multipart upload ParseMultipartForm
// buffers in memory before spilling the rest to a temp file.
const maxUploadMemory = 32 << 20

// uploadFile stores an uploaded CSV/JSON document under uploadRoot so a
// subsequent file Source can reference it by name. The response's path
// is the canonical "/data/uploads/{filename}" form, resolved relative
// to the project root; a file Source may use that path verbatim.
func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `missing "file" form field`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(h.uploadRoot, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dest := filepath.Join(h.uploadRoot, filename)
	out, err := os.Create(dest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer out.Close()

	written, err := io.Copy(out, file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename": filename,
		"path": "/" + fetcher.UploadPathPrefix + filename,
		"size": written,
	})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNameInUse):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
