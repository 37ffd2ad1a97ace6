// Package executor runs one job end to end: fetch, transform, deliver,
// recording the outcome in a bounded per-job run history.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datajob/engine/internal/fetcher"
	"github.com/datajob/engine/internal/mailer"
	"github.com/datajob/engine/internal/model"
	"github.com/datajob/engine/internal/sandbox"
	"github.com/datajob/engine/internal/store"
)

// historyLimit bounds the in-memory JobRun ring kept per job name; older runs are simply dropped, there is no archival store.
const historyLimit = 20

// Executor wires a Store, Fetcher, Sandbox, and Mailer into the single
// fetch -> transform -> deliver pipeline that a job run follows.
type Executor struct {
	store store.Store
	fetcher *fetcher.Fetcher
	mailer *mailer.Mailer
	deadline time.Duration
	log zerolog.Logger
	sem chan struct{}

	mu sync.Mutex
	history map[string][]model.JobRun
}

// New builds an Executor. deadline is the Sandbox's hard wall-clock
// limit; pass sandbox.DefaultDeadline unless a test needs a
// tighter bound. poolSize bounds how many runs may be mid-pipeline
// (fetch/transform/deliver) at once; poolSize <= 0 selects
// runtime.GOMAXPROCS(0), matching config.Config.WorkerPoolSize's
// documented default.
func New(st store.Store, f *fetcher.Fetcher, m *mailer.Mailer, deadline time.Duration, poolSize int, log zerolog.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}
	return &Executor{
		store: st,
		fetcher: f,
		mailer: m,
		deadline: deadline,
		log: log,
		sem: make(chan struct{}, poolSize),
		history: make(map[string][]model.JobRun),
	}
}

// Run executes one instance of the named job: it loads the current Job
// definition from the Store (so a concurrent Update is picked up on the
// next scheduled fire, never mid-run), fetches its source, transforms
// it, and delivers the result by email. last_run only advances on
// RunSuccess; every other outcome still appends a JobRun to history so
// /jobs/{name}/runs reflects failures.
func (e *Executor) Run(ctx context.Context, jobName string) model.JobRun {
	started := time.Now().UTC()
	run := model.JobRun{JobName: jobName, StartedAt: started}

	job, err := e.store.Get(jobName)
	if err != nil {
		run.FinishedAt = time.Now().UTC()
		run.Outcome = model.RunFetchFailed
		run.Detail = fmt.Sprintf("load job: %v", err)
		e.record(run)
		return run
	}

	log := e.log.With().Str("job", jobName).Logger()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		run.Outcome = model.RunCancelled
		run.Detail = "cancelled while waiting for a worker slot"
		run.FinishedAt = time.Now().UTC()
		e.record(run)
		return run
	}
	defer func() { <-e.sem }()

	data, err := e.fetcher.Fetch(ctx, job.Source)
	if err != nil {
		run.FinishedAt = time.Now().UTC()
		if isCancelled(err) {
			log.Info().Msg("run cancelled during fetch")
			run.Outcome = model.RunCancelled
			run.Detail = err.Error()
			e.record(run)
			return run
		}
		log.Warn().Err(err).Msg("fetch failed")
		run.Outcome = model.RunFetchFailed
		run.Detail = err.Error()
		e.notifyFailure(ctx, job, "fetch", err)
		e.record(run)
		return run
	}

	result, err := sandbox.Run(job.Transform, data, e.deadline)
	if err != nil {
		log.Warn().Err(err).Msg("transform failed")
		run.Outcome = model.RunTransformFailed
		run.Detail = err.Error()
		e.notifyFailure(ctx, job, "transform", err)
		run.FinishedAt = time.Now().UTC()
		e.record(run)
		return run
	}

	if err := e.mailer.DeliverSuccess(ctx, job.Name, job.Recipients, result, started); err != nil {
		run.FinishedAt = time.Now().UTC()
		if isCancelled(err) {
			log.Info().Msg("run cancelled during delivery")
			run.Outcome = model.RunCancelled
			run.Detail = err.Error()
			e.record(run)
			return run
		}
		log.Warn().Err(err).Msg("delivery failed")
		run.Outcome = model.RunDeliveryFailed
		run.Detail = err.Error()
		e.record(run)
		return run
	}

	if err := e.store.TouchLastRun(job.Name, started); err != nil {
		log.Error().Err(err).Msg("touch last_run failed after successful delivery")
	}

	run.Outcome = model.RunSuccess
	run.FinishedAt = time.Now().UTC()
	e.record(run)
	log.Info().Dur("elapsed", run.FinishedAt.Sub(started)).Msg("job run succeeded")
	return run
}

// notifyFailure best-effort sends a failure notice; a failure to send
// the notice itself is logged but never escalated, since the run has
// already failed for an unrelated reason.
func (e *Executor) notifyFailure(ctx context.Context, job model.Job, stage string, cause error) {
	summary := fmt.Sprintf("Job %q failed during %s: %v", job.Name, stage, cause)
	if err := e.mailer.DeliverFailure(ctx, job.Name, job.Recipients, summary, time.Now().UTC()); err != nil {
		e.log.Error().Err(err).Str("job", job.Name).Msg("failure notice itself could not be delivered")
	}
}

// isCancelled reports whether err is a Fetcher or Mailer error tagged
// Cancelled, meaning the run was unwound by a cancelled context rather
// than a genuine fetch/transform/delivery failure.
func isCancelled(err error) bool {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		return fe.Kind == fetcher.Cancelled
	}
	var me *mailer.MailError
	if errors.As(err, &me) {
		return me.Kind == mailer.Cancelled
	}
	return false
}

func (e *Executor) record(run model.JobRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[run.JobName], run)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	e.history[run.JobName] = h
}

// Runs returns the retained run history for a job, most recent last.
func (e *Executor) Runs(jobName string) []model.JobRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.JobRun, len(e.history[jobName]))
	copy(out, e.history[jobName])
	return out
}
