// Package scheduler triggers job runs on their cron schedule, coalescing
// overlapping fires for the same job to a single in-flight run.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/datajob/engine/internal/model"
	"github.com/datajob/engine/internal/store"
)

// parserSpec is model.ScheduleParser, so a schedule string that passes
// JobCreateDTO.Validate is guaranteed parseable here too.
var parserSpec = model.ScheduleParser

// Runner executes one job run to completion. Executor.Run implements
// this.
type Runner interface {
	Run(ctx context.Context, jobName string) model.JobRun
}

// entry tracks the cron registration and in-flight state for one job.
type entry struct {
	id cron.EntryID
	running int32 // 0 = idle, 1 = in-flight; guarded by CompareAndSwap
}

// Scheduler owns one robfig/cron.Cron instance and a registry mapping
// job name to its EntryID, so Update/Remove can re-register a job
// without restarting the whole cron loop.
type Scheduler struct {
	cron *cron.Cron
	runner Runner
	log zerolog.Logger

	mu sync.Mutex
	entries map[string]*entry

	runCtx context.Context
	cancelRun context.CancelFunc
}

// New builds a Scheduler bound to runner. It does not start ticking
// until Start is called.
func New(runner Runner, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(parserSpec)),
		runner: runner,
		log: log,
		entries: make(map[string]*entry),
		runCtx: ctx,
		cancelRun: cancel,
	}
}

// LoadAll registers every job currently in st. Called once at startup;
// jobs added afterward go through Register from the Control API
// handler instead.
func (s *Scheduler) LoadAll(st store.Store) error {
	jobs, err := st.List()
	if err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}
	for _, j := range jobs {
		if err := s.Register(j.Name, j.Schedule); err != nil {
			s.log.Error().Err(err).Str("job", j.Name).Msg("skipping job with unparsable schedule")
		}
	}
	return nil
}

// Register adds or replaces the cron entry for jobName. Calling
// Register again for an already-registered name first unregisters the
// old entry, so Update can call Register unconditionally.
func (s *Scheduler) Register(jobName, schedule string) error {
	sched, err := parserSpec.Parse(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: parse schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[jobName]; ok {
		s.cron.Remove(old.id)
		delete(s.entries, jobName)
	}

	e := &entry{}
	name := jobName // capture for the closure
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name, e) }))
	e.id = id
	s.entries[jobName] = e
	return nil
}

// Unregister removes jobName's cron entry, if any.
func (s *Scheduler) Unregister(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobName]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, jobName)
	}
}

// fire runs jobName if it is not already in flight. max_instances=1 is
// enforced with an explicit per-job CompareAndSwap rather than relying
// on cron.Cron's own skip-if-still-running behavior, since that option
// is cron-instance-wide and the expansion needs per-job coalescing with
// an observable "coalesced" outcome.
func (s *Scheduler) fire(jobName string, e *entry) {
	release, ok := tryEnter(e)
	if !ok {
		s.log.Info().Str("job", jobName).Msg("previous run still in flight, coalescing this fire")
		return
	}
	defer release()

	s.runner.Run(s.runCtx, jobName)
}

// tryEnter claims e's run slot, returning a release func and true, or
// (nil, false) if a run is already in flight.
func tryEnter(e *entry) (release func(), ok bool) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil, false
	}
	return func() { atomic.StoreInt32(&e.running, 0) }, true
}

// TryEnter claims jobName's run slot for a caller outside the cron
// loop, such as the test-run endpoint, so an ad-hoc run is subject to
// the same max_instances=1 coalescing as a scheduled fire. A name with
// no registered entry (its schedule failed to parse at load time, or
// it was never registered) has nothing to coalesce against and always
// succeeds.
func (s *Scheduler) TryEnter(jobName string) (release func(), ok bool) {
	s.mu.Lock()
	e, exists := s.entries[jobName]
	s.mu.Unlock()
	if !exists {
		return func() {}, true
	}
	return tryEnter(e)
}

// Start begins ticking. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop asks the cron loop to stop accepting new fires and waits up to
// timeout for any in-flight runs to finish, per the expansion's
// graceful-shutdown requirement. It does not cancel a run already past
// its deadline inside the Sandbox; that is bounded separately by
// sandbox.DefaultDeadline.
func (s *Scheduler) Stop(timeout time.Duration) {
	stopCtx := s.cron.Stop()
	s.cancelRun()
	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		s.log.Warn().Msg("scheduler stop timed out waiting for in-flight runs")
	}
}

// EntryIDs exposes the current job -> cron.EntryID mapping, for tests
// and the Control API's introspection endpoints.
func (s *Scheduler) EntryIDs() map[string]cron.EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]cron.EntryID, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.id
	}
	return out
}
