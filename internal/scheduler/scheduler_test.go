package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajob/engine/internal/model"
)

type countingRunner struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, jobName string) model.JobRun {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return model.JobRun{JobName: jobName, Outcome: model.RunSuccess}
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRegisterAndFireInvokesRunner(t *testing.T) {
	runner := &countingRunner{started: make(chan struct{}, 1)}
	sch := New(runner, zerolog.Nop())
	require.NoError(t, sch.Register("every-second", "* * * * *"))
	sch.Start()
	defer sch.Stop(time.Second)

	ids := sch.EntryIDs()
	require.Contains(t, ids, "every-second")
}

func TestRegisterRejectsInvalidSchedule(t *testing.T) {
	runner := &countingRunner{}
	sch := New(runner, zerolog.Nop())
	err := sch.Register("bad", "not a cron expr")
	require.Error(t, err)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	runner := &countingRunner{}
	sch := New(runner, zerolog.Nop())
	require.NoError(t, sch.Register("j", "0 0 * * *"))
	first := sch.EntryIDs()["j"]
	require.NoError(t, sch.Register("j", "0 1 * * *"))
	second := sch.EntryIDs()["j"]
	assert.NotEqual(t, first, second)
	assert.Len(t, sch.EntryIDs(), 1)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	runner := &countingRunner{}
	sch := New(runner, zerolog.Nop())
	require.NoError(t, sch.Register("j", "0 0 * * *"))
	sch.Unregister("j")
	assert.NotContains(t, sch.EntryIDs(), "j")
}

func TestFireCoalescesOverlappingRuns(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	sch := New(runner, zerolog.Nop())
	e := &entry{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sch.fire("overlap", e)
	}()
	// give the first fire time to set running=1 before the second races in
	for atomic.LoadInt32(&e.running) == 0 {
		time.Sleep(time.Millisecond)
	}
	sch.fire("overlap", e)
	close(runner.block)
	wg.Wait()

	assert.Equal(t, 1, runner.count())
}

func TestFireRunsAgainAfterPreviousCompletes(t *testing.T) {
	runner := &countingRunner{}
	sch := New(runner, zerolog.Nop())
	e := &entry{}

	sch.fire("seq", e)
	sch.fire("seq", e)

	assert.Equal(t, 2, runner.count())
}

func TestTryEnterCoalescesAgainstAnInFlightFire(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	sch := New(runner, zerolog.Nop())
	require.NoError(t, sch.Register("overlap", "* * * * *"))

	e := sch.entries["overlap"]
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sch.fire("overlap", e)
	}()
	<-runner.started

	_, ok := sch.TryEnter("overlap")
	assert.False(t, ok, "test-run should be rejected while a scheduled fire is in flight")

	close(runner.block)
	wg.Wait()

	release, ok := sch.TryEnter("overlap")
	assert.True(t, ok, "the slot should be free again once the fire completes")
	release()
}

func TestTryEnterOnUnregisteredJobAlwaysSucceeds(t *testing.T) {
	sch := New(&countingRunner{}, zerolog.Nop())
	release, ok := sch.TryEnter("never-registered")
	assert.True(t, ok)
	release()
}

func TestStopCancelsInFlightRunContext(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	sch := New(runner, zerolog.Nop())
	require.NoError(t, sch.Register("cancel-me", "* * * * *"))
	sch.Start()

	e := sch.entries["cancel-me"]
	go sch.fire("cancel-me", e)
	<-runner.started

	done := make(chan struct{})
	go func() {
		sch.Stop(time.Second)
		close(done)
	}()

	select {
	case <-sch.runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the run context")
	}
	close(runner.block)
	<-done
}
