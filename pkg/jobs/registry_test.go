package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

func TestCreateAndGet(t *testing.T) {
	r := New()
	job := r.Create("reviewer", "review this diff")

	got, ok := r.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, types.JobRunning, got.Status)
	assert.Equal(t, "reviewer", got.WorkerID)
}

func TestAttachReportMergesAcrossCalls(t *testing.T) {
	r := New()
	job := r.Create("reviewer", "task")

	require.NoError(t, r.AttachReport(job.ID, map[string]any{"a": 1}))
	require.NoError(t, r.AttachReport(job.ID, map[string]any{"b": 2}))

	got, _ := r.Get(job.ID)
	assert.EqualValues(t, 1, got.Report["a"])
	assert.EqualValues(t, 2, got.Report["b"])
}

func TestCompleteResolvesWaiter(t *testing.T) {
	r := New()
	job := r.Create("reviewer", "task")

	resultCh := make(chan types.Job, 1)
	go func() {
		result, err := r.WaitFor(job.ID, 1000)
		require.NoError(t, err)
		resultCh <- result
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Complete(job.ID, types.JobSucceeded, "done", ""))

	select {
	case result := <-resultCh:
		assert.Equal(t, types.JobSucceeded, result.Status)
		assert.Equal(t, "done", result.ResponseText)
	case <-time.After(time.Second):
		t.Fatal("waiter was never resolved")
	}
}

func TestWaitForAlreadyTerminalReturnsImmediately(t *testing.T) {
	r := New()
	job := r.Create("reviewer", "task")
	require.NoError(t, r.Complete(job.ID, types.JobFailed, "", "boom"))

	result, err := r.WaitFor(job.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, result.Status)
	assert.Equal(t, "boom", result.Error)
}

func TestWaitForTimesOut(t *testing.T) {
	r := New()
	job := r.Create("reviewer", "task")

	_, err := r.WaitFor(job.ID, 20)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.JobTimeout, kind)
}

func TestGetUnknownJobNotFound(t *testing.T) {
	r := New()
	_, ok := r.Get("does-not-exist")
	assert.False(t, ok)
}

func TestCompleteUnknownJobReturnsNotFound(t *testing.T) {
	r := New()
	err := r.Complete("does-not-exist", types.JobSucceeded, "", "")
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.JobNotFound, kind)
}

func TestPruneNeverEvictsRunningJobs(t *testing.T) {
	r := New()
	var first types.Job
	for i := 0; i < MaxJobs+50; i++ {
		job := r.Create("reviewer", "task")
		if i == 0 {
			first = job
		}
	}

	got, ok := r.Get(first.ID)
	require.True(t, ok, "the oldest running job must survive cardinality pruning")
	assert.Equal(t, types.JobRunning, got.Status)
	assert.LessOrEqual(t, len(r.List(0)), MaxJobs+50)
}

func TestPruneEvictsOldestCompletedJobsFirst(t *testing.T) {
	r := New()
	oldest := r.Create("reviewer", "task-0")
	require.NoError(t, r.Complete(oldest.ID, types.JobSucceeded, "ok", ""))

	for i := 0; i < MaxJobs; i++ {
		job := r.Create("reviewer", "task")
		require.NoError(t, r.Complete(job.ID, types.JobSucceeded, "ok", ""))
	}

	_, ok := r.Get(oldest.ID)
	assert.False(t, ok, "oldest completed job should have been evicted by the cardinality cap")
}

func TestListOrdersNewestFirst(t *testing.T) {
	r := New()
	first := r.Create("reviewer", "first")
	second := r.Create("reviewer", "second")

	list := r.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}
