// Package jobs implements the bounded, in-memory Job Registry: the
// orchestrator's record of asynchronous worker work and its terminal
// outcome. Jobs are never persisted to disk.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-fleet/orchestrator/pkg/log"
	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

const (
	// MaxJobs caps the registry's cardinality; the oldest non-running
	// job is evicted first once the cap is exceeded.
	MaxJobs = 200
	// MaxJobAge is the age, counted from a job's StartedAt, past which
	// a non-running job becomes eligible for age-based pruning.
	MaxJobAge = 24 * time.Hour
)

type waiter struct {
	ch chan types.Job
}

// Registry is a thread-safe, bounded collection of Jobs.
type Registry struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	jobs    map[string]*types.Job
	order   []string // insertion order, oldest first
	waiters map[string][]waiter
}

// New creates an empty Job Registry.
func New() *Registry {
	return &Registry{
		jobs:    make(map[string]*types.Job),
		waiters: make(map[string][]waiter),
		logger:  log.WithComponent("jobs"),
	}
}

// Create starts a new running job for workerID carrying message, after
// pruning by age then cardinality.
func (r *Registry) Create(workerID, message string) types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	job := types.Job{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		Message:   message,
		Status:    types.JobRunning,
		StartedAt: time.Now(),
	}
	r.jobs[job.ID] = &job
	r.order = append(r.order, job.ID)
	return job
}

// Get returns a copy of the job record for id.
func (r *Registry) Get(id string) (types.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// List returns up to limit most-recently-created jobs (0 = unlimited),
// newest first.
func (r *Registry) List(limit int) []types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if job, ok := r.jobs[r.order[i]]; ok {
			out = append(out, *job)
		}
	}
	return out
}

// AttachReport merges report into the job's last-seen report map
// without altering its status.
func (r *Registry) AttachReport(id string, report map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return orcherr.New(orcherr.JobNotFound, "attachReport", id, nil)
	}
	if job.Report == nil {
		job.Report = make(map[string]any, len(report))
	}
	for k, v := range report {
		job.Report[k] = v
	}
	return nil
}

// SetResult records responseText as the job's response text without
// completing it.
func (r *Registry) SetResult(id, responseText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return orcherr.New(orcherr.JobNotFound, "setResult", id, nil)
	}
	job.ResponseText = responseText
	return nil
}

// Complete finalizes id with status, optional responseText, and
// optional errMsg, then resolves every pending waiter for it.
func (r *Registry) Complete(id string, status types.JobStatus, responseText, errMsg string) error {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return orcherr.New(orcherr.JobNotFound, "complete", id, nil)
	}

	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	duration := now.Sub(job.StartedAt).Milliseconds()
	job.DurationMs = &duration
	if responseText != "" {
		job.ResponseText = responseText
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	cp := *job

	pending := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	for _, w := range pending {
		w.ch <- cp
		close(w.ch)
	}
	return nil
}

// WaitFor blocks until id completes or timeoutMs elapses, returning
// the terminal job record. Already-terminal jobs return immediately.
func (r *Registry) WaitFor(id string, timeoutMs int) (types.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return types.Job{}, orcherr.New(orcherr.JobNotFound, "waitFor", id, nil)
	}
	if job.Status != types.JobRunning {
		cp := *job
		r.mu.Unlock()
		return cp, nil
	}

	ch := make(chan types.Job, 1)
	r.waiters[id] = append(r.waiters[id], waiter{ch: ch})
	r.mu.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return types.Job{}, orcherr.New(orcherr.JobTimeout, "waitFor", id, nil)
	}
}

// pruneLocked removes jobs older than MaxJobAge, then evicts the
// oldest non-running jobs until the cardinality cap is met. Running
// jobs are never pruned. Callers must hold r.mu.
func (r *Registry) pruneLocked() {
	cutoff := time.Now().Add(-MaxJobAge)
	kept := r.order[:0]
	for _, id := range r.order {
		job := r.jobs[id]
		if job.Status != types.JobRunning && job.StartedAt.Before(cutoff) {
			delete(r.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	excess := len(r.order) - (MaxJobs - 1)
	if excess <= 0 {
		return
	}
	remaining := make([]string, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if excess > 0 && job.Status != types.JobRunning {
			delete(r.jobs, id)
			excess--
			continue
		}
		remaining = append(remaining, id)
	}
	r.order = remaining
}
