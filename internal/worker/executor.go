package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/metrics"
	"github.com/muaviaUsmani/bananas/internal/result"
)

// Executor looks up a job's handler and invokes it, recording metrics and an
// optional result. It knows nothing about queues or processing sets; a
// Worker is responsible for translating its outcome into store state.
type Executor struct {
	registry      *Registry
	resultBackend result.Backend
}

// NewExecutor creates an Executor bound to registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// SetResultBackend sets the optional result backend. Storing results is
// best-effort and never affects the outcome of ExecuteJob.
func (e *Executor) SetResultBackend(backend result.Backend) {
	e.resultBackend = backend
}

// ExecuteJob activates and invokes the handler registered for j.Name. It
// returns the handler's error unchanged (ctx cancellation included); the
// caller decides how that translates into store state.
func (e *Executor) ExecuteJob(ctx context.Context, j *job.Job) error {
	handler, exists := e.registry.Get(j.Name)
	if !exists {
		err := fmt.Errorf("no handler registered for job: %s", j.Name)
		e.storeResult(ctx, j.ID, job.StatusFailed, err.Error(), 0)
		return err
	}

	metrics.Default().RecordJobStarted(j.Priority)

	start := time.Now()
	err := handler(ctx, j)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("job cancelled: %w", ctx.Err())
		}
		metrics.Default().RecordJobFailed(j.Priority, duration)
		e.storeResult(ctx, j.ID, job.StatusFailed, err.Error(), duration)
		return err
	}

	metrics.Default().RecordJobCompleted(j.Priority, duration)
	e.storeResult(ctx, j.ID, job.StatusCompleted, "", duration)
	return nil
}

// storeResult is best-effort: a failure to persist a result is logged but
// never fails the job itself.
func (e *Executor) storeResult(ctx context.Context, jobID string, status job.JobStatus, errMsg string, duration time.Duration) {
	if e.resultBackend == nil {
		return
	}

	res := &job.JobResult{
		JobID:       jobID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: time.Now(),
		Duration:    duration,
	}

	if err := e.resultBackend.StoreResult(ctx, res); err != nil {
		logger.Warn("failed to store job result", "job_id", jobID, "error", err)
	}
}
