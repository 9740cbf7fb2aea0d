package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/metrics"
)

// Storage is the subset of the storage gateway a Worker needs to run one job
// end to end: read the descriptor, record that it started, and record its
// terminal state. Processing-set membership is not touched here; that is the
// completion drain's responsibility once JobCompleted fires.
type Storage interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	MarkProcessing(ctx context.Context, jobID, server, queue string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, queue string, j *job.Job, errMsg string) error
}

// Worker executes one job at a time and holds no state between jobs. It is
// handed out by a Pool via TakeFree and returns itself once its current job
// is no longer in flight.
type Worker struct {
	id         int
	server     string
	queue      string
	executor   *Executor
	storage    Storage
	jobTimeout time.Duration
	pool       *Pool
}

// Process hands jobID to this worker and returns immediately; the job runs
// on its own goroutine. Exactly one JobId is published on the owning pool's
// completion channel once the job is no longer in flight, regardless of
// outcome.
func (w *Worker) Process(ctx context.Context, jobID string) {
	go w.run(ctx, jobID)
}

// Release returns w to its pool's free set without dispatching a job. It is
// the caller's undo for a TakeFree that turned out not to have work for this
// worker (for example, a dequeue that timed out with nothing available).
func (w *Worker) Release() {
	w.pool.release(w)
}

func (w *Worker) run(ctx context.Context, jobID string) {
	defer w.pool.release(w)
	defer func() { w.pool.completed <- jobID }()
	defer w.recoverPanic(ctx, jobID)

	log := logger.Default().WithSource(logger.LogSourceJob).WithComponent(logger.ComponentWorker)

	j, err := w.storage.GetJob(ctx, jobID)
	if err != nil {
		log.ErrorContext(ctx, "failed to read job descriptor", "worker_id", w.id, "job_id", jobID, "error", err)
		return
	}

	if err := w.storage.MarkProcessing(ctx, j.ID, w.server, w.queue); err != nil {
		log.WarnContext(ctx, "failed to record processing state", "worker_id", w.id, "job_id", j.ID, "error", err)
	}

	execCtx := context.WithValue(ctx, "worker_id", fmt.Sprintf("worker-%d", w.id))
	execCtx = context.WithValue(execCtx, "job_id", j.ID)
	execCtx, cancel := context.WithTimeout(execCtx, w.jobTimeout)
	defer cancel()

	log.InfoContext(execCtx, "processing job", "worker_id", w.id, "job_id", j.ID, "job_name", j.Name, "priority", j.Priority)

	if execErr := w.executor.ExecuteJob(execCtx, j); execErr != nil {
		log.ErrorContext(execCtx, "job failed", "worker_id", w.id, "job_id", j.ID, "error", execErr)
		if failErr := w.storage.Fail(ctx, w.queue, j, execErr.Error()); failErr != nil {
			log.ErrorContext(ctx, "failed to record job failure", "worker_id", w.id, "job_id", j.ID, "error", failErr)
		}
		return
	}

	log.InfoContext(execCtx, "job completed", "worker_id", w.id, "job_id", j.ID)
	if err := w.storage.Complete(ctx, j.ID); err != nil {
		log.ErrorContext(ctx, "failed to record job completion", "worker_id", w.id, "job_id", j.ID, "error", err)
	}
}

// recoverPanic converts a panic during job execution into a Failed state
// rather than letting it take the worker goroutine down.
func (w *Worker) recoverPanic(ctx context.Context, jobID string) {
	r := recover()
	if r == nil {
		return
	}

	stack := string(debug.Stack())
	logger.Error("worker recovered from panic executing job",
		"worker_id", w.id, "job_id", jobID, "panic_value", r, "stack_trace", stack)

	j, err := w.storage.GetJob(ctx, jobID)
	if err != nil {
		// descriptor unreadable; nothing more we can record.
		return
	}
	if failErr := w.storage.Fail(ctx, w.queue, j, fmt.Sprintf("panic: %v\n\n%s", r, stack)); failErr != nil {
		logger.Error("failed to record panicked job as failed", "worker_id", w.id, "job_id", jobID, "error", failErr)
	}
	metrics.Default().RecordJobFailed(j.Priority, 0)
}
