package worker

import (
	"context"
	"sync"
	"time"

	"github.com/muaviaUsmani/bananas/internal/logger"
)

// Pool is a bounded set of Workers. The manager obtains a free Worker via
// TakeFree, hands it a job id, and observes completions through
// JobCompleted. Invariant: at any time, busy+free workers equals the pool's
// concurrency.
type Pool struct {
	concurrency int
	free        chan *Worker
	completed   chan string
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// NewPool constructs a Pool of concurrency Workers, each executing jobs for
// (server, queue) against executor/storage with the given per-job timeout.
func NewPool(concurrency int, server, queue string, executor *Executor, storage Storage, jobTimeout time.Duration) *Pool {
	p := &Pool{
		concurrency: concurrency,
		free:        make(chan *Worker, concurrency),
		completed:   make(chan string, concurrency*2),
	}
	for i := 0; i < concurrency; i++ {
		p.free <- &Worker{
			id:         i + 1,
			server:     server,
			queue:      queue,
			executor:   executor,
			storage:    storage,
			jobTimeout: jobTimeout,
			pool:       p,
		}
	}
	return p
}

// TakeFree blocks until a free Worker is available or ctx is cancelled. On
// cancellation it returns ctx.Err().
func (p *Pool) TakeFree(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.free:
		p.wg.Add(1)
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobCompleted returns the channel a JobId is published on exactly once per
// job dispatched through the pool, regardless of outcome.
func (p *Pool) JobCompleted() <-chan string {
	return p.completed
}

// release returns w to the free set. Called once by a Worker when its
// current job is no longer in flight. The free channel's capacity equals the
// pool's concurrency and exactly that many workers exist, so this send never
// blocks.
func (p *Pool) release(w *Worker) {
	p.wg.Done()
	p.free <- w
}

// Dispose waits for all in-flight workers to finish, then returns. Idempotent:
// subsequent calls are a no-op.
func (p *Pool) Dispose() {
	p.disposeOnce.Do(func() {
		logger.Info("worker pool disposing", "concurrency", p.concurrency)
		p.wg.Wait()
		logger.Info("worker pool disposed")
	})
}
