// Package manager drives a single server through its lifecycle: announce
// itself, recover work abandoned by a crashed prior incarnation, dispatch
// jobs to a bounded worker pool, and shut down cleanly when asked.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/worker"
)

// BlockingGateway is the subset of the storage gateway used only for the
// dispatch loop's blocking dequeue. A server keeps this on a separate
// connection pool from Gateway so a long blocking call can never stall
// recovery or the completion drain.
type BlockingGateway interface {
	DequeueJobId(ctx context.Context, server, queue string, timeout time.Duration, priorities []job.JobPriority, routingKeys []string) (string, error)
}

// Gateway is every other storage operation the manager and its background
// loops need.
type Gateway interface {
	AnnounceServer(ctx context.Context, server string, concurrency int, queue string) error
	HideServer(ctx context.Context, server, queue string) error
	RequeueProcessingJobs(ctx context.Context, server, queue string, cancel <-chan struct{}) (int, error)
	RemoveProcessingJob(ctx context.Context, server, queue, jobID string) error
	GetScheduledJobs(ctx context.Context, queue string, now time.Time) ([]string, error)
	EnqueueScheduledJob(ctx context.Context, queue, jobID string) error
	RecordQueueDepths(ctx context.Context, queue string)
}

// Pool is the subset of worker.Pool the manager dispatches through.
type Pool interface {
	TakeFree(ctx context.Context) (*worker.Worker, error)
	JobCompleted() <-chan string
	Dispose()
}

// Manager owns one server's lifecycle against one queue.
type Manager struct {
	cfg         config.ManagerConfig
	priorities  []job.JobPriority
	routingKeys []string

	blocking BlockingGateway
	store    Gateway
	pool     Pool

	log logger.Logger

	mu    sync.RWMutex
	state State
}

// New validates cfg and constructs a Manager. blocking and store must be
// backed by independent connection pools; pool must already be sized to
// cfg.Concurrency. An empty routingKeys defaults to ["default"]: a server
// only ever claims jobs whose RoutingKey it's configured to accept, so a job
// tagged for another lane is left in the queue for another server (P10).
func New(cfg config.ManagerConfig, priorities []job.JobPriority, routingKeys []string, blocking BlockingGateway, store Gateway, pool Pool) (*Manager, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("manager: server name cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("manager: queue name cannot be empty")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("manager: concurrency must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("manager: poll interval must be positive")
	}
	if blocking == nil || store == nil || pool == nil {
		return nil, fmt.Errorf("manager: blocking gateway, gateway, and pool are required")
	}

	if len(priorities) == 0 {
		priorities = []job.JobPriority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}
	}
	if len(routingKeys) == 0 {
		routingKeys = []string{"default"}
	}

	return &Manager{
		cfg:         cfg,
		priorities:  priorities,
		routingKeys: routingKeys,
		blocking:    blocking,
		store:       store,
		pool:        pool,
		log:         logger.Default().WithComponent(logger.ComponentManager),
		state:       StateInit,
	}, nil
}

// State reports the manager's current lifecycle stage.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Info("manager state transition", "server", m.cfg.ServerName, "queue", m.cfg.QueueName, "state", s)
}

// Run advances the manager through Init -> Announced -> Recovering ->
// Dispatching, then blocks dispatching jobs until ctx is cancelled, at which
// point it runs Stopping -> Stopped and returns. A non-nil error means the
// manager could not complete announcement or recovery and never reached
// Dispatching; once Dispatching is reached, Run always returns nil on a
// cancelled ctx.
func (m *Manager) Run(ctx context.Context) error {
	m.setState(StateAnnounced)
	if err := m.store.AnnounceServer(ctx, m.cfg.ServerName, m.cfg.Concurrency, m.cfg.QueueName); err != nil {
		return fmt.Errorf("manager: failed to announce server: %w", err)
	}

	m.setState(StateRecovering)
	recovered, err := m.store.RequeueProcessingJobs(ctx, m.cfg.ServerName, m.cfg.QueueName, ctx.Done())
	if err != nil {
		return fmt.Errorf("manager: failed to recover processing set: %w", err)
	}
	if recovered > 0 {
		m.log.Info("recovered jobs from prior incarnation", "server", m.cfg.ServerName, "count", recovered)
	}

	drainDone := make(chan struct{})
	pollerDone := make(chan struct{})
	heartbeatDone := make(chan struct{})
	drainStop := make(chan struct{})

	go func() { defer close(drainDone); m.runCompletionDrain(drainStop) }()
	go func() { defer close(pollerDone); m.runSchedulePoller(ctx) }()
	go func() { defer close(heartbeatDone); m.runHeartbeat(ctx) }()

	m.setState(StateDispatching)
	m.dispatchLoop(ctx)

	m.setState(StateStopping)
	<-pollerDone
	<-heartbeatDone

	// Every in-flight job pushes its completion onto pool.JobCompleted()
	// before release(), and the channel is buffered beyond the maximum
	// number in flight, so by the time Dispose returns every completion for
	// this run is already sitting in the channel for the drain to consume.
	m.pool.Dispose()
	close(drainStop)
	<-drainDone

	hideCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.HideServer(hideCtx, m.cfg.ServerName, m.cfg.QueueName); err != nil {
		m.log.Error("failed to hide server on shutdown", "server", m.cfg.ServerName, "error", err)
	}

	m.setState(StateStopped)
	return nil
}

// dispatchLoop takes a free worker, blocks on a dequeue for it, and hands off
// the job id, repeating until ctx is cancelled. An empty jobID (dequeue
// timeout with nothing available) returns the worker to the pool without
// dispatching anything.
func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		w, err := m.pool.TakeFree(ctx)
		if err != nil {
			return
		}

		jobID, err := m.blocking.DequeueJobId(ctx, m.cfg.ServerName, m.cfg.QueueName, m.cfg.DequeueTimeout, m.priorities, m.routingKeys)
		if err != nil {
			// ctx cancellation is the only error DequeueJobId can return once
			// the store itself is healthy (transient errors are retried
			// inside the gateway); either way, this worker never got a job.
			m.releaseUnusedWorker(w)
			return
		}
		if jobID == "" {
			m.releaseUnusedWorker(w)
			continue
		}

		w.Process(ctx, jobID)
	}
}

// releaseUnusedWorker returns w to the pool's free set after a dequeue that
// found nothing to dispatch.
func (m *Manager) releaseUnusedWorker(w *worker.Worker) {
	w.Release()
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.AnnounceServer(ctx, m.cfg.ServerName, m.cfg.Concurrency, m.cfg.QueueName); err != nil {
				m.log.Error("heartbeat announce failed", "server", m.cfg.ServerName, "error", err)
			}
		}
	}
}

// runCompletionDrain consumes the pool's completion channel for the lifetime
// of the run, clearing each job's processing-set entry. It keeps blocking
// past ctx's cancellation, since in-flight jobs are still completing; stop
// is only closed once the caller has confirmed (via pool.Dispose) that no
// further completions can arrive, at which point runCompletionDrain empties
// whatever remains without waiting for more.
func (m *Manager) runCompletionDrain(stop <-chan struct{}) {
	log := m.log.WithComponent(logger.ComponentDrain)
	bg := context.Background()
	for {
		select {
		case jobID := <-m.pool.JobCompleted():
			m.completeJob(bg, log, jobID)
		case <-stop:
			m.drainRemaining(log)
			return
		}
	}
}

// drainRemaining flushes whatever completions are already buffered on the
// channel without blocking for new ones.
func (m *Manager) drainRemaining(log logger.Logger) {
	bg := context.Background()
	for {
		select {
		case jobID := <-m.pool.JobCompleted():
			m.completeJob(bg, log, jobID)
		default:
			return
		}
	}
}

func (m *Manager) completeJob(ctx context.Context, log logger.Logger, jobID string) {
	if err := m.store.RemoveProcessingJob(ctx, m.cfg.ServerName, m.cfg.QueueName, jobID); err != nil {
		log.Error("failed to remove completed job from processing set", "job_id", jobID, "error", err)
		return
	}
	log.Debug("processing set entry cleared", "job_id", jobID)
}

func (m *Manager) runSchedulePoller(ctx context.Context) {
	log := m.log.WithComponent(logger.ComponentPoller)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	log.Info("schedule poller started", "queue", m.cfg.QueueName, "interval", m.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("schedule poller stopping")
			return
		case <-ticker.C:
			m.pollOnce(ctx, log)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, log logger.Logger) {
	now := time.Now()
	ids, err := m.store.GetScheduledJobs(ctx, m.cfg.QueueName, now)
	if err != nil {
		log.Error("failed to list scheduled jobs", "queue", m.cfg.QueueName, "error", err)
		return
	}

	for _, id := range ids {
		if err := m.store.EnqueueScheduledJob(ctx, m.cfg.QueueName, id); err != nil {
			log.Warn("failed to promote scheduled job", "job_id", id, "error", err)
			continue
		}
		log.Debug("promoted scheduled job to priority lane", "job_id", id)
	}

	m.store.RecordQueueDepths(ctx, m.cfg.QueueName)
}
