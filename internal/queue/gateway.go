// Package queue implements the storage gateway: a typed, retrying facade over
// a Redis-like backing store that the manager, workers, and schedule poller
// use to move jobs through their lifecycle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// ErrCorruptJob indicates the job hash stored under a given id is missing or
// could not be parsed. It is a logical error: the gateway does not retry it.
// Where it meets one while scanning the processing set or the schedule, it
// drops that dangling entry and continues.
var ErrCorruptJob = errors.New("queue: corrupt job data")

// retry/backoff bounds for transient store errors, per the gateway's retry policy.
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Gateway is the typed, retrying facade described as the Storage Gateway.
// A server owns two independent Gateway instances backed by separate
// connection pools: a blocking one used only for DequeueJobId, and a
// non-blocking one used for everything else, so a long blocking dequeue
// can never stall the completion drain or recovery.
type Gateway struct {
	client    *redis.Client
	keyPrefix string

	completedJobTTL time.Duration
	failedJobTTL    time.Duration
	heartbeatTTL    time.Duration
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithRetentionTTLs overrides the default retention windows for completed and
// failed/dead-lettered job hashes.
func WithRetentionTTLs(completed, failed time.Duration) Option {
	return func(g *Gateway) {
		g.completedJobTTL = completed
		g.failedJobTTL = failed
	}
}

// WithHeartbeatTTL overrides the default server-announcement TTL.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		g.heartbeatTTL = ttl
	}
}

// NewGateway dials Redis and returns a Gateway. Two Gateways should be
// constructed per server: one for the blocking dequeue path, one for
// everything else.
func NewGateway(redisURL string, opts ...Option) (*Gateway, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	parsed.PoolSize = 50
	parsed.MinIdleConns = 5
	parsed.ConnMaxIdleTime = 10 * time.Minute
	parsed.PoolTimeout = 5 * time.Second
	parsed.MaxRetries = 3
	parsed.MinRetryBackoff = 8 * time.Millisecond
	parsed.MaxRetryBackoff = 512 * time.Millisecond
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 10 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.ContextTimeoutEnabled = true

	client := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	g := &Gateway{
		client:          client,
		keyPrefix:       "bananas:",
		completedJobTTL: 24 * time.Hour,
		failedJobTTL:    7 * 24 * time.Hour,
		heartbeatTTL:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}

	logger.Info("storage gateway connected", "redis_url", redact(redisURL))
	return g, nil
}

// redact strips credentials from a redis URL before it is logged.
func redact(url string) string {
	if idx := strings.Index(url, "@"); idx != -1 {
		if schemeIdx := strings.Index(url, "://"); schemeIdx != -1 {
			return url[:schemeIdx+3] + "***" + url[idx:]
		}
	}
	return url
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// --- key helpers -----------------------------------------------------------

func (g *Gateway) jobKey(jobID string) string {
	var b strings.Builder
	b.Grow(len(g.keyPrefix) + 4 + len(jobID))
	b.WriteString(g.keyPrefix)
	b.WriteString("job:")
	b.WriteString(jobID)
	return b.String()
}

func (g *Gateway) queueKey(queue string, priority job.JobPriority) string {
	return fmt.Sprintf("%squeue:%s:%s", g.keyPrefix, queue, priority)
}

func (g *Gateway) deadLetterKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:dead", g.keyPrefix, queue)
}

func (g *Gateway) scheduledKey(queue string) string {
	return fmt.Sprintf("%sschedule:%s", g.keyPrefix, queue)
}

func (g *Gateway) processingKey(server, queue string) string {
	return fmt.Sprintf("%sprocessing:%s:%s", g.keyPrefix, server, queue)
}

func (g *Gateway) serverKey(server string) string {
	return fmt.Sprintf("%sservers:%s", g.keyPrefix, server)
}

var allPriorities = []job.JobPriority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

// --- retry helper ------------------------------------------------------------

// retryTransient runs fn, retrying with bounded exponential backoff while ctx
// is not cancelled. A return of ErrCorruptJob (or anything wrapping it) is
// treated as a logical error and returned immediately without retrying.
func retryTransient(ctx context.Context, fn func() error) error {
	backoff := minBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCorruptJob) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("storage gateway transient error, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// --- server announcement ----------------------------------------------------

type serverRecord struct {
	Queue       string    `json:"queue"`
	Concurrency int       `json:"concurrency"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// AnnounceServer idempotently registers (or re-announces, for the heartbeat)
// this server in the known-servers registry with a fresh TTL.
func (g *Gateway) AnnounceServer(ctx context.Context, server string, concurrency int, queue string) error {
	rec := serverRecord{Queue: queue, Concurrency: concurrency, AnnouncedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}
	return retryTransient(ctx, func() error {
		return g.client.Set(ctx, g.serverKey(server), data, g.heartbeatTTL).Err()
	})
}

// HideServer idempotently removes this server from the known-servers registry.
func (g *Gateway) HideServer(ctx context.Context, server, queue string) error {
	return retryTransient(ctx, func() error {
		return g.client.Del(ctx, g.serverKey(server)).Err()
	})
}

// --- dequeue / recovery ------------------------------------------------------

// routingMatches reports whether key is acceptable under allowed. An empty
// allowed set means "accept any routing key" (the server imposes no filter).
// An empty key is treated as the "default" routing key, same as a job that
// never called SetRoutingKey.
func routingMatches(allowed []string, key string) bool {
	if len(allowed) == 0 {
		return true
	}
	if key == "" {
		key = "default"
	}
	for _, a := range allowed {
		if a == key {
			return true
		}
	}
	return false
}

// DequeueJobId atomically pops the head of queue's highest-priority
// non-empty lane and pushes it onto this server's processing set, blocking up
// to timeout. If routingKeys is non-empty, a popped job whose RoutingKey is
// not in that set is pushed back for another server to claim and the scan
// continues against the remaining time budget, satisfying routing
// exclusivity (a server never starts a job outside its configured routing
// keys). It returns "", nil on timeout with nothing eligible available.
func (g *Gateway) DequeueJobId(ctx context.Context, server, queue string, timeout time.Duration, priorities []job.JobPriority, routingKeys []string) (string, error) {
	if len(priorities) == 0 {
		priorities = allPriorities
	}
	processingKey := g.processingKey(server, queue)
	deadline := time.Now().Add(timeout)

	for {
		var jobID string
		var poppedFrom job.JobPriority
		err := retryTransient(ctx, func() error {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			lanesLeft := len(priorities)
			for _, priority := range priorities {
				var slot time.Duration
				if lanesLeft == 1 {
					slot = remaining
				} else {
					slot = remaining / time.Duration(lanesLeft)
					if slot < 1 {
						slot = 1
					}
				}
				remaining -= slot
				lanesLeft--

				res, err := g.client.BRPopLPush(ctx, g.queueKey(queue, priority), processingKey, slot).Result()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return err
				}
				jobID = res
				poppedFrom = priority
				return nil
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if jobID == "" {
			return "", nil
		}
		if len(routingKeys) == 0 {
			return jobID, nil
		}

		j, jerr := g.GetJob(ctx, jobID)
		if jerr != nil {
			// descriptor unreadable: drop the dangling processing entry and
			// keep looking rather than handing a corrupt id to a worker.
			_ = retryTransient(ctx, func() error {
				return g.client.LRem(ctx, processingKey, 1, jobID).Err()
			})
		} else if routingMatches(routingKeys, j.RoutingKey) {
			return jobID, nil
		} else {
			// not for this server: requeue for another server's routing keys
			// to match, the way Enqueue pushes a fresh job onto the lane.
			if rerr := retryTransient(ctx, func() error {
				pipe := g.client.Pipeline()
				pipe.LPush(ctx, g.queueKey(queue, poppedFrom), jobID)
				pipe.LRem(ctx, processingKey, 1, jobID)
				_, execErr := pipe.Exec(ctx)
				return execErr
			}); rerr != nil {
				return "", rerr
			}
		}

		if !time.Now().Before(deadline) {
			return "", nil
		}
	}
}

// RequeueProcessingJobs moves every job currently recorded as in-flight for
// (server, queue) back to the tail of its priority lane and clears the
// processing set, respecting cancellation between items. It is called once,
// on startup, to recover work abandoned by a crashed prior incarnation of
// this serverName.
func (g *Gateway) RequeueProcessingJobs(ctx context.Context, server, queue string, cancel <-chan struct{}) (int, error) {
	key := g.processingKey(server, queue)

	var ids []string
	err := retryTransient(ctx, func() error {
		res, err := g.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		select {
		case <-cancel:
			return moved, nil
		default:
		}

		j, err := g.GetJob(ctx, id)
		if err != nil {
			// descriptor is gone or corrupt: drop the dangling processing entry
			// rather than requeue something unreadable.
			_ = retryTransient(ctx, func() error {
				return g.client.LRem(ctx, key, 1, id).Err()
			})
			continue
		}

		err = retryTransient(ctx, func() error {
			pipe := g.client.Pipeline()
			pipe.LPush(ctx, g.queueKey(queue, j.Priority), id)
			pipe.LRem(ctx, key, 1, id)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		logger.Info("recovered processing set", "server", server, "queue", queue, "count", moved)
	}
	return moved, nil
}

// RemoveProcessingJob removes jobID from (server, queue)'s processing set.
// Called by the completion drain once a terminal state has been recorded.
func (g *Gateway) RemoveProcessingJob(ctx context.Context, server, queue, jobID string) error {
	return retryTransient(ctx, func() error {
		return g.client.LRem(ctx, g.processingKey(server, queue), 1, jobID).Err()
	})
}

// --- job descriptor access --------------------------------------------------

// GetJob reads a job's descriptor and state from the store.
func (g *Gateway) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	err := retryTransient(ctx, func() error {
		data, err := g.client.Get(ctx, g.jobKey(jobID)).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: job %s not found", ErrCorruptJob, jobID)
		}
		if err != nil {
			return err
		}
		if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJob, unmarshalErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue writes a job's descriptor and pushes its id onto the target
// priority lane.
func (g *Gateway) Enqueue(ctx context.Context, queue string, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = retryTransient(ctx, func() error {
		pipe := g.client.Pipeline()
		pipe.Set(ctx, g.jobKey(j.ID), data, 0)
		pipe.LPush(ctx, g.queueKey(queue, j.Priority), j.ID)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.Default().RecordJobStarted(j.Priority)
	return nil
}

// ScheduleJob writes j's descriptor and places it directly on queue's
// schedule for execution at scheduledFor, bypassing the priority lanes
// entirely until the Schedule Poller promotes it.
func (g *Gateway) ScheduleJob(ctx context.Context, queue string, j *job.Job, scheduledFor time.Time) error {
	j.ScheduledFor = &scheduledFor
	j.UpdateStatus(job.StatusScheduled)

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return retryTransient(ctx, func() error {
		pipe := g.client.Pipeline()
		pipe.Set(ctx, g.jobKey(j.ID), data, 0)
		pipe.ZAdd(ctx, g.scheduledKey(queue), redis.Z{Score: float64(scheduledFor.Unix()), Member: j.ID})
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
}

// MarkProcessing records that jobID has begun executing at (server, queue).
func (g *Gateway) MarkProcessing(ctx context.Context, jobID, server, queue string) error {
	return retryTransient(ctx, func() error {
		data, err := g.client.Get(ctx, g.jobKey(jobID)).Result()
		if err != nil {
			return err
		}
		var j job.Job
		if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJob, unmarshalErr)
		}
		j.UpdateStatus(job.StatusProcessing)
		updated, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		return g.client.Set(ctx, g.jobKey(jobID), updated, 0).Err()
	})
}

// Complete marks a job Succeeded and sets its terminal-state retention TTL.
func (g *Gateway) Complete(ctx context.Context, jobID string) error {
	return retryTransient(ctx, func() error {
		data, err := g.client.Get(ctx, g.jobKey(jobID)).Result()
		if err != nil {
			return err
		}
		var j job.Job
		if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJob, unmarshalErr)
		}
		j.UpdateStatus(job.StatusCompleted)
		updated, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		return g.client.Set(ctx, g.jobKey(jobID), updated, g.completedJobTTL).Err()
	})
}

// Fail records a failure. If the job still has retry budget it is scheduled
// for a bounded-exponential-backoff retry via the Schedule; otherwise it is
// moved to queue's dead letter set.
func (g *Gateway) Fail(ctx context.Context, queue string, j *job.Job, errMsg string) error {
	j.Attempts++
	j.Error = errMsg

	if j.Attempts <= j.MaxRetries {
		delay := time.Duration(1<<uint(j.Attempts)) * time.Second
		nextRetry := time.Now().Add(delay)
		j.UpdateStatus(job.StatusPending)
		j.ScheduledFor = &nextRetry

		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		return retryTransient(ctx, func() error {
			pipe := g.client.Pipeline()
			pipe.Set(ctx, g.jobKey(j.ID), data, 0)
			pipe.ZAdd(ctx, g.scheduledKey(queue), redis.Z{Score: float64(nextRetry.Unix()), Member: j.ID})
			_, execErr := pipe.Exec(ctx)
			return execErr
		})
	}

	j.UpdateStatus(job.StatusFailed)
	j.ScheduledFor = nil
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return retryTransient(ctx, func() error {
		pipe := g.client.Pipeline()
		pipe.Set(ctx, g.jobKey(j.ID), data, g.failedJobTTL)
		pipe.LPush(ctx, g.deadLetterKey(queue), j.ID)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
}

// DeadLetterQueueLength reports the number of jobs dead-lettered on queue.
func (g *Gateway) DeadLetterQueueLength(ctx context.Context, queue string) (int64, error) {
	return g.client.LLen(ctx, g.deadLetterKey(queue)).Result()
}

// --- schedule ----------------------------------------------------------------

// GetScheduledJobs returns the ids of every job in queue's schedule with a
// due time at or before now.
func (g *Gateway) GetScheduledJobs(ctx context.Context, queue string, now time.Time) ([]string, error) {
	var ids []string
	err := retryTransient(ctx, func() error {
		res, err := g.client.ZRangeByScore(ctx, g.scheduledKey(queue), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.Unix()),
		}).Result()
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	return ids, err
}

// EnqueueScheduledJob moves a single due job from the schedule to its target
// priority lane. The move is all-or-nothing.
func (g *Gateway) EnqueueScheduledJob(ctx context.Context, queue, jobID string) error {
	j, err := g.GetJob(ctx, jobID)
	if err != nil {
		// corrupt or missing descriptor: drop the dangling schedule entry.
		_ = retryTransient(ctx, func() error {
			return g.client.ZRem(ctx, g.scheduledKey(queue), jobID).Err()
		})
		return err
	}
	j.ScheduledFor = nil
	j.UpdateStatus(job.StatusPending)
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return retryTransient(ctx, func() error {
		pipe := g.client.Pipeline()
		pipe.Set(ctx, g.jobKey(jobID), data, 0)
		pipe.LPush(ctx, g.queueKey(queue, j.Priority), jobID)
		pipe.ZRem(ctx, g.scheduledKey(queue), jobID)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
}

// --- metrics -----------------------------------------------------------------

// RecordQueueDepths is a best-effort metrics sample of each priority lane's depth.
func (g *Gateway) RecordQueueDepths(ctx context.Context, queue string) {
	for _, priority := range allPriorities {
		depth, err := g.client.LLen(ctx, g.queueKey(queue, priority)).Result()
		if err != nil {
			continue
		}
		metrics.Default().RecordQueueDepth(priority, depth)
	}
}

// jitter returns d plus up to 10% random jitter, used by callers that want to
// avoid thundering-herd wakeups (e.g. multiple pollers on the same interval).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}
