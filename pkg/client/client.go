// Package client provides a small producer API for submitting jobs onto a
// named queue without pulling in the manager or worker packages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/result"
	"github.com/redis/go-redis/v9"
)

// Client submits jobs onto a queue and, when a result backend is configured,
// reads back their results.
type Client struct {
	store         *queue.Gateway
	queueName     string
	resultBackend result.Backend
}

// NewClient creates a Client that submits jobs onto queueName, with a result
// backend enabled using standard TTLs (1h success, 24h failure).
func NewClient(redisURL, queueName string) (*Client, error) {
	return NewClientWithConfig(redisURL, queueName, 1*time.Hour, 24*time.Hour)
}

// NewClientWithConfig creates a Client with custom result backend TTLs.
func NewClientWithConfig(redisURL, queueName string, successTTL, failureTTL time.Duration) (*Client, error) {
	store, err := queue.NewGateway(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	resultBackend := result.NewRedisBackend(redis.NewClient(opts), successTTL, failureTTL)

	return &Client{
		store:         store,
		queueName:     queueName,
		resultBackend: resultBackend,
	}, nil
}

// SubmitJob creates and enqueues a new job. The payload is marshaled to JSON.
// Description is optional - if provided, the first value is used. Returns the
// job ID on success.
func (c *Client) SubmitJob(ctx context.Context, name string, payload interface{}, priority job.JobPriority, description ...string) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	j := job.NewJob(name, payloadBytes, priority, description...)
	if err := c.store.Enqueue(ctx, c.queueName, j); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return j.ID, nil
}

// SubmitJobWithRoute creates and enqueues a new job tagged with routingKey,
// which determines which workers pick it up.
func (c *Client) SubmitJobWithRoute(ctx context.Context, name string, payload interface{}, priority job.JobPriority, routingKey string, description ...string) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	j := job.NewJob(name, payloadBytes, priority, description...)
	if err := j.SetRoutingKey(routingKey); err != nil {
		return "", fmt.Errorf("failed to set routing key: %w", err)
	}

	if err := c.store.Enqueue(ctx, c.queueName, j); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return j.ID, nil
}

// SubmitJobScheduled creates a job and places it directly on the schedule for
// execution at scheduledFor; the Schedule Poller promotes it once due.
func (c *Client) SubmitJobScheduled(ctx context.Context, name string, payload interface{}, priority job.JobPriority, scheduledFor time.Time, description ...string) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	j := job.NewJob(name, payloadBytes, priority, description...)
	if err := c.store.ScheduleJob(ctx, c.queueName, j, scheduledFor); err != nil {
		return "", fmt.Errorf("failed to schedule job: %w", err)
	}

	return j.ID, nil
}

// GetJob retrieves a job's current descriptor and state.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetResult retrieves the result of a completed job by its ID. Returns nil,
// nil if the job hasn't completed yet or its result has expired.
func (c *Client) GetResult(ctx context.Context, jobID string) (*job.JobResult, error) {
	res, err := c.resultBackend.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return res, nil
}

// SubmitAndWait submits a job and blocks for its result, for RPC-style use.
// Returns an error if the job fails, submission fails, or timeout elapses.
func (c *Client) SubmitAndWait(ctx context.Context, name string, payload interface{}, priority job.JobPriority, timeout time.Duration) (*job.JobResult, error) {
	jobID, err := c.SubmitJob(ctx, name, payload, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	res, err := c.resultBackend.WaitForResult(ctx, jobID, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for result: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("job did not complete within timeout of %v", timeout)
	}
	return res, nil
}

// Close releases the client's Redis connections.
func (c *Client) Close() error {
	var storeErr, resultErr error
	if c.store != nil {
		storeErr = c.store.Close()
	}
	if c.resultBackend != nil {
		resultErr = c.resultBackend.Close()
	}
	if storeErr != nil {
		return storeErr
	}
	return resultErr
}
