package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ManagerConfig holds the construction-time options for a server's manager:
// its identity, the queue it serves, and the timing of its background loops.
type ManagerConfig struct {
	// ServerName uniquely identifies this server instance in the known-servers
	// registry and in the processing-set key space. Defaults to a generated
	// uuid if not set, so two processes never collide by accident.
	ServerName string

	// QueueName is the queue this server dispatches jobs from.
	QueueName string

	// Concurrency is the number of Workers in the pool, and therefore the
	// maximum number of jobs this server runs at once.
	Concurrency int

	// DequeueTimeout bounds each blocking dequeue attempt against the
	// priority lanes. The dispatch loop retries immediately on timeout, so
	// this only affects how promptly a cancellation is noticed.
	DequeueTimeout time.Duration

	// PollInterval is how often the schedule poller checks for due jobs.
	PollInterval time.Duration

	// HeartbeatInterval is how often the server re-announces itself in the
	// known-servers registry. Must be comfortably shorter than the Gateway's
	// heartbeat TTL or the announcement will expire between beats.
	HeartbeatInterval time.Duration

	// RoutingKeys restricts which jobs this server will claim: a dequeued
	// job whose RoutingKey is not in this set is left for another server.
	// Defaults to ["default"] if empty.
	RoutingKeys []string
}

// LoadManagerConfig loads manager configuration from environment variables.
func LoadManagerConfig() (*ManagerConfig, error) {
	cfg := &ManagerConfig{
		ServerName:        getEnv("SERVER_NAME", uuid.New().String()),
		QueueName:         getEnv("QUEUE_NAME", "default"),
		Concurrency:       getEnvAsInt("WORKER_CONCURRENCY", 2*runtime.NumCPU()),
		DequeueTimeout:    getEnvAsDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		PollInterval:      getEnvAsDuration("SCHEDULE_POLL_INTERVAL", 15*time.Second),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		RoutingKeys:       getEnvAsStringSlice("MANAGER_ROUTING_KEYS", []string{"default"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the manager configuration for internal consistency.
func (c *ManagerConfig) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("manager concurrency must be at least 1 (got %d)", c.Concurrency)
	}
	if c.DequeueTimeout <= 0 {
		return fmt.Errorf("dequeue timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HeartbeatInterval >= c.PollInterval*10 {
		return fmt.Errorf("heartbeat interval %v is unreasonably large relative to poll interval %v", c.HeartbeatInterval, c.PollInterval)
	}
	if len(c.RoutingKeys) == 0 {
		return fmt.Errorf("manager must accept at least one routing key")
	}
	return nil
}
