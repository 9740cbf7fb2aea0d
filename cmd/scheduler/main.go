// Package main provides the Bananas scheduler service: a standalone process
// that evaluates a registry of recurring cron definitions and enqueues each
// due job directly onto the queue's priority lanes. It does not dispatch jobs
// or promote due one-shot schedules; that is the manager's Schedule Poller.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/scheduler"
	"github.com/redis/go-redis/v9"
)

// connectWithRetry attempts to connect the storage gateway to Redis with
// exponential backoff, since the scheduler is often started alongside Redis
// itself and should not crash-loop on a cold cluster.
func connectWithRetry(redisURL string, maxRetries int, log logger.Logger) (*queue.Gateway, error) {
	var gw *queue.Gateway
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		gw, err = queue.NewGateway(redisURL)
		if err == nil {
			return gw, nil
		}

		// #nosec G115 - attempt is bounded by maxRetries parameter, overflow not possible
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("failed to connect to redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries, err)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	mgrCfg, err := config.LoadManagerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load manager config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	schedulerLog.Info("scheduler starting", "redis_url", cfg.RedisURL, "queue", mgrCfg.QueueName)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	store, err := connectWithRetry(cfg.RedisURL, 5, schedulerLog)
	if err != nil {
		schedulerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			schedulerLog.Error("failed to close gateway", "error", err)
		}
	}()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		schedulerLog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	lockClient := redis.NewClient(opts)
	defer func() {
		if err := lockClient.Close(); err != nil {
			schedulerLog.Error("failed to close lock client", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CronSchedulerEnabled {
		registry := scheduler.NewRegistry()

		// TODO: register real recurring schedules here, e.g.:
		// registry.MustRegister(&scheduler.Schedule{
		// 	ID:       "daily-report",
		// 	Cron:     "0 0 * * *",
		// 	Job:      "generate_report",
		// 	Priority: job.PriorityNormal,
		// })

		cronScheduler := scheduler.NewCronScheduler(registry, store, mgrCfg.QueueName, lockClient, cfg.CronSchedulerInterval)
		schedulerLog.Info("cron scheduler initialized", "interval", cfg.CronSchedulerInterval, "schedules", registry.Count())
		go cronScheduler.Start(ctx)
	} else {
		schedulerLog.Info("cron scheduler disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	schedulerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()
	time.Sleep(500 * time.Millisecond)

	schedulerLog.Info("scheduler shut down successfully")
}
