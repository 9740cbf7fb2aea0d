// Package main provides the Bananas manager service: one server instance
// that announces itself, recovers abandoned work, and dispatches jobs from
// a queue to a bounded pool of workers.
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
	"github.com/muaviaUsmani/bananas/internal/manager"
	"github.com/muaviaUsmani/bananas/internal/metrics"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/result"
	"github.com/muaviaUsmani/bananas/internal/worker"
	"github.com/redis/go-redis/v9"
)

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

	mgrLog := log.WithComponent(logger.ComponentManager).WithSource(logger.LogSourceInternal)
	mgrLog.Info("manager starting",
		"server", mgrCfg.ServerName,
		"queue", mgrCfg.QueueName,
		"concurrency", mgrCfg.Concurrency,
		"job_timeout", cfg.JobTimeout,
		"poll_interval", mgrCfg.PollInterval,
		"heartbeat_interval", mgrCfg.HeartbeatInterval,
		"routing_keys", mgrCfg.RoutingKeys)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		mgrLog.Info("starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			mgrLog.Error("pprof server failed", "error", err)
		}
	}()

	// Two independent Gateway instances, two independent connection pools: a
	// blocking one for DequeueJobId so a long blocking call can never stall
	// recovery or the completion drain, and a non-blocking one for
	// everything else.
	blockingGateway, err := queue.NewGateway(cfg.RedisURL)
	if err != nil {
		mgrLog.Error("failed to connect blocking gateway to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := blockingGateway.Close(); err != nil {
			mgrLog.Error("failed to close blocking gateway", "error", err)
		}
	}()

	storeGateway, err := queue.NewGateway(cfg.RedisURL)
	if err != nil {
		mgrLog.Error("failed to connect gateway to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storeGateway.Close(); err != nil {
			mgrLog.Error("failed to close gateway", "error", err)
		}
	}()

	var resultBackend result.Backend
	if cfg.ResultBackendEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			mgrLog.Error("failed to parse redis URL for result backend", "error", err)
			os.Exit(1)
		}
		resultBackend = result.NewRedisBackend(redis.NewClient(opts), cfg.ResultBackendTTLSuccess, cfg.ResultBackendTTLFailure)
		mgrLog.Info("result backend enabled", "success_ttl", cfg.ResultBackendTTLSuccess, "failure_ttl", cfg.ResultBackendTTLFailure)
	}

	registry := worker.NewRegistry()
	// TODO: replace the example handlers below with real job handlers.
	registry.Register("count_items", worker.HandleCountItems)
	registry.Register("send_email", worker.HandleSendEmail)
	registry.Register("process_data", worker.HandleProcessData)
	mgrLog.Info("registered job handlers", "count", registry.Count())

	executor := worker.NewExecutor(registry)
	if resultBackend != nil {
		executor.SetResultBackend(resultBackend)
	}

	pool := worker.NewPool(mgrCfg.Concurrency, mgrCfg.ServerName, mgrCfg.QueueName, executor, storeGateway, cfg.JobTimeout)

	m, err := manager.New(*mgrCfg, nil, mgrCfg.RoutingKeys, blockingGateway, storeGateway, pool)
	if err != nil {
		mgrLog.Error("failed to construct manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				met := metrics.GetMetrics()
				mgrLog.Info("system metrics",
					"jobs_processed", met.TotalJobsProcessed,
					"jobs_completed", met.TotalJobsCompleted,
					"jobs_failed", met.TotalJobsFailed,
					"avg_duration_ms", met.AvgJobDuration.Milliseconds(),
					"worker_utilization", fmt.Sprintf("%.1f%%", met.WorkerUtilization),
					"error_rate", fmt.Sprintf("%.2f%%", met.ErrorRate),
					"uptime", met.Uptime.String())
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	select {
	case sig := <-sigChan:
		mgrLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			mgrLog.Error("manager exited with error", "error", err)
			os.Exit(1)
		}
	}

	mgrLog.Info("manager shut down successfully")
}
