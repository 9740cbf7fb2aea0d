// Package main provides the Bananas API server.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"time"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/pkg/client"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
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

	// Set as default logger
	logger.SetDefault(log)

	// Create component-specific logger
	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)

	mgrCfg, err := config.LoadManagerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load manager config: %v\n", err)
		os.Exit(1)
	}

	apiLog.Info("API server starting",
		"redis_url", cfg.RedisURL,
		"api_port", cfg.APIPort,
		"queue", mgrCfg.QueueName,
		"job_timeout", cfg.JobTimeout,
		"max_retries", cfg.MaxRetries)

	jobClient, err := client.NewClientWithConfig(cfg.RedisURL, mgrCfg.QueueName, cfg.ResultBackendTTLSuccess, cfg.ResultBackendTTLFailure)
	if err != nil {
		apiLog.Error("failed to create job client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			apiLog.Error("failed to close job client", "error", err)
		}
	}()

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	// Setup main API routes
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		// Ignore write error - nothing we can do if client disconnected
		_, _ = fmt.Fprintf(w, "Bananas API Server")
	})
	mainMux.HandleFunc("/jobs", submitJobHandler(jobClient, apiLog))
	mainMux.HandleFunc("/jobs/", getJobHandler(jobClient, apiLog))

	addr := ":" + cfg.APIPort
	apiLog.Info("API server listening", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           mainMux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		apiLog.Error("API server failed", "error", err)
		os.Exit(1)
	}
}

type submitJobRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    job.JobPriority `json:"priority"`
	RoutingKey  string          `json:"routing_key,omitempty"`
	Description string          `json:"description,omitempty"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

// submitJobHandler accepts a job descriptor and enqueues it onto the
// configured queue, routing by RoutingKey when one is given.
func submitJobHandler(c *client.Client, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		if req.Priority == "" {
			req.Priority = job.PriorityNormal
		}

		var jobID string
		var err error
		if req.RoutingKey != "" {
			jobID, err = c.SubmitJobWithRoute(r.Context(), req.Name, req.Payload, req.Priority, req.RoutingKey, req.Description)
		} else {
			jobID, err = c.SubmitJob(r.Context(), req.Name, req.Payload, req.Priority, req.Description)
		}
		if err != nil {
			log.Error("failed to submit job", "job_name", req.Name, "error", err)
			http.Error(w, "failed to submit job", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitJobResponse{JobID: jobID})
	}
}

// getJobHandler reports a job's current descriptor, and its result once one
// has been recorded.
func getJobHandler(c *client.Client, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		jobID := r.URL.Path[len("/jobs/"):]
		if jobID == "" {
			http.Error(w, "job id is required", http.StatusBadRequest)
			return
		}

		j, err := c.GetJob(r.Context(), jobID)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		res, err := c.GetResult(r.Context(), jobID)
		if err != nil {
			log.Warn("failed to fetch job result", "job_id", jobID, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Job    *job.Job       `json:"job"`
			Result *job.JobResult `json:"result,omitempty"`
		}{Job: j, Result: res})
	}
}
