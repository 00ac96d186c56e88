// Package cli builds the cobra command tree for cmd/asyncjobsd: serve,
// worker, submit, and status. See SPEC_FULL.md §4.7.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kimina-labs/asyncjobs/internal/checker"
	"github.com/kimina-labs/asyncjobs/internal/config"
	"github.com/kimina-labs/asyncjobs/internal/httpapi"
	"github.com/kimina-labs/asyncjobs/internal/jobsbackend"
	"github.com/kimina-labs/asyncjobs/internal/metrics"
	"github.com/kimina-labs/asyncjobs/internal/queue"
	"github.com/kimina-labs/asyncjobs/internal/workerloop"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "asyncjobsd",
		Short:   "asyncjobsd: an asynchronous batch-check job service",
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildBackend(cfg *config.Settings) (jobsbackend.Backend, error) {
	ttl := time.Duration(cfg.AsyncResultTTLSec) * time.Second

	if cfg.AsyncUseInMemoryBackend {
		return jobsbackend.NewInProcessBackend(ttl, cfg.AsyncBacklogLimit, time.Minute), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.AsyncQueueName)
	if err != nil {
		return nil, fmt.Errorf("build redis queue: %w", err)
	}
	return jobsbackend.NewRedisBackend(client, q, cfg.AsyncQueueName, cfg.AsyncRedisKeyPrefix, ttl, cfg.AsyncBacklogLimit), nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP submit/poll surface and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.AsyncEnabled {
		return fmt.Errorf("serve requires ASYNCJOBS_ASYNC_ENABLED=true")
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer backend.Close()

	collector := metrics.NewCollector()
	server := httpapi.NewServer(backend, cfg.APIKey, collector)

	go func() {
		if err := metrics.StartServer(cfg.MetricsPort); err != nil && err != http.ErrServerClosed {
			slog.Default().Error("metrics server stopped", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: server.Router()}

	go func() {
		slog.Default().Info("async job service listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().Error("http server stopped", "error", err)
		}
	}()

	waitForShutdown()
	slog.Default().Info("shutting down async job service")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func buildWorkerCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool against the configured backend and checker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override worker concurrency (0 = use config)")
	return cmd
}

func runWorker(concurrencyOverride int) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.AsyncEnabled {
		return fmt.Errorf("worker requires ASYNCJOBS_ASYNC_ENABLED=true")
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer backend.Close()

	concurrency := cfg.WorkerConcurrency
	if concurrencyOverride > 0 {
		concurrency = concurrencyOverride
	}

	var c checker.Checker
	if cfg.CheckerURL == "" {
		c = checker.NewSimChecker()
	} else {
		c = checker.NewHTTPChecker(cfg.CheckerURL, time.Duration(cfg.CheckerTimeoutSec)*time.Second)
	}

	collector := metrics.NewCollector()
	pool := workerloop.NewPool(backend, c, concurrency, cfg.AsyncWorkerRetries, 1, collector)

	slog.Default().Info("async worker started", "queue", cfg.AsyncQueueName, "concurrency", concurrency, "retries", cfg.AsyncWorkerRetries)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	waitForShutdown()
	slog.Default().Info("worker cancelled")
	cancel()
	pool.Stop()
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var file string
	var serverURL string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a JSON file of snippets to a running asyncjobsd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(file, serverURL)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing a CheckRequest body")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of a running asyncjobsd server")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runSubmit(file, serverURL string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read snippet file: %w", err)
	}

	var req asyncjobs.CheckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse snippet file: %w", err)
	}

	resp, err := http.Post(serverURL+"/api/async/check", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit rejected (status %d): %s", resp.StatusCode, string(body))
	}

	log.Printf("submitted %d snippets: %s\n", len(req.Snippets), string(body))
	return nil
}

func buildStatusCommand() *cobra.Command {
	var jobID string
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Poll a job id and print its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jobID, serverURL)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id to poll")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of a running asyncjobsd server")
	cmd.MarkFlagRequired("job-id")
	return cmd
}

func runStatus(jobID, serverURL string) error {
	resp, err := http.Get(serverURL + "/api/async/check/" + jobID)
	if err != nil {
		return fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Printf("job %s not found or expired\n", jobID)
		return nil
	}

	var poll asyncjobs.AsyncPollResponse
	if err := json.NewDecoder(resp.Body).Decode(&poll); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}

	log.Printf("job %s: status=%s done=%d failed=%d running=%d total=%d\n",
		poll.JobID, poll.Status, poll.Progress.Done, poll.Progress.Failed, poll.Progress.Running, poll.Progress.Total)
	return nil
}
