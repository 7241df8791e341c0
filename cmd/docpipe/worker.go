package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/config"
	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume pipeline jobs from a Redis queue",
	Long: "Starts a pool of consumers that pop job requests from a Redis list, run the pipeline for each " +
		"and push the outcome to <queue>:results. On SIGINT/SIGTERM no new jobs are popped and " +
		"jobs already running are finished before the worker exits.",
	RunE: runWorker,
}

var (
	workerQueue     string
	workerCount     int
	workerRedisAddr string
	workerPoll      time.Duration
)

func init() {
	workerCmd.Flags().StringVar(&workerQueue, "queue", "", "Queue name (default: docpipe:jobs)")
	workerCmd.Flags().IntVarP(&workerCount, "workers", "n", 0, "Number of concurrent jobs (default: 1)")
	workerCmd.Flags().StringVar(&workerRedisAddr, "redis-addr", "", "Redis address (or set REDIS_ADDR)")
	workerCmd.Flags().DurationVar(&workerPoll, "poll", time.Second, "How long each pop waits for a job")

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, func(cfg *config.Config) {
		applyQueueFlags(cmd, cfg)
		if cmd.Flags().Changed("workers") {
			cfg.Workers = workerCount
		}
	})
	if err != nil {
		return err
	}

	shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	deps, err := buildEngine(ctx, cfg, b, nil)
	if err != nil {
		return err
	}
	defer deps.Close()

	client, err := queue.Connect(ctx, queue.ConnOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	worker := queue.NewWorker(client, cfg.Queue, deps.engine, queue.WorkerOptions{
		Workers:    cfg.Workers,
		PopTimeout: workerPoll,
		Logger:     plog.WithModule("queue_worker"),
		Tracer:     observability.Tracer(),
	})

	fmt.Printf("Consuming %s with %d worker(s); results go to %s\n", cfg.Queue, cfg.Workers, queue.ResultsKey(cfg.Queue))
	return worker.Run(ctx)
}

// applyQueueFlags copies the Redis related flags shared by worker and enqueue.
func applyQueueFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("queue") {
		cfg.Queue = flagString(cmd, "queue")
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.RedisAddr = flagString(cmd, "redis-addr")
	}
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
