package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/config"
	"github.com/jonathan/patient-docs/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a document to the worker queue",
	Long:  "Pushes a job request for one document onto the Redis queue. With --wait, blocks until a worker publishes a result.",
	RunE:  runEnqueue,
}

var (
	enqueueInputFile      string
	enqueueProcessingID   string
	enqueueTargetLanguage string
	enqueueContext        []string
	enqueueQueue          string
	enqueueRedisAddr      string
	enqueueWait           time.Duration
)

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueInputFile, "in", "i", "", "Path to the document text file (required)")
	enqueueCmd.Flags().StringVar(&enqueueProcessingID, "processing-id", "", "Caller correlation id (default: random)")
	enqueueCmd.Flags().StringVar(&enqueueTargetLanguage, "target-language", "", "Target language for translation steps")
	enqueueCmd.Flags().StringArrayVar(&enqueueContext, "context", nil, "Template variable as key=value (repeatable)")
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "", "Queue name (default: docpipe:jobs)")
	enqueueCmd.Flags().StringVar(&enqueueRedisAddr, "redis-addr", "", "Redis address (or set REDIS_ADDR)")
	enqueueCmd.Flags().DurationVar(&enqueueWait, "wait", 0, "Wait this long for a result (0 = do not wait)")

	if err := enqueueCmd.MarkFlagRequired("in"); err != nil {
		panic(fmt.Sprintf("failed to mark in flag as required: %v", err))
	}

	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, func(cfg *config.Config) {
		applyQueueFlags(cmd, cfg)
	})
	if err != nil {
		return err
	}

	input, err := os.ReadFile(enqueueInputFile)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	if strings.TrimSpace(string(input)) == "" {
		return fmt.Errorf("input file %s is empty", enqueueInputFile)
	}

	vars, err := parseContextPairs(enqueueContext)
	if err != nil {
		return err
	}
	if enqueueTargetLanguage != "" {
		vars["target_language"] = enqueueTargetLanguage
	}

	processingID := enqueueProcessingID
	if processingID == "" {
		processingID = uuid.NewString()
	}

	client, err := queue.Connect(ctx, queue.ConnOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	req := queue.JobRequest{
		ProcessingID: processingID,
		InputText:    string(input),
		Context:      vars,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := queue.Enqueue(ctx, client, cfg.Queue, req); err != nil {
		return err
	}
	fmt.Printf("Enqueued %s on %s\n", processingID, cfg.Queue)

	if enqueueWait <= 0 {
		return nil
	}

	// --wait assumes a private queue: results for other processing ids are dropped.
	deadline := time.Now().Add(enqueueWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("no result for %s within %s", processingID, enqueueWait)
		}
		resp, err := queue.PopResult(ctx, client, cfg.Queue, remaining)
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if resp.ProcessingID != processingID {
			slog.WarnContext(ctx, "Dropping result of another job", "processing_id", resp.ProcessingID)
			continue
		}

		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(out))
		if !resp.Success {
			return fmt.Errorf("job %s failed: %s", resp.JobID, resp.Error)
		}
		return nil
	}
}
