// Package queue distributes pipeline jobs over a Redis list. Producers push job requests, workers
// pop them with BLPOP and push the outcome to a companion results list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/jonathan/patient-docs/internal/pipeline"
)

// DefaultQueue is the list jobs are pushed to when no name is configured
const DefaultQueue = "docpipe:jobs"

// resultsSuffix names the list workers push outcomes to
const resultsSuffix = ":results"

// ConnOptions describes how to reach Redis
type ConnOptions struct {
	Addr     string
	Password string
	DB       int
}

// JobRequest is the message producers enqueue
type JobRequest struct {
	ProcessingID string            `json:"processing_id"`
	InputText    string            `json:"input_text"`
	Context      map[string]string `json:"context,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// JobResponse is the message workers push after a job finished
type JobResponse struct {
	ProcessingID string             `json:"processing_id"`
	JobID        string             `json:"job_id,omitempty"`
	Success      bool               `json:"success"`
	FinalText    string             `json:"final_text,omitempty"`
	Error        string             `json:"error,omitempty"`
	Metadata     *pipeline.Metadata `json:"metadata,omitempty"`
	WorkerID     int                `json:"worker_id"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// ResultsKey returns the results list belonging to queue.
func ResultsKey(queue string) string {
	return queue + resultsSuffix
}

// Connect creates a Redis client and verifies the connection.
func Connect(ctx context.Context, opts ConnOptions) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Enqueue pushes a job request to the tail of queue.
func Enqueue(ctx context.Context, client redis.UniversalClient, queue string, req JobRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}
	if err := client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// PopResult waits up to timeout for the next job response of queue. Returns nil, nil on timeout.
func PopResult(ctx context.Context, client redis.UniversalClient, queue string, timeout time.Duration) (*JobResponse, error) {
	result, err := client.BLPop(ctx, timeout, ResultsKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop result: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var resp JobResponse
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode job response: %w", err)
	}
	return &resp, nil
}
