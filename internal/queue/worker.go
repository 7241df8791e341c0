package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/pipeline"
)

// Executor runs one pipeline job
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// WorkerOptions configures a Worker
type WorkerOptions struct {
	// Workers is the number of concurrent consumers, each owning one job at a time
	Workers int
	// PopTimeout bounds each BLPOP so cancellation is noticed
	PopTimeout time.Duration
	// ErrorBackoff is the pause after a Redis error
	ErrorBackoff time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// Worker consumes job requests from a queue
type Worker struct {
	client       redis.UniversalClient
	queue        string
	exec         Executor
	workers      int
	popTimeout   time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewWorker creates a worker pool reading from queue
func NewWorker(client redis.UniversalClient, queue string, exec Executor, opts WorkerOptions) *Worker {
	w := &Worker{
		client:       client,
		queue:        queue,
		exec:         exec,
		workers:      opts.Workers,
		popTimeout:   opts.PopTimeout,
		errorBackoff: opts.ErrorBackoff,
		logger:       plog.OrDefault(opts.Logger, "queue_worker").With("queue", queue),
		tracer:       opts.Tracer,
	}
	if w.tracer == nil {
		w.tracer = observability.Tracer()
	}
	if w.workers < 1 {
		w.workers = 1
	}
	if w.popTimeout <= 0 {
		w.popTimeout = time.Second
	}
	if w.errorBackoff <= 0 {
		w.errorBackoff = time.Second
	}
	return w
}

// Run starts the consumers and blocks until ctx is cancelled. Cancellation stops popping new
// jobs; a job already popped runs to completion before its consumer exits.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting queue workers", "workers", w.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= w.workers; i++ {
		id := i
		g.Go(func() error {
			return w.consume(ctx, id)
		})
	}

	err := g.Wait()
	w.logger.InfoContext(context.WithoutCancel(ctx), "Queue workers stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, id int) error {
	logger := w.logger.With("worker_id", id)
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := w.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "Error reading from queue", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.errorBackoff):
			}
			continue
		}
		if payload == "" {
			continue
		}

		resp := w.Handle(ctx, id, payload)
		if err := w.pushResult(ctx, resp); err != nil {
			logger.ErrorContext(ctx, "Failed to push job result", "processing_id", resp.ProcessingID, "error", err)
		}
	}
}

func (w *Worker) pop(ctx context.Context) (string, error) {
	result, err := w.client.BLPop(ctx, w.popTimeout, w.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to pop message from queue: %w", err)
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// Handle decodes one queued message, runs the job and builds the response. Malformed messages
// produce a failed response without running anything. The job runs on a context detached from
// ctx's cancellation, since a popped request is never returned to the queue.
func (w *Worker) Handle(ctx context.Context, workerID int, payload string) *JobResponse {
	ctx, span := observability.StartSpan(ctx, w.tracer, "queue.worker.handle",
		attribute.Int(observability.WorkerIDKey, workerID),
		attribute.String(observability.QueueKey, w.queue))
	defer span.End()

	var req JobRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		observability.SetError(span, err)
		w.logger.WarnContext(ctx, "Discarding malformed job request", "worker_id", workerID, "error", err)
		return &JobResponse{
			Success:    false,
			Error:      fmt.Sprintf("malformed job request: %v", err),
			WorkerID:   workerID,
			FinishedAt: time.Now().UTC(),
		}
	}

	span.SetAttributes(attribute.String(observability.ProcessingIDKey, req.ProcessingID))
	w.logger.InfoContext(ctx, "Received job", "worker_id", workerID, "processing_id", req.ProcessingID)

	res := w.exec.Execute(context.WithoutCancel(ctx), pipeline.Request{
		ProcessingID: req.ProcessingID,
		InputText:    req.InputText,
		Context:      req.Context,
	})

	meta := res.Metadata
	span.SetAttributes(attribute.String(observability.JobIDKey, meta.JobID))
	if !res.Success {
		observability.SetError(span, errors.New(meta.Error))
	}
	return &JobResponse{
		ProcessingID: req.ProcessingID,
		JobID:        meta.JobID,
		Success:      res.Success,
		FinalText:    res.FinalText,
		Error:        meta.Error,
		Metadata:     &meta,
		WorkerID:     workerID,
		FinishedAt:   time.Now().UTC(),
	}
}

func (w *Worker) pushResult(ctx context.Context, resp *JobResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal job response: %w", err)
	}
	// Results are written even when the worker is shutting down
	return w.client.RPush(context.WithoutCancel(ctx), ResultsKey(w.queue), payload).Err()
}
