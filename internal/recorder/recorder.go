// Package recorder tracks pipeline job lifecycle and step executions.
// Persistence is best effort: store failures are logged and never abort a job.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/types"
)

// Recorder applies lifecycle transitions to jobs and mirrors them to a Store
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a recorder. A nil store keeps state in memory only.
func New(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: plog.OrDefault(logger, "recorder"),
		now:    time.Now,
	}
}

// CreateJob builds a PENDING job holding deep copies of snapshot and context.
func (r *Recorder) CreateJob(ctx context.Context, processingID string, snapshot []types.StepDefinition, vars map[string]string) *types.PipelineJob {
	job := &types.PipelineJob{
		JobID:                  uuid.New().String(),
		ProcessingID:           processingID,
		Status:                 types.JobStatusPending,
		PipelineConfigSnapshot: types.CloneSteps(snapshot),
		ContextSnapshot:        copyStrings(vars),
		CreatedAt:              r.now().UTC(),
	}
	if job.ContextSnapshot == nil {
		job.ContextSnapshot = map[string]string{}
	}

	if r.store != nil {
		if err := r.store.CreateJob(ctx, job); err != nil {
			r.logger.WarnContext(ctx, "Failed to persist job", "job_id", job.JobID, "error", err)
		}
	}
	return job
}

// MarkRunning moves a PENDING job to RUNNING.
func (r *Recorder) MarkRunning(ctx context.Context, job *types.PipelineJob) {
	if r.frozen(ctx, job, "mark running") {
		return
	}
	now := r.now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	r.update(ctx, job)
}

// UpdateProgress sets the progress percentage and current step. Progress never decreases.
func (r *Recorder) UpdateProgress(ctx context.Context, job *types.PipelineJob, percent int, currentStepID *int64) {
	if r.frozen(ctx, job, "update progress") {
		return
	}
	percent = clampPercent(percent)
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	job.CurrentStepID = copyInt64(currentStepID)
	r.update(ctx, job)
}

// RecordStepExecution appends an audit record for job. Records are accepted until the job is terminal.
func (r *Recorder) RecordStepExecution(ctx context.Context, job *types.PipelineJob, record *types.StepExecutionRecord) {
	if r.frozen(ctx, job, "record step execution") {
		return
	}
	record.JobID = job.JobID
	if r.store == nil {
		return
	}
	if err := r.store.AppendStepExecution(ctx, record); err != nil {
		r.logger.WarnContext(ctx, "Failed to persist step execution",
			"job_id", job.JobID, "step", record.StepName, "error", err)
	}
}

// MarkFailed finalizes job as FAILED. stepID may be nil for failures outside a step.
func (r *Recorder) MarkFailed(ctx context.Context, job *types.PipelineJob, errMsg string, stepID *int64) {
	if r.frozen(ctx, job, "mark failed") {
		return
	}
	now := r.now().UTC()
	job.Status = types.JobStatusFailed
	job.FailedAt = &now
	job.ErrorMessage = errMsg
	job.FailedStepID = copyInt64(stepID)
	r.update(ctx, job)
}

// MarkCompleted finalizes job as COMPLETED with progress 100.
func (r *Recorder) MarkCompleted(ctx context.Context, job *types.PipelineJob, resultData map[string]any) {
	if r.frozen(ctx, job, "mark completed") {
		return
	}
	now := r.now().UTC()
	job.Status = types.JobStatusCompleted
	job.CompletedAt = &now
	job.ProgressPercent = 100
	job.CurrentStepID = nil
	job.ResultData = resultData
	r.update(ctx, job)
}

func (r *Recorder) frozen(ctx context.Context, job *types.PipelineJob, action string) bool {
	if job == nil {
		return true
	}
	if job.Status.Terminal() {
		r.logger.WarnContext(ctx, "Ignoring update to finished job",
			"job_id", job.JobID, "status", job.Status, "action", action)
		return true
	}
	return false
}

func (r *Recorder) update(ctx context.Context, job *types.PipelineJob) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.WarnContext(ctx, "Failed to persist job state",
			"job_id", job.JobID, "status", job.Status, "error", err)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
