package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/patient-docs/internal/types"
)

const jobColumns = `job_id, processing_id, status, progress_percent, current_step_id,
	pipeline_config_snapshot, context_snapshot, created_at, started_at, completed_at, failed_at,
	failed_step_id, error_message, result_data`

const stepExecutionColumns = `id, job_id, step_id, step_name, step_order, phase, status,
	input_text_truncated, output_text_truncated, model_used, prompt_used_truncated, attempts,
	started_at, completed_at, execution_time_seconds, error_message`

// -----------------------------------------------------------------------------
// Pipeline Job Methods
// -----------------------------------------------------------------------------

// CreateJob inserts a new pipeline job
func (db *DB) CreateJob(ctx context.Context, job *types.PipelineJob) error {
	id, err := uuid.Parse(job.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", job.JobID, err)
	}
	snapshotJSON, contextJSON, resultJSON, err := marshalJobPayloads(job)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, job.ProcessingID, string(job.Status), job.ProgressPercent, job.CurrentStepID,
		snapshotJSON, contextJSON, job.CreatedAt, job.StartedAt, job.CompletedAt, job.FailedAt,
		job.FailedStepID, job.ErrorMessage, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// UpdateJob writes the mutable state of a job. The snapshot is immutable and is not rewritten.
func (db *DB) UpdateJob(ctx context.Context, job *types.PipelineJob) error {
	id, err := uuid.Parse(job.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", job.JobID, err)
	}
	var resultJSON []byte
	if job.ResultData != nil {
		if resultJSON, err = json.Marshal(job.ResultData); err != nil {
			return fmt.Errorf("failed to marshal result data: %w", err)
		}
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_jobs SET
			status = $2, progress_percent = $3, current_step_id = $4, started_at = $5,
			completed_at = $6, failed_at = $7, failed_step_id = $8, error_message = $9, result_data = $10
		 WHERE job_id = $1`,
		id, string(job.Status), job.ProgressPercent, job.CurrentStepID, job.StartedAt,
		job.CompletedAt, job.FailedAt, job.FailedStepID, job.ErrorMessage, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update job: job %s not found", job.JobID)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil, nil when it does not exist.
func (db *DB) GetJob(ctx context.Context, jobID string) (*types.PipelineJob, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	row := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (db *DB) ListJobs(ctx context.Context, filter JobFilter) ([]types.PipelineJob, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE 1=1`
	var args []any
	argPos := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.ProcessingID != "" {
		query += fmt.Sprintf(" AND processing_id = $%d", argPos)
		args = append(args, filter.ProcessingID)
		argPos++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultJobListLimit
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.PipelineJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// -----------------------------------------------------------------------------
// Step Execution Methods
// -----------------------------------------------------------------------------

// AppendStepExecution inserts an audit record and sets its ID
func (db *DB) AppendStepExecution(ctx context.Context, record *types.StepExecutionRecord) error {
	jobID, err := uuid.Parse(record.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", record.JobID, err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO step_executions (job_id, step_id, step_name, step_order, phase, status,
			input_text_truncated, output_text_truncated, model_used, prompt_used_truncated, attempts,
			started_at, completed_at, execution_time_seconds, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		jobID, record.StepID, record.StepName, record.StepOrder, record.Phase, string(record.Status),
		record.InputTextTruncated, record.OutputTextTruncated, record.ModelUsed, record.PromptUsedTruncated,
		record.Attempts, record.StartedAt, record.CompletedAt, record.ExecutionTimeSeconds, record.ErrorMessage,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to append step execution %s: %w", record.StepName, err)
	}
	return nil
}

// ListStepExecutions returns the records of one job in insertion order
func (db *DB) ListStepExecutions(ctx context.Context, jobID string) ([]types.StepExecutionRecord, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	var records []types.StepExecutionRecord
	for rows.Next() {
		var rec types.StepExecutionRecord
		var recJobID uuid.UUID
		var status string
		if err := rows.Scan(&rec.ID, &recJobID, &rec.StepID, &rec.StepName, &rec.StepOrder, &rec.Phase,
			&status, &rec.InputTextTruncated, &rec.OutputTextTruncated, &rec.ModelUsed,
			&rec.PromptUsedTruncated, &rec.Attempts, &rec.StartedAt, &rec.CompletedAt,
			&rec.ExecutionTimeSeconds, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		rec.JobID = recJobID.String()
		rec.Status = types.StepStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanJob(row scanner) (*types.PipelineJob, error) {
	var job types.PipelineJob
	var id uuid.UUID
	var status string
	var snapshotJSON, contextJSON, resultJSON []byte
	var startedAt, completedAt, failedAt *time.Time

	err := row.Scan(&id, &job.ProcessingID, &status, &job.ProgressPercent, &job.CurrentStepID,
		&snapshotJSON, &contextJSON, &job.CreatedAt, &startedAt, &completedAt, &failedAt,
		&job.FailedStepID, &job.ErrorMessage, &resultJSON)
	if err != nil {
		return nil, err
	}

	job.JobID = id.String()
	job.Status = types.JobStatus(status)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	job.FailedAt = failedAt

	if err := unmarshalJobPayloads(&job, snapshotJSON, contextJSON, resultJSON); err != nil {
		return nil, err
	}
	return &job, nil
}

func marshalJobPayloads(job *types.PipelineJob) (snapshot, vars, result []byte, err error) {
	steps := job.PipelineConfigSnapshot
	if steps == nil {
		steps = []types.StepDefinition{}
	}
	if snapshot, err = json.Marshal(steps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}

	ctxVars := job.ContextSnapshot
	if ctxVars == nil {
		ctxVars = map[string]string{}
	}
	if vars, err = json.Marshal(ctxVars); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal context snapshot: %w", err)
	}

	if job.ResultData != nil {
		if result, err = json.Marshal(job.ResultData); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal result data: %w", err)
		}
	}
	return snapshot, vars, result, nil
}

func unmarshalJobPayloads(job *types.PipelineJob, snapshot, vars, result []byte) error {
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &job.PipelineConfigSnapshot); err != nil {
			return fmt.Errorf("failed to unmarshal config snapshot: %w", err)
		}
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &job.ContextSnapshot); err != nil {
			return fmt.Errorf("failed to unmarshal context snapshot: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &job.ResultData); err != nil {
			return fmt.Errorf("failed to unmarshal result data: %w", err)
		}
	}
	return nil
}
