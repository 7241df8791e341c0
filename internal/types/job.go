package types

import (
	"time"
	"unicode/utf8"
)

// JobStatus is the lifecycle state of a pipeline job
type JobStatus string

// JobStatus constants
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further mutation of the job is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StepStatus is the outcome recorded for one step execution
type StepStatus string

// StepStatus constants
const (
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// DefaultTruncateLength bounds the text stored in execution records
const DefaultTruncateLength = 1000

// PipelineJob is one end-to-end execution of the pipeline against one document
type PipelineJob struct {
	JobID           string    `json:"job_id"`
	ProcessingID    string    `json:"processing_id"`
	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentStepID   *int64    `json:"current_step_id,omitempty"`

	PipelineConfigSnapshot []StepDefinition  `json:"pipeline_config_snapshot"`
	ContextSnapshot        map[string]string `json:"context_snapshot"`

	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	FailedAt     *time.Time     `json:"failed_at,omitempty"`
	FailedStepID *int64         `json:"failed_step_id,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
}

// StepExecutionRecord is the append-only audit entry written once per attempted step
type StepExecutionRecord struct {
	ID        int64      `json:"id,omitempty"`
	JobID     string     `json:"job_id"`
	StepID    int64      `json:"step_id"`
	StepName  string     `json:"step_name"`
	StepOrder int        `json:"step_order"`
	Phase     string     `json:"phase"`
	Status    StepStatus `json:"status"`

	InputTextTruncated  string `json:"input_text_truncated"`
	OutputTextTruncated string `json:"output_text_truncated,omitempty"`
	ModelUsed           string `json:"model_used,omitempty"`
	PromptUsedTruncated string `json:"prompt_used_truncated,omitempty"`
	Attempts            int    `json:"attempts"`

	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	ErrorMessage         string    `json:"error_message,omitempty"`
}

// Truncate shortens text to at most limit runes. A non-positive limit uses DefaultTruncateLength.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultTruncateLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
