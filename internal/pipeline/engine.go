// Package pipeline provides the branching execution engine that turns a medical document into a
// patient-facing text by running the configured steps of one job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/patient-docs/internal/branching"
	"github.com/jonathan/patient-docs/internal/invoker"
	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/recorder"
	"github.com/jonathan/patient-docs/internal/stopcond"
	"github.com/jonathan/patient-docs/internal/types"
)

// Result data keys written on graceful termination
const (
	ResultTerminatedEarly   = "terminated_early"
	ResultTerminationReason = "termination_reason"
	ResultMatchedValue      = "matched_value"
	ResultStepName          = "step_name"
)

// StepSource provides the step definitions a job snapshots at start.
// Class-specific steps are taken from the same snapshot, so edits made while a job runs never reach it.
type StepSource interface {
	LoadEnabledSteps(ctx context.Context) ([]types.StepDefinition, error)
}

// StepInvoker executes one step against the text-generation gateway
type StepInvoker interface {
	Invoke(ctx context.Context, step *types.StepDefinition, inputText string, vars map[string]string) invoker.Result
}

// BranchResolver turns a branching step's output into a branch decision
type BranchResolver interface {
	Resolve(ctx context.Context, output, branchingField string) *branching.Resolution
}

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	Step    string `json:"step"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Percent int    `json:"percent"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// Request is one document to process
type Request struct {
	ProcessingID string
	InputText    string
	// Context supplies template variables such as target_language
	Context map[string]string
}

// StepOutcome summarizes one executed step
type StepOutcome struct {
	StepID          int64            `json:"step_id"`
	Name            string           `json:"name"`
	Phase           string           `json:"phase"`
	Status          types.StepStatus `json:"status"`
	Attempts        int              `json:"attempts"`
	Model           string           `json:"model,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	Error           string           `json:"error,omitempty"`
}

// Metadata describes how a job ran
type Metadata struct {
	JobID          string                `json:"job_id"`
	ProcessingID   string                `json:"processing_id"`
	TotalSteps     int                   `json:"total_steps"`
	Steps          []StepOutcome         `json:"steps"`
	Branched       bool                  `json:"branched"`
	Branch         *branching.Resolution `json:"branch,omitempty"`
	DocumentClass  *types.DocumentClass  `json:"document_class,omitempty"`
	Termination    *stopcond.Result      `json:"termination,omitempty"`
	FailedStepID   *int64                `json:"failed_step_id,omitempty"`
	FailedStepName string                `json:"failed_step_name,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Result is the outcome of Execute. Graceful termination by a stop condition is a success.
type Result struct {
	Success   bool     `json:"success"`
	FinalText string   `json:"final_text"`
	Metadata  Metadata `json:"metadata"`
}

// Options configures an Engine
type Options struct {
	// Recorder persists job state. Defaults to an in-memory-only recorder.
	Recorder *recorder.Recorder
	Tracer   trace.Tracer
	Logger   *slog.Logger
	// TruncateLength bounds texts in step execution records
	TruncateLength int
	OnProgress     ProgressCallback
}

// Engine executes pipeline jobs. One Engine may run many jobs concurrently; each job is sequential.
type Engine struct {
	steps          StepSource
	invoker        StepInvoker
	resolver       BranchResolver
	recorder       *recorder.Recorder
	tracer         trace.Tracer
	logger         *slog.Logger
	truncateLength int
	onProgress     ProgressCallback
	now            func() time.Time
}

// NewEngine creates an engine
func NewEngine(steps StepSource, inv StepInvoker, resolver BranchResolver, opts Options) *Engine {
	e := &Engine{
		steps:          steps,
		invoker:        inv,
		resolver:       resolver,
		recorder:       opts.Recorder,
		tracer:         opts.Tracer,
		logger:         plog.OrDefault(opts.Logger, "pipeline"),
		truncateLength: opts.TruncateLength,
		onProgress:     opts.OnProgress,
		now:            time.Now,
	}
	if e.recorder == nil {
		e.recorder = recorder.New(nil, e.logger)
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer()
	}
	if e.truncateLength <= 0 {
		e.truncateLength = types.DefaultTruncateLength
	}
	return e
}

// run is the mutable state of one job
type run struct {
	job       *types.PipelineJob
	original  string
	current   string
	vars      map[string]string
	completed int
	total     int
	meta      *Metadata
}

// Execute runs one job to completion. It never returns a nil result.
func (e *Engine) Execute(ctx context.Context, req Request) *Result {
	ctx, span := observability.StartSpan(ctx, e.tracer, "pipeline.execute",
		attribute.String(observability.ProcessingIDKey, req.ProcessingID))
	defer span.End()

	loaded, loadErr := e.steps.LoadEnabledSteps(ctx)
	if loadErr == nil && len(loaded) == 0 {
		loadErr = ErrNoSteps
	}

	snapshot := types.CloneSteps(loaded)
	types.SortByOrder(snapshot)

	job := e.recorder.CreateJob(ctx, req.ProcessingID, snapshot, req.Context)
	span.SetAttributes(attribute.String(observability.JobIDKey, job.JobID))
	logger := e.logger.With("job_id", job.JobID, "processing_id", req.ProcessingID)

	r := &run{
		job:      job,
		original: req.InputText,
		current:  req.InputText,
		vars:     copyVars(req.Context),
		meta:     &Metadata{JobID: job.JobID, ProcessingID: req.ProcessingID},
	}

	e.recorder.MarkRunning(ctx, job)

	if loadErr != nil {
		err := fmt.Errorf("failed to load pipeline steps: %w", loadErr)
		return e.fail(ctx, span, logger, r, err, nil)
	}

	p, err := buildPlan(job.PipelineConfigSnapshot)
	if err != nil {
		return e.fail(ctx, span, logger, r, err, nil)
	}

	r.total = len(p.preBranch) + len(p.postBranch)
	r.meta.TotalSteps = r.total
	logger.InfoContext(ctx, "Pipeline job started", "steps", len(job.PipelineConfigSnapshot))

	// Phase 1: universal steps and the branch gate
	branchResolved := false
	var classID *int64
	for _, ps := range p.preBranch {
		out, done := e.runStep(ctx, span, logger, r, ps)
		if done != nil {
			return done
		}
		if ps.phase != types.PhaseBranchGate {
			continue
		}

		resolution := e.resolver.Resolve(ctx, out, ps.def.BranchingField)
		r.meta.Branch = resolution
		if resolution == nil {
			logger.WarnContext(ctx, "Branching step produced no value", "step", ps.def.Name)
			continue
		}
		if resolution.Type != branching.TypeDocumentClass {
			r.vars[resolution.Field] = resolution.RawValue
			continue
		}
		if resolution.Resolved() {
			branchResolved = true
			classID = resolution.TargetID
			r.vars[types.BranchFieldDocumentType] = resolution.TargetKey
			r.meta.DocumentClass = &types.DocumentClass{
				ID:          *resolution.TargetID,
				Key:         resolution.TargetKey,
				DisplayName: resolution.TargetDisplayName,
				Enabled:     true,
			}
			span.SetAttributes(attribute.String(observability.DocumentClassKey, resolution.TargetKey))
			logger.InfoContext(ctx, "Branch resolved", "document_class", resolution.TargetKey)
		} else {
			logger.WarnContext(ctx, "Unknown document class, continuing with universal steps",
				"value", resolution.RawValue)
		}
	}

	// Phase 2: class steps merged with post-branch steps
	phase2 := p.branchSteps(classID)
	r.meta.Branched = branchResolved
	r.total = len(p.preBranch) + len(phase2)
	r.meta.TotalSteps = r.total

	for _, ps := range phase2 {
		if _, done := e.runStep(ctx, span, logger, r, ps); done != nil {
			return done
		}
	}

	resultData := map[string]any{
		ResultTerminatedEarly: false,
		"steps_executed":      len(r.meta.Steps),
		"branched":            branchResolved,
		"final_text_length":   len([]rune(r.current)),
	}
	if r.meta.DocumentClass != nil {
		resultData["document_class"] = r.meta.DocumentClass.Key
	}
	e.recorder.MarkCompleted(ctx, job, resultData)
	e.emit(r, "", "", "Pipeline completed")
	logger.InfoContext(ctx, "Pipeline job completed", "steps_executed", len(r.meta.Steps))

	return &Result{Success: true, FinalText: r.current, Metadata: *r.meta}
}

// runStep executes one planned step. It returns the step output, or a non-nil final result when
// the job ended at this step.
func (e *Engine) runStep(ctx context.Context, jobSpan trace.Span, logger *slog.Logger, r *run, ps plannedStep) (string, *Result) {
	def := ps.def
	stepID := def.ID

	if err := ctx.Err(); err != nil {
		return "", e.fail(ctx, jobSpan, logger, r, fmt.Errorf("job cancelled before step %s: %w", def.Name, err), nil)
	}

	stepCtx, span := observability.StartSpan(ctx, e.tracer, "pipeline.step",
		attribute.String(observability.JobIDKey, r.job.JobID),
		attribute.Int64(observability.StepIDKey, stepID),
		attribute.String(observability.StepNameKey, def.Name),
		attribute.String(observability.StepPhaseKey, ps.phase.String()),
	)
	defer span.End()

	e.recorder.UpdateProgress(ctx, r.job, r.job.ProgressPercent, &stepID)
	e.emit(r, def.Name, ps.phase.String(), fmt.Sprintf("Running step %d/%d: %s", r.completed+1, r.total, def.Name))

	input := r.current
	if !def.InputFromPreviousStep {
		input = r.original
	}

	started := e.now()
	res := e.invoker.Invoke(stepCtx, &def, input, r.vars)
	finished := e.now()
	span.SetAttributes(attribute.Int(observability.AttemptsKey, res.Attempts))

	record := &types.StepExecutionRecord{
		StepID:               stepID,
		StepName:             def.Name,
		StepOrder:            def.Order,
		Phase:                ps.phase.String(),
		InputTextTruncated:   types.Truncate(input, e.truncateLength),
		ModelUsed:            res.Model,
		PromptUsedTruncated:  types.Truncate(res.Prompt, e.truncateLength),
		Attempts:             res.Attempts,
		StartedAt:            started.UTC(),
		CompletedAt:          finished.UTC(),
		ExecutionTimeSeconds: finished.Sub(started).Seconds(),
	}
	outcome := StepOutcome{
		StepID:          stepID,
		Name:            def.Name,
		Phase:           ps.phase.String(),
		Attempts:        res.Attempts,
		Model:           res.Model,
		DurationSeconds: record.ExecutionTimeSeconds,
	}

	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New("step returned no output")
		}
		record.Status = types.StepStatusFailed
		record.ErrorMessage = err.Error()
		// a cancelled job must still be recorded
		e.recorder.RecordStepExecution(context.WithoutCancel(ctx), r.job, record)

		outcome.Status = types.StepStatusFailed
		outcome.Error = err.Error()
		r.meta.Steps = append(r.meta.Steps, outcome)

		observability.SetError(span, err)
		stepErr := &StepError{StepID: stepID, StepName: def.Name, Cause: err}
		r.meta.FailedStepID = &stepID
		r.meta.FailedStepName = def.Name
		return "", e.fail(ctx, jobSpan, logger, r, stepErr, &stepID)
	}

	record.Status = types.StepStatusCompleted
	record.OutputTextTruncated = types.Truncate(res.Output, e.truncateLength)
	e.recorder.RecordStepExecution(ctx, r.job, record)

	outcome.Status = types.StepStatusCompleted
	r.meta.Steps = append(r.meta.Steps, outcome)

	if def.InputFromPreviousStep {
		r.current = res.Output
	}
	r.completed++
	e.recorder.UpdateProgress(ctx, r.job, r.completed*100/max(r.total, 1), &stepID)
	logger.DebugContext(ctx, "Step completed", "step", def.Name, "attempts", res.Attempts)

	if stop := stopcond.Evaluate(&def, res.Output); stop != nil && stop.ShouldStop {
		r.meta.Termination = stop
		e.recorder.MarkCompleted(ctx, r.job, map[string]any{
			ResultTerminatedEarly:   true,
			ResultTerminationReason: stop.TerminationReason,
			ResultMatchedValue:      stop.MatchedValue,
			ResultStepName:          stop.StepName,
		})
		e.emit(r, def.Name, ps.phase.String(), "Pipeline terminated early: "+stop.TerminationReason)
		logger.InfoContext(ctx, "Pipeline terminated by stop condition",
			"step", def.Name, "matched_value", stop.MatchedValue)
		return res.Output, &Result{Success: true, FinalText: r.current, Metadata: *r.meta}
	}

	return res.Output, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, logger *slog.Logger, r *run, err error, stepID *int64) *Result {
	r.meta.Error = err.Error()
	e.recorder.MarkFailed(context.WithoutCancel(ctx), r.job, err.Error(), stepID)
	observability.SetError(span, err)
	e.emit(r, r.meta.FailedStepName, "", "Pipeline failed: "+err.Error())
	logger.ErrorContext(ctx, "Pipeline job failed", "error", err)
	return &Result{Success: false, FinalText: r.current, Metadata: *r.meta}
}

func (e *Engine) emit(r *run, step, phase, message string) {
	if e.onProgress == nil {
		return
	}
	e.onProgress(ProgressEvent{
		Step:    step,
		Phase:   phase,
		Message: message,
		JobID:   r.job.JobID,
		Percent: r.job.ProgressPercent,
	})
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
