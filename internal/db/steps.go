package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/patient-docs/internal/types"
)

const stepColumns = `id, name, description, step_order, enabled, prompt_template, model_ref,
	temperature, max_tokens, retry_on_failure, max_retries, is_branching_step, branching_field,
	required_context_variables, stop_conditions, document_class_id, post_branching,
	input_from_previous_step`

// -----------------------------------------------------------------------------
// Step Definition Methods
// -----------------------------------------------------------------------------

// LoadEnabledSteps returns every enabled step ordered by step_order, then id
func (db *DB) LoadEnabledSteps(ctx context.Context) ([]types.StepDefinition, error) {
	return db.querySteps(ctx, "load enabled steps",
		`SELECT `+stepColumns+` FROM pipeline_steps WHERE enabled ORDER BY step_order, id`)
}

// LoadStepsByDocumentClass returns the enabled steps bound to one document class
func (db *DB) LoadStepsByDocumentClass(ctx context.Context, classID int64) ([]types.StepDefinition, error) {
	return db.querySteps(ctx, "load steps by document class",
		`SELECT `+stepColumns+` FROM pipeline_steps
		 WHERE enabled AND document_class_id = $1
		 ORDER BY step_order, id`, classID)
}

// ListSteps returns all steps including disabled ones
func (db *DB) ListSteps(ctx context.Context) ([]types.StepDefinition, error) {
	return db.querySteps(ctx, "list steps",
		`SELECT `+stepColumns+` FROM pipeline_steps ORDER BY step_order, id`)
}

// GetStep retrieves a step by ID. Returns nil, nil when it does not exist.
func (db *DB) GetStep(ctx context.Context, id int64) (*types.StepDefinition, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM pipeline_steps WHERE id = $1`, id)
	step, err := scanStep(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step %d: %w", id, err)
	}
	return step, nil
}

// UpsertStep inserts or replaces a step definition by ID
func (db *DB) UpsertStep(ctx context.Context, step *types.StepDefinition) error {
	return upsertStep(ctx, db.pool, step)
}

// SetStepEnabled toggles a step. Returns false when the step does not exist.
func (db *DB) SetStepEnabled(ctx context.Context, id int64, enabled bool) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_steps SET enabled = $1, updated_at = NOW() WHERE id = $2`, enabled, id)
	if err != nil {
		return false, fmt.Errorf("failed to update step %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func upsertStep(ctx context.Context, q querier, step *types.StepDefinition) error {
	stopJSON, err := marshalStopConditions(step.StopConditions)
	if err != nil {
		return err
	}
	required := step.RequiredContextVariables
	if required == nil {
		required = []string{}
	}

	_, err = q.Exec(ctx,
		`INSERT INTO pipeline_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			step_order = EXCLUDED.step_order,
			enabled = EXCLUDED.enabled,
			prompt_template = EXCLUDED.prompt_template,
			model_ref = EXCLUDED.model_ref,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			retry_on_failure = EXCLUDED.retry_on_failure,
			max_retries = EXCLUDED.max_retries,
			is_branching_step = EXCLUDED.is_branching_step,
			branching_field = EXCLUDED.branching_field,
			required_context_variables = EXCLUDED.required_context_variables,
			stop_conditions = EXCLUDED.stop_conditions,
			document_class_id = EXCLUDED.document_class_id,
			post_branching = EXCLUDED.post_branching,
			input_from_previous_step = EXCLUDED.input_from_previous_step,
			updated_at = NOW()`,
		step.ID, step.Name, step.Description, step.Order, step.Enabled, step.PromptTemplate, step.ModelRef,
		step.Temperature, step.MaxTokens, step.RetryPolicy.RetryOnFailure, step.RetryPolicy.MaxRetries,
		step.IsBranchingStep, step.BranchingField, required, stopJSON, step.DocumentClassID,
		step.PostBranching, step.InputFromPreviousStep,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", step.Name, err)
	}
	return nil
}

func (db *DB) querySteps(ctx context.Context, action, query string, args ...any) ([]types.StepDefinition, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", action, err)
	}
	defer rows.Close()

	var steps []types.StepDefinition
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", action, err)
	}
	return steps, nil
}

func scanStep(row scanner) (*types.StepDefinition, error) {
	var s types.StepDefinition
	var stopJSON []byte
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Order, &s.Enabled, &s.PromptTemplate, &s.ModelRef,
		&s.Temperature, &s.MaxTokens, &s.RetryPolicy.RetryOnFailure, &s.RetryPolicy.MaxRetries,
		&s.IsBranchingStep, &s.BranchingField, &s.RequiredContextVariables, &stopJSON,
		&s.DocumentClassID, &s.PostBranching, &s.InputFromPreviousStep)
	if err != nil {
		return nil, err
	}
	s.StopConditions, err = unmarshalStopConditions(stopJSON)
	if err != nil {
		return nil, err
	}
	if len(s.RequiredContextVariables) == 0 {
		s.RequiredContextVariables = nil
	}
	return &s, nil
}

func marshalStopConditions(sc *types.StopConditions) ([]byte, error) {
	if sc == nil || len(sc.StopOnValues) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stop conditions: %w", err)
	}
	return data, nil
}

func unmarshalStopConditions(data []byte) (*types.StopConditions, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var sc types.StopConditions
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stop conditions: %w", err)
	}
	if len(sc.StopOnValues) == 0 {
		return nil, nil
	}
	return &sc, nil
}
