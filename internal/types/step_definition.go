// Package types provides type definitions for the pipeline configuration and execution records
// shared across the patient-docs system.
//
//nolint:revive // types is a standard Go package name pattern
package types

// BranchFieldDocumentType is the branching field that routes into document-class specific steps.
const BranchFieldDocumentType = "document_type"

// RetryPolicy controls how often a failing step is re-invoked
type RetryPolicy struct {
	RetryOnFailure bool `json:"retry_on_failure" yaml:"retry_on_failure"`
	MaxRetries     int  `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
}

// Attempts returns the number of gateway calls allowed for one step execution.
func (p RetryPolicy) Attempts() int {
	if !p.RetryOnFailure || p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// StopConditions declares the leading output tokens that end the pipeline gracefully
type StopConditions struct {
	StopOnValues      []string `json:"stop_on_values" yaml:"stop_on_values" validate:"min=1,dive,required"`
	TerminationReason string   `json:"termination_reason,omitempty" yaml:"termination_reason,omitempty"`
}

// StepDefinition is one configured transformation stage of the pipeline
type StepDefinition struct {
	ID          int64  `json:"id" yaml:"id" validate:"gt=0"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Order       int    `json:"order" yaml:"order"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	PromptTemplate string  `json:"prompt_template" yaml:"prompt_template" validate:"required"`
	ModelRef       string  `json:"model_ref,omitempty" yaml:"model_ref,omitempty"`
	Temperature    float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`

	RetryPolicy RetryPolicy `json:"retry_policy" yaml:"retry_policy"`

	IsBranchingStep bool   `json:"is_branching_step" yaml:"is_branching_step"`
	BranchingField  string `json:"branching_field,omitempty" yaml:"branching_field,omitempty"`

	RequiredContextVariables []string        `json:"required_context_variables,omitempty" yaml:"required_context_variables,omitempty"`
	StopConditions           *StopConditions `json:"stop_conditions,omitempty" yaml:"stop_conditions,omitempty"`

	// DocumentClassID is nil for universal steps
	DocumentClassID       *int64 `json:"document_class_id,omitempty" yaml:"document_class_id,omitempty"`
	PostBranching         bool   `json:"post_branching" yaml:"post_branching"`
	InputFromPreviousStep bool   `json:"input_from_previous_step" yaml:"input_from_previous_step"`
}

// Clone returns a deep copy so later edits to the source cannot leak into a snapshot.
func (s StepDefinition) Clone() StepDefinition {
	out := s
	if s.RequiredContextVariables != nil {
		out.RequiredContextVariables = append([]string(nil), s.RequiredContextVariables...)
	}
	if s.StopConditions != nil {
		sc := *s.StopConditions
		sc.StopOnValues = append([]string(nil), s.StopConditions.StopOnValues...)
		out.StopConditions = &sc
	}
	if s.DocumentClassID != nil {
		id := *s.DocumentClassID
		out.DocumentClassID = &id
	}
	return out
}

// CloneSteps deep-copies a slice of step definitions.
func CloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i := range steps {
		out[i] = steps[i].Clone()
	}
	return out
}
