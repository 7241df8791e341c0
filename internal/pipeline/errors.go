package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoSteps is returned when the store has no enabled steps
var ErrNoSteps = errors.New("no enabled pipeline steps")

// ConfigError reports an invalid step configuration snapshot
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pipeline configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("pipeline configuration error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// StepError reports a step that failed after all attempts
type StepError struct {
	StepID   int64
	StepName string
	Cause    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepName, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}
