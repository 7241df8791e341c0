// Package invoker runs a single pipeline step against the text-generation gateway with bounded retries.
package invoker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jonathan/patient-docs/internal/llm"
	"github.com/jonathan/patient-docs/internal/prompts"
)

// MissingVariablesError reports required context variables absent from the run context
type MissingVariablesError struct {
	Step    string
	Missing []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("step %s: missing required context variables: %s", e.Step, strings.Join(e.Missing, ", "))
}

// ExhaustedError is returned when every allowed attempt failed
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("step failed after %d attempt(s): %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("step failed after %d attempt(s)", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsConfigurationError reports whether err is a configuration problem that retrying cannot fix.
func IsConfigurationError(err error) bool {
	var missing *MissingVariablesError
	if errors.As(err, &missing) {
		return true
	}
	return errors.Is(err, prompts.ErrUnresolvedPlaceholder) || llm.IsConfigurationError(err)
}
