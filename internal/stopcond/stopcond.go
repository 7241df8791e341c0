// Package stopcond decides whether a step's output ends the pipeline gracefully.
package stopcond

import (
	"fmt"
	"strings"

	"github.com/jonathan/patient-docs/internal/types"
)

// tokenPunctuation is trimmed from the leading token before matching
const tokenPunctuation = `.,;:!?*"'`

// Result describes a matched stop condition
type Result struct {
	ShouldStop        bool   `json:"should_stop"`
	MatchedValue      string `json:"matched_value"`
	TerminationReason string `json:"termination_reason"`
	StepName          string `json:"step_name"`
}

// Evaluate checks the first whitespace-delimited token of output against the step's stop values.
// Returns nil when the step has no stop conditions or nothing matched.
// Only the leading token is considered, so output that merely mentions a stop value later on
// does not halt the pipeline.
func Evaluate(step *types.StepDefinition, output string) *Result {
	if step == nil || step.StopConditions == nil {
		return nil
	}

	token := FirstToken(output)
	if token == "" {
		return nil
	}

	for _, value := range step.StopConditions.StopOnValues {
		if strings.EqualFold(token, strings.TrimSpace(value)) {
			reason := step.StopConditions.TerminationReason
			if reason == "" {
				reason = fmt.Sprintf("step %s returned %s", step.Name, value)
			}
			return &Result{
				ShouldStop:        true,
				MatchedValue:      value,
				TerminationReason: reason,
				StepName:          step.Name,
			}
		}
	}
	return nil
}

// FirstToken returns the first whitespace-delimited token with surrounding punctuation removed.
func FirstToken(output string) string {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], tokenPunctuation)
}
