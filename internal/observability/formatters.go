// Package observability provides tracing setup and formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jonathan/patient-docs/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// previewLength bounds text previews inside boxes
	previewLength = 160
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for _, line := range lines {
		// Truncate long lines
		if runes := []rune(line); len(runes) > boxWidth-4 {
			line = string(runes[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintJob outputs the lifecycle state of a pipeline job.
func (p *Printer) PrintJob(job *types.PipelineJob) {
	if job == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Job:        %s\n", job.JobID))
	sb.WriteString(fmt.Sprintf("Document:   %s\n", job.ProcessingID))
	sb.WriteString(fmt.Sprintf("Status:     %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("Progress:   %d%%\n", job.ProgressPercent))
	sb.WriteString(fmt.Sprintf("Steps:      %d in snapshot\n", len(job.PipelineConfigSnapshot)))
	sb.WriteString(fmt.Sprintf("Created:    %s\n", job.CreatedAt.Format("2006-01-02 15:04:05")))

	if job.StartedAt != nil {
		end := job.CompletedAt
		if end == nil {
			end = job.FailedAt
		}
		if end != nil {
			sb.WriteString(fmt.Sprintf("Duration:   %.1fs\n", end.Sub(*job.StartedAt).Seconds()))
		}
	}

	if job.Status == types.JobStatusFailed {
		sb.WriteString("\n")
		if job.FailedStepID != nil {
			sb.WriteString(fmt.Sprintf("Failed step: %d\n", *job.FailedStepID))
		}
		sb.WriteString(fmt.Sprintf("Error: %s\n", job.ErrorMessage))
	}

	if len(job.ResultData) > 0 {
		sb.WriteString("\nResult:\n")
		keys := make([]string, 0, len(job.ResultData))
		for k := range job.ResultData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  • %s: %v\n", k, job.ResultData[k]))
		}
	}

	p.printBox("PIPELINE JOB", sb.String())
}

// PrintStepExecutions outputs the audit trail of a job, one line per executed step.
func (p *Printer) PrintStepExecutions(records []types.StepExecutionRecord) {
	if len(records) == 0 {
		return
	}

	var sb strings.Builder
	for _, rec := range records {
		mark := "✓"
		if rec.Status == types.StepStatusFailed {
			mark = "✗"
		}
		sb.WriteString(fmt.Sprintf("%s %s [%s] %.2fs", mark, rec.StepName, rec.Phase, rec.ExecutionTimeSeconds))
		if rec.Attempts > 1 {
			sb.WriteString(fmt.Sprintf(" (%d attempts)", rec.Attempts))
		}
		sb.WriteString("\n")
		if rec.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf("    %s\n", rec.ErrorMessage))
		}
	}

	p.printBox("STEP EXECUTIONS", sb.String())
}

// PrintSteps outputs configured step definitions grouped by phase.
func (p *Printer) PrintSteps(steps []types.StepDefinition, classes []types.DocumentClass) {
	if len(steps) == 0 {
		return
	}

	classKeys := make(map[int64]string, len(classes))
	for _, dc := range classes {
		classKeys[dc.ID] = dc.Key
	}

	var sb strings.Builder
	for i := range steps {
		s := &steps[i]
		state := ""
		if !s.Enabled {
			state = " (disabled)"
		}
		sb.WriteString(fmt.Sprintf("%3d  %s%s\n", s.Order, s.Name, state))

		phase := types.ClassifyStep(s)
		detail := phase.String()
		if s.DocumentClassID != nil {
			key := classKeys[*s.DocumentClassID]
			if key == "" {
				key = fmt.Sprintf("#%d", *s.DocumentClassID)
			}
			detail += " " + key
		}
		if s.IsBranchingStep {
			detail += " on " + s.BranchingField
		}
		if s.ModelRef != "" {
			detail += ", model " + s.ModelRef
		}
		sb.WriteString(fmt.Sprintf("     %s\n", detail))

		if s.StopConditions != nil {
			values := s.StopConditions.StopOnValues
			count := min(len(values), maxItemsToShow)
			sb.WriteString(fmt.Sprintf("     stops on %s", strings.Join(values[:count], ", ")))
			if len(values) > maxItemsToShow {
				sb.WriteString(fmt.Sprintf(" ... and %d more", len(values)-maxItemsToShow))
			}
			sb.WriteString("\n")
		}
	}

	p.printBox("PIPELINE STEPS", sb.String())
}

// PrintFinalText outputs a preview of the produced document.
func (p *Printer) PrintFinalText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	preview := types.Truncate(strings.TrimSpace(text), previewLength)
	if preview != strings.TrimSpace(text) {
		preview += "..."
	}
	p.printBox("FINAL TEXT", preview)
}
