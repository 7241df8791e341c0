package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/config"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on one document",
	Long: "Runs every configured step against a medical document and prints the patient-facing result. " +
		"Without a database the embedded default pipeline (or --steps) is used and job records are kept in memory.",
	RunE: runRun,
}

var (
	runInputFile      string
	runOutputFile     string
	runProcessingID   string
	runTargetLanguage string
	runContext        []string
	runBackoff        string
	runTruncate       int
)

func init() {
	runCmd.Flags().StringVarP(&runInputFile, "in", "i", "", "Path to the document text file (required)")
	runCmd.Flags().StringVarP(&runOutputFile, "out", "o", "", "Write the final text to this file")
	runCmd.Flags().StringVar(&runProcessingID, "processing-id", "", "Caller correlation id (default: random)")
	runCmd.Flags().StringVar(&runTargetLanguage, "target-language", "", "Target language for translation steps")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "Template variable as key=value (repeatable)")
	runCmd.Flags().StringVar(&runBackoff, "backoff", "", "Retry backoff unit, e.g. 1s")
	runCmd.Flags().IntVar(&runTruncate, "truncate", 0, "Max characters kept in step execution records")

	if err := runCmd.MarkFlagRequired("in"); err != nil {
		panic(fmt.Sprintf("failed to mark in flag as required: %v", err))
	}

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, func(cfg *config.Config) {
		if cmd.Flags().Changed("backoff") {
			cfg.BackoffUnit = runBackoff
		}
		if cmd.Flags().Changed("truncate") {
			cfg.TruncateLength = runTruncate
		}
	})
	if err != nil {
		return err
	}

	input, err := os.ReadFile(runInputFile)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	if strings.TrimSpace(string(input)) == "" {
		return fmt.Errorf("input file %s is empty", runInputFile)
	}

	vars, err := parseContextPairs(runContext)
	if err != nil {
		return err
	}
	if runTargetLanguage != "" {
		vars["target_language"] = runTargetLanguage
	}

	processingID := runProcessingID
	if processingID == "" {
		processingID = uuid.NewString()
	}

	shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	deps, err := buildEngine(ctx, cfg, b, printProgress)
	if err != nil {
		return err
	}
	defer deps.Close()

	result := deps.engine.Execute(ctx, pipeline.Request{
		ProcessingID: processingID,
		InputText:    string(input),
		Context:      vars,
	})

	if cfg.Verbose {
		printer := observability.NewPrinter(os.Stdout)
		if job, records := b.jobDetails(ctx, result.Metadata.JobID); job != nil {
			printer.PrintJob(job)
			printer.PrintStepExecutions(records)
		}
		printer.PrintFinalText(result.FinalText)
	}

	printSummary(result)

	if !result.Success {
		return fmt.Errorf("pipeline failed: %s", result.Metadata.Error)
	}

	if runOutputFile != "" {
		if err := os.WriteFile(runOutputFile, []byte(result.FinalText), 0o644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Wrote final text to %s\n", runOutputFile)
	} else if !cfg.Verbose {
		fmt.Println()
		fmt.Println(result.FinalText)
	}

	return nil
}

func printProgress(event pipeline.ProgressEvent) {
	fmt.Printf("[%3d%%] %s\n", event.Percent, event.Message)
}

func printSummary(result *pipeline.Result) {
	meta := result.Metadata
	fmt.Printf("\nJob %s\n", meta.JobID)
	fmt.Printf("  Steps executed: %d of %d\n", len(meta.Steps), meta.TotalSteps)
	if meta.DocumentClass != nil {
		fmt.Printf("  Document class: %s\n", meta.DocumentClass.DisplayName)
	} else if meta.Branch != nil {
		fmt.Printf("  Branch: %s=%s\n", meta.Branch.Field, meta.Branch.RawValue)
	}
	switch {
	case meta.Termination != nil:
		fmt.Printf("  Stopped early: %s (%s)\n", meta.Termination.TerminationReason, meta.Termination.MatchedValue)
	case result.Success:
		fmt.Println("  Status: completed")
	default:
		fmt.Printf("  Status: failed at %s\n", meta.FailedStepName)
	}
}
