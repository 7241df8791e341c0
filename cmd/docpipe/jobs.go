package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/db"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/types"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded pipeline jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its step executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobsList,
}

var (
	jobsJSON         bool
	jobsStatus       string
	jobsProcessingID string
	jobsLimit        int
)

func init() {
	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Print JSON instead of a summary")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status: PENDING, RUNNING, COMPLETED, FAILED")
	jobsListCmd.Flags().StringVar(&jobsProcessingID, "processing-id", "", "Filter by processing id")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", db.DefaultJobListLimit, "Maximum number of jobs")

	jobsCmd.AddCommand(jobsShowCmd, jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openDatabase(cmd *cobra.Command) (*backend, *db.DB, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required")
	}
	b, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	database, err := b.requireDatabase()
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, database, nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, database, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	job, err := database.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", args[0])
	}
	records, err := database.ListStepExecutions(ctx, job.JobID)
	if err != nil {
		return err
	}

	if jobsJSON {
		return printJSON(struct {
			Job            *types.PipelineJob          `json:"job"`
			StepExecutions []types.StepExecutionRecord `json:"step_executions"`
		}{job, records})
	}

	printer := observability.NewPrinter(os.Stdout)
	printer.PrintJob(job)
	printer.PrintStepExecutions(records)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	filter := db.JobFilter{
		Status:       strings.ToUpper(jobsStatus),
		ProcessingID: jobsProcessingID,
		Limit:        jobsLimit,
	}
	if err := validateStatus(filter.Status); err != nil {
		return err
	}

	b, database, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	jobs, err := database.ListJobs(ctx, filter)
	if err != nil {
		return err
	}

	if jobsJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tPROCESSING ID\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			job.JobID, job.ProcessingID, job.Status, job.ProgressPercent,
			job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func validateStatus(status string) error {
	switch types.JobStatus(status) {
	case "", types.JobStatusPending, types.JobStatusRunning, types.JobStatusCompleted, types.JobStatusFailed:
		return nil
	}
	return fmt.Errorf("invalid status %q", status)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
