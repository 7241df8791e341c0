package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/types"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Inspect and toggle pipeline step definitions",
}

var stepsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured steps",
	Long: "Lists the steps of the database, the --steps file or the embedded default pipeline. " +
		"--class restricts the list to the enabled steps of one document class.",
	RunE: runStepsList,
}

var stepsEnableCmd = &cobra.Command{
	Use:   "enable <step-id>",
	Short: "Enable a step in the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStepsToggle(cmd, args[0], true)
	},
}

var stepsDisableCmd = &cobra.Command{
	Use:   "disable <step-id>",
	Short: "Disable a step in the database; running jobs keep their snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStepsToggle(cmd, args[0], false)
	},
}

var (
	stepsClass string
	stepsAll   bool
	stepsJSON  bool
)

func init() {
	stepsListCmd.Flags().StringVar(&stepsClass, "class", "", "Document class key, e.g. ARZTBRIEF")
	stepsListCmd.Flags().BoolVar(&stepsAll, "all", false, "Include disabled steps")
	stepsListCmd.Flags().BoolVar(&stepsJSON, "json", false, "Print JSON instead of a summary")

	stepsCmd.AddCommand(stepsListCmd, stepsEnableCmd, stepsDisableCmd)
	rootCmd.AddCommand(stepsCmd)
}

func runStepsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	steps, err := b.listSteps(ctx, stepsClass, stepsAll)
	if err != nil {
		return err
	}
	if stepsJSON {
		return printJSON(steps)
	}
	if len(steps) == 0 {
		fmt.Println("No steps configured")
		return nil
	}

	classes, err := b.documentClasses(ctx)
	if err != nil {
		return err
	}
	observability.NewPrinter(os.Stdout).PrintSteps(steps, classes)
	return nil
}

func runStepsToggle(cmd *cobra.Command, rawID string, enabled bool) error {
	ctx := cmd.Context()

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid step id %q", rawID)
	}

	b, database, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	found, err := database.SetStepEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("step %d not found", id)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	step, err := database.GetStep(ctx, id)
	if err != nil || step == nil {
		fmt.Printf("Step %d %s\n", id, state)
		return err
	}
	fmt.Printf("Step %d (%s) %s\n", id, step.Name, state)
	return nil
}

// listSteps returns steps from the catalog when one is loaded, otherwise from the database.
func (b *backend) listSteps(ctx context.Context, classKey string, all bool) ([]types.StepDefinition, error) {
	if classKey != "" {
		dc, err := b.registry.GetClassByKey(ctx, classKey)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, fmt.Errorf("unknown document class %s", classKey)
		}
		if b.catalog != nil {
			return b.catalog.LoadStepsByDocumentClass(ctx, dc.ID)
		}
		return b.database.LoadStepsByDocumentClass(ctx, dc.ID)
	}

	switch {
	case b.catalog != nil && all:
		steps := b.catalog.AllSteps()
		types.SortByOrder(steps)
		return steps, nil
	case b.catalog != nil:
		return b.catalog.LoadEnabledSteps(ctx)
	case all:
		return b.database.ListSteps(ctx)
	default:
		return b.database.LoadEnabledSteps(ctx)
	}
}

func (b *backend) documentClasses(ctx context.Context) ([]types.DocumentClass, error) {
	if b.catalog != nil {
		return b.catalog.DocumentClasses(), nil
	}
	return b.database.ListDocumentClasses(ctx)
}
