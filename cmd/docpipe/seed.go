package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/catalog"
)

var seedCmd = &cobra.Command{
	Use:   "seed [config-file]",
	Short: "Import step definitions and document classes into the database",
	Long: "Upserts the document classes and steps of a YAML/JSON pipeline configuration into PostgreSQL. " +
		"Without a file (argument or --steps) the embedded default pipeline is imported.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	source := cfg.StepsFile
	if len(args) == 1 {
		source = args[0]
	}

	var c *catalog.Catalog
	if source != "" {
		c, err = catalog.LoadFile(source)
	} else {
		source = "embedded default pipeline"
		c, err = catalog.LoadDefault()
	}
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	database, err := b.requireDatabase()
	if err != nil {
		return err
	}

	classes := c.DocumentClasses()
	steps := c.AllSteps()
	if err := database.Seed(ctx, classes, steps); err != nil {
		return fmt.Errorf("failed to seed from %s: %w", source, err)
	}

	fmt.Printf("Seeded %d document classes and %d steps from %s\n", len(classes), len(steps), source)
	return nil
}
