package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/db"
	plog "github.com/jonathan/patient-docs/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Creates or upgrades the pipeline tables in PostgreSQL. Safe to run repeatedly.",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required")
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx, plog.WithModule("migrations")); err != nil {
		return err
	}

	version, err := database.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Schema at version %d\n", version)
	return nil
}
