package db

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"

	plog "github.com/jonathan/patient-docs/internal/log"
)

// migrations maps schema versions to the DDL that produces them
var migrations = map[int]string{
	1: `
		CREATE TABLE IF NOT EXISTS document_classes (
			id           BIGINT PRIMARY KEY,
			key          TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			enabled      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS pipeline_steps (
			id                         BIGINT PRIMARY KEY,
			name                       TEXT NOT NULL,
			description                TEXT NOT NULL DEFAULT '',
			step_order                 INTEGER NOT NULL,
			enabled                    BOOLEAN NOT NULL DEFAULT TRUE,
			prompt_template            TEXT NOT NULL,
			model_ref                  TEXT NOT NULL DEFAULT '',
			temperature                DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_tokens                 INTEGER NOT NULL DEFAULT 0,
			retry_on_failure           BOOLEAN NOT NULL DEFAULT TRUE,
			max_retries                INTEGER NOT NULL DEFAULT 3,
			is_branching_step          BOOLEAN NOT NULL DEFAULT FALSE,
			branching_field            TEXT NOT NULL DEFAULT '',
			required_context_variables TEXT[] NOT NULL DEFAULT '{}',
			stop_conditions            JSONB,
			document_class_id          BIGINT REFERENCES document_classes(id),
			post_branching             BOOLEAN NOT NULL DEFAULT FALSE,
			input_from_previous_step   BOOLEAN NOT NULL DEFAULT TRUE,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pipeline_steps_enabled_order ON pipeline_steps(enabled, step_order);
		CREATE INDEX IF NOT EXISTS idx_pipeline_steps_document_class ON pipeline_steps(document_class_id);
	`,
	2: `
		CREATE TABLE IF NOT EXISTS pipeline_jobs (
			job_id                   UUID PRIMARY KEY,
			processing_id            TEXT NOT NULL,
			status                   TEXT NOT NULL,
			progress_percent         INTEGER NOT NULL DEFAULT 0,
			current_step_id          BIGINT,
			pipeline_config_snapshot JSONB NOT NULL,
			context_snapshot         JSONB NOT NULL DEFAULT '{}',
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at               TIMESTAMPTZ,
			completed_at             TIMESTAMPTZ,
			failed_at                TIMESTAMPTZ,
			failed_step_id           BIGINT,
			error_message            TEXT NOT NULL DEFAULT '',
			result_data              JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_processing_id ON pipeline_jobs(processing_id);
		CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_created_at ON pipeline_jobs(created_at DESC);

		CREATE TABLE IF NOT EXISTS step_executions (
			id                     BIGSERIAL PRIMARY KEY,
			job_id                 UUID NOT NULL REFERENCES pipeline_jobs(job_id) ON DELETE CASCADE,
			step_id                BIGINT NOT NULL,
			step_name              TEXT NOT NULL,
			step_order             INTEGER NOT NULL,
			phase                  TEXT NOT NULL,
			status                 TEXT NOT NULL,
			input_text_truncated   TEXT NOT NULL DEFAULT '',
			output_text_truncated  TEXT NOT NULL DEFAULT '',
			model_used             TEXT NOT NULL DEFAULT '',
			prompt_used_truncated  TEXT NOT NULL DEFAULT '',
			attempts               INTEGER NOT NULL DEFAULT 0,
			started_at             TIMESTAMPTZ NOT NULL,
			completed_at           TIMESTAMPTZ NOT NULL,
			execution_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_message          TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_step_executions_job_id ON step_executions(job_id, id);
	`,
}

// SchemaVersion returns the highest known migration version.
func SchemaVersion() int {
	versions := migrationVersions()
	if len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1]
}

func migrationVersions() []int {
	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Migrate creates the schema_migrations table and applies every pending migration in version order.
// Each migration runs in its own transaction.
func (db *DB) Migrate(ctx context.Context, logger *slog.Logger) error {
	logger = plog.OrDefault(logger, "db")
	logger.InfoContext(ctx, "Starting database migrations")

	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := db.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "Current schema version", "version", current)

	for _, version := range migrationVersions() {
		if version <= current {
			continue
		}
		logger.InfoContext(ctx, "Applying migration", "version", version)

		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migrations[version]); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "Database migrations completed", "version", SchemaVersion())
	return nil
}

// CurrentSchemaVersion returns the highest applied migration version, 0 for a fresh database.
func (db *DB) CurrentSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}
	return version, nil
}
