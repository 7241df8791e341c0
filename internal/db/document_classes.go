package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/patient-docs/internal/types"
)

// -----------------------------------------------------------------------------
// Document Class Methods
// -----------------------------------------------------------------------------

// GetClassByKey looks up an enabled document class by key, case-insensitively.
// Returns nil, nil when no class matches.
func (db *DB) GetClassByKey(ctx context.Context, key string) (*types.DocumentClass, error) {
	var dc types.DocumentClass
	err := db.pool.QueryRow(ctx,
		`SELECT id, key, display_name, description, enabled
		 FROM document_classes
		 WHERE UPPER(key) = UPPER($1) AND enabled`,
		key,
	).Scan(&dc.ID, &dc.Key, &dc.DisplayName, &dc.Description, &dc.Enabled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document class %s: %w", key, err)
	}
	return &dc, nil
}

// ListDocumentClasses returns all document classes ordered by key
func (db *DB) ListDocumentClasses(ctx context.Context) ([]types.DocumentClass, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, key, display_name, description, enabled FROM document_classes ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list document classes: %w", err)
	}
	defer rows.Close()

	var classes []types.DocumentClass
	for rows.Next() {
		var dc types.DocumentClass
		if err := rows.Scan(&dc.ID, &dc.Key, &dc.DisplayName, &dc.Description, &dc.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan document class: %w", err)
		}
		classes = append(classes, dc)
	}
	return classes, rows.Err()
}

// UpsertDocumentClass inserts or replaces a document class by ID
func (db *DB) UpsertDocumentClass(ctx context.Context, dc *types.DocumentClass) error {
	return upsertDocumentClass(ctx, db.pool, dc)
}

func upsertDocumentClass(ctx context.Context, q querier, dc *types.DocumentClass) error {
	_, err := q.Exec(ctx,
		`INSERT INTO document_classes (id, key, display_name, description, enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			key = EXCLUDED.key,
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()`,
		dc.ID, dc.Key, dc.DisplayName, dc.Description, dc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document class %s: %w", dc.Key, err)
	}
	return nil
}

// Seed writes document classes and steps in one transaction. Classes go first so step
// references resolve.
func (db *DB) Seed(ctx context.Context, classes []types.DocumentClass, steps []types.StepDefinition) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for i := range classes {
			if err := upsertDocumentClass(ctx, tx, &classes[i]); err != nil {
				return err
			}
		}
		for i := range steps {
			if err := upsertStep(ctx, tx, &steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
