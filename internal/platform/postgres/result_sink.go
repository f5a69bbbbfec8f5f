package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
)

// tableNamePattern restricts sink table names to plain identifiers, since
// table names cannot be bound as query parameters.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresResultSink writes handler results into a keyed table. Each
// write upserts one row per key, so reprocessing a job after a lease
// reclaim overwrites the previous result instead of duplicating it.
type PostgresResultSink struct {
	db *sql.DB
}

// NewPostgresResultSink creates a result sink backed by the given database.
func NewPostgresResultSink(db *sql.DB) *PostgresResultSink {
	return &PostgresResultSink{db: db}
}

// Write upserts the fields for key into the named table as a JSONB
// document.
func (s *PostgresResultSink) Write(ctx context.Context, table, key string, fields map[string]any) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid sink table name %q", table)
	}

	doc, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal result fields: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (result_key, result, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (result_key) DO UPDATE
		SET result = EXCLUDED.result, updated_at = now()`, table)

	if _, err := s.db.ExecContext(ctx, query, key, doc); err != nil {
		return fmt.Errorf("failed to write result for key %q: %w", key, MapError(err))
	}
	return nil
}
