// Package schema holds the postgres DDL for every store.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var DDL string

// Migrate applies the DDL. Every statement is idempotent, so it is safe to run
// on each deploy.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
