package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaTemplate string

// Schema renders the DDL for the given table prefix. An empty prefix
// yields unprefixed names.
func Schema(prefix string) (string, error) {
	if prefix != "" && !tablePrefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid table prefix %q", prefix)
	}
	return strings.ReplaceAll(schemaTemplate, "{{prefix}}", prefix), nil
}

// CreateSchema applies the DDL to the database behind pool. It is
// idempotent, so running it on every startup is fine.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool, prefix string) error {
	ddl, err := Schema(prefix)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
