package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"goyais/toolhost/migrations"
)

// Migrate applies every pending migration and returns the versions it ran.
// The connection stays open.
func Migrate(ctx context.Context, conn *sql.DB, name string) ([]int64, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported db driver: %s", name)
	}
	provider, err := goose.NewProvider(d.dialect, conn, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, result := range results {
		applied = append(applied, result.Source.Version)
	}
	return applied, nil
}
