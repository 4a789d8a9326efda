package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ChineseWriter/novel-dl/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending shard migrations using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// A provider keeps goose state local, so shards can be opened concurrently.
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	return provider.GetDBVersion(ctx)
}
