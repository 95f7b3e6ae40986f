package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the migration files shipped with the binary, or the
// files in dir when it is set.
func Migrations(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("store: embedded migrations: %v", err))
	}
	return sub
}

// PendingMigrations lists the up migrations in migrations that db has not
// recorded yet, in apply order.
func PendingMigrations(ctx context.Context, db *DB, migrations fs.FS) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	files, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(files)

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	pending := files[:0]
	for _, file := range files {
		if !applied[file] {
			pending = append(pending, file)
		}
	}
	return pending, nil
}

// ApplyMigrations runs every pending migration, each in its own transaction,
// and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *DB, migrations fs.FS) ([]string, error) {
	pending, err := PendingMigrations(ctx, db, migrations)
	if err != nil {
		return nil, err
	}
	for i, version := range pending {
		if err := applyMigration(ctx, db, migrations, version); err != nil {
			return pending[:i], err
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, db *DB, migrations fs.FS, version string) (err error) {
	contents, err := fs.ReadFile(migrations, version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err = tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_migrations(version) VALUES(?)`), version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
