package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"taskengine/internal/config"
)

// migrationFiles contains all SQL migration files. They are applied in ascending order by filename.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

func New(conf *config.Config) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate applies every embedded migration that has not yet been recorded in schema_migrations.
// Each migration runs in its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB) (applied []string, err error) {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("could not create schema_migrations table: %w", err)
	}

	files, err := listMigrations(migrationFiles)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		var exists bool
		if err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, file); err != nil {
			return applied, err
		}
		if exists {
			continue
		}

		if err := applyMigration(ctx, db, file); err != nil {
			return applied, err
		}
		log.Info().Str("version", file).Msg("Applied migration")
		applied = append(applied, file)
	}

	return applied, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, file string) error {
	content, err := migrationFiles.ReadFile("migrations/" + file)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrations(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, "migrations")
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
