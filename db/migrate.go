package db

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tabulist/ade/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending migrations to the database.
// Migrations are applied in filename order and tracked in schema_migrations.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrationFiles.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "failed to read migrations directory")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := migrationApplied(db, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		sqlBytes, err := migrationFiles.ReadFile("sqlite/migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}

		if logger != nil {
			logger.Infow("Applying migration", "name", name)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "failed to begin transaction for %s", name)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to record migration %s", name)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %s", name)
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "count", len(names))
	}

	return nil
}

func migrationApplied(db *sql.DB, name string) (bool, error) {
	// schema_migrations may not exist before the first migration runs
	var tableName string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&tableName)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check schema_migrations table")
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %s: %w", name, err)
	}
	return count > 0, nil
}
