// Package db opens and migrates the ADE SQLite database.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tabulist/ade/errors"
)

// startupPragmas are applied to every connection before use. WAL allows
// the API to read build/run records while workers write, foreign keys
// keep runs attached to real builds, and the busy timeout covers
// contention between workers sharing the file.
var startupPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// Open opens the SQLite database at path and applies startup pragmas.
// A nil logger is allowed; the connection is then opened silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	for _, pragma := range startupPragmas {
		if _, err := database.Exec(pragma); err != nil {
			database.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return database, nil
}
