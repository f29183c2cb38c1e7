// Package testing provides shared test helpers.
package testing

import (
	"database/sql"
	"testing"

	"github.com/tabulist/ade/db"
)

// CreateTestDB creates an in-memory SQLite database with all migrations
// applied. The database is closed automatically when the test completes.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return conn
}
