package testutil

import (
	"path/filepath"
	"testing"

	"github.com/lherron/ingest/internal/db"
)

// TempDB creates a temporary migrated SQLite database for testing
func TempDB(t *testing.T) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// StrPtr returns a pointer to s
func StrPtr(s string) *string {
	return &s
}
