// Package testing provides shared test fixtures for package tests that
// need a real, migrated SQLite database rather than a mock.
package testing

import (
	"os"
	"testing"

	"github.com/aristath/quantpulse/internal/database"
)

// NewTestDB creates a real temp-file SQLite database, migrated with the
// schema registered under name ("catalog", "ohlcv" or "tasks"), and
// returns it along with a cleanup closure that closes and removes it.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", name+"-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		os.Remove(tmpPath)
		t.Fatalf("failed to open test db %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(tmpPath)
		t.Fatalf("failed to migrate test db %s: %v", name, err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test db %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			t.Logf("warning: failed to remove temp db file %s: %v", tmpPath, err)
		}
	}

	return db, cleanup
}
