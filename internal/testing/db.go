// Package testing provides testing utilities and helpers for the adpilot project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/adpilot/internal/database"
)

// NewTestDB creates a temporary-file SQLite database with its schema applied.
// Supported names are "core" and "ledger".
// The returned cleanup function closes the connection and removes the file.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	profile := database.ProfileStandard
	if name == database.NameLedger {
		profile = database.ProfileLedger
	}

	return newTestDB(t, name, profile, func(db *database.DB) error {
		return db.Migrate()
	})
}

func newTestDB(t *testing.T, name string, profile database.DatabaseProfile, setup func(*database.DB) error) (*database.DB, func()) {
	t.Helper()

	// A file per test keeps tests isolated and lets WAL behave as in production
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := setup(db); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to prepare test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
