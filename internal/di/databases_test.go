package di

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/config"
)

func TestInitializeDatabases(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &config.Config{DataDir: tmpDir, QueueBackend: config.QueueSQLite}

	container, err := InitializeDatabases(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, container)
	defer container.closeDatabases()

	assert.NotNil(t, container.CoreDB)
	assert.NotNil(t, container.LedgerDB)
	assert.Nil(t, container.QueueDB)

	assert.FileExists(t, filepath.Join(tmpDir, "core.db"))
	assert.FileExists(t, filepath.Join(tmpDir, "ledger.db"))

	assert.Equal(t, "core", container.CoreDB.Name())
	assert.Equal(t, "ledger", container.LedgerDB.Name())
}

func TestInitializeDatabases_ReopenIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &config.Config{DataDir: tmpDir, QueueBackend: config.QueueSQLite}

	first, err := InitializeDatabases(cfg, zerolog.Nop())
	require.NoError(t, err)
	first.closeDatabases()

	second, err := InitializeDatabases(cfg, zerolog.Nop())
	require.NoError(t, err)
	second.closeDatabases()
}

func TestInitializeRepositories_NilContainer(t *testing.T) {
	assert.Error(t, InitializeRepositories(nil, zerolog.Nop()))
}
