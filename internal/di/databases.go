package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the core and ledger databases and applies their
// schemas. With the postgres queue backend it also opens the queue database.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// core.db - pools, variants, reward counters and the sqlite change queue
	coreDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "core.db"),
		Profile: database.ProfileStandard,
		Name:    database.NameCore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize core database: %w", err)
	}
	container.CoreDB = coreDB

	// ledger.db - append-only audit log
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    database.NameLedger,
	})
	if err != nil {
		coreDB.Close()
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	for _, db := range []*database.DB{coreDB, ledgerDB} {
		if err := db.Migrate(); err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	if cfg.QueueBackend == config.QueuePostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		queueDB, err := changes.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to initialize queue database: %w", err)
		}
		container.QueueDB = queueDB
	}

	log.Info().Str("queue_backend", cfg.QueueBackend).Msg("Databases initialized and schemas applied")

	return container, nil
}

func (c *Container) closeDatabases() {
	if c.QueueDB != nil {
		c.QueueDB.Close()
	}
	if c.LedgerDB != nil {
		c.LedgerDB.Close()
	}
	if c.CoreDB != nil {
		c.CoreDB.Close()
	}
}
