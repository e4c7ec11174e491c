package di

import (
	"fmt"

	"github.com/aristath/adpilot/internal/modules/audit"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories and stores them in the container
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.PoolRepo = pools.NewRepository(container.CoreDB.Conn(), log)
	container.RewardsRepo = rewards.NewRepository(container.CoreDB.Conn(), log)
	container.Ledger = audit.NewLedger(container.LedgerDB.Conn(), log)

	// The change queue lives next to the variants unless a shared
	// PostgreSQL queue is configured for multiple executor hosts
	if container.QueueDB != nil {
		container.ChangeStore = changes.NewPGStore(container.QueueDB, log)
	} else {
		container.ChangeStore = changes.NewSQLiteStore(container.CoreDB.Conn(), log)
	}

	log.Info().Msg("Repositories initialized")

	return nil
}
