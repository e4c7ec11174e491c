package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/reliability"
	"github.com/aristath/adpilot/internal/version"
	"github.com/aristath/adpilot/internal/work"
	"github.com/rs/zerolog"
)

// InitializeWork creates the work registry and processor and registers the
// maintenance work types
func InitializeWork(container *Container, cfg *config.Config, log zerolog.Logger) error {
	registry := work.NewRegistry()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelLoad()
	completion, err := work.LoadCompletionTracker(loadCtx, container.CoreDB.Conn(), log)
	if err != nil {
		return err
	}

	deps := &work.MaintenanceDeps{
		Queue:     container.Executor,
		Audit:     container.AuditStreamer,
		Rewards:   container.RewardsService,
		Databases: []work.Checkpointer{container.CoreDB, container.LedgerDB},
		Tuning:    cfg.Tuning.Work,
	}

	if cfg.Backup.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := reliability.NewS3Store(ctx, cfg.Backup.Bucket, cfg.Backup.Prefix)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.Backup = reliability.NewBackupService(
			[]*database.DB{container.CoreDB, container.LedgerDB},
			store,
			filepath.Join(cfg.DataDir, "backup-staging"),
			version.Version,
			log,
		)
		deps.Backup = container.Backup
	}

	work.RegisterMaintenanceWorkTypes(registry, deps)
	if err := registry.Validate(); err != nil {
		return fmt.Errorf("invalid work registry: %w", err)
	}

	container.WorkRegistry = registry
	container.WorkProcessor = work.NewProcessor(registry, completion, container.EventManager, log)

	log.Info().Int("work_types", registry.Count()).Msg("Work processor initialized")

	return nil
}
