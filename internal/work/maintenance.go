package work

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/adpilot/internal/config"
)

// QueueMaintainer recovers abandoned and stuck changes
type QueueMaintainer interface {
	Reclaim(ctx context.Context) (int, error)
	FailStuck(ctx context.Context) (int, error)
}

// AuditExporter streams new audit records to the configured sinks
type AuditExporter interface {
	Enabled() bool
	Flush(ctx context.Context) (int, error)
}

// KeyPruner drops old feedback idempotency keys
type KeyPruner interface {
	PruneKeys(ctx context.Context, retention time.Duration) error
}

// Checkpointer is a database with a WAL to checkpoint
type Checkpointer interface {
	Name() string
	WALCheckpoint(ctx context.Context, mode string) error
}

// BackupRunner takes a database backup and rotates old ones
type BackupRunner interface {
	Run(ctx context.Context, retention time.Duration) error
}

// MaintenanceDeps contains the dependencies of the maintenance work types
type MaintenanceDeps struct {
	Queue     QueueMaintainer
	Audit     AuditExporter
	Rewards   KeyPruner
	Databases []Checkpointer
	// Backup is nil when no backup bucket is configured
	Backup BackupRunner
	Tuning config.WorkTuning
}

// RegisterMaintenanceWorkTypes registers queue, audit, reward and database maintenance
func RegisterMaintenanceWorkTypes(registry *Registry, deps *MaintenanceDeps) {
	t := deps.Tuning

	// queue:reclaim - return abandoned claims to the queue
	registry.Register(&WorkType{
		ID:       "queue:reclaim",
		Priority: PriorityCritical,
		Interval: t.ReclaimInterval,
		Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
			n, err := deps.Queue.Reclaim(ctx)
			if err != nil {
				return fmt.Errorf("failed to reclaim stale claims: %w", err)
			}
			if n > 0 {
				progress.ReportPhase("reclaimed", fmt.Sprintf("%d stale claims", n))
			}
			return nil
		},
	})

	// queue:stuck - fail changes whose platform call never reported back
	registry.Register(&WorkType{
		ID:        "queue:stuck",
		DependsOn: []string{"queue:reclaim"},
		Priority:  PriorityHigh,
		Interval:  t.StuckInterval,
		Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
			n, err := deps.Queue.FailStuck(ctx)
			if err != nil {
				return fmt.Errorf("failed to fail stuck changes: %w", err)
			}
			if n > 0 {
				progress.ReportPhase("failed", fmt.Sprintf("%d stuck changes", n))
			}
			return nil
		},
	})

	// audit:stream - export new audit records
	if deps.Audit != nil {
		registry.Register(&WorkType{
			ID:       "audit:stream",
			Priority: PriorityMedium,
			Interval: t.AuditStreamInterval,
			Enabled:  deps.Audit.Enabled,
			Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
				n, err := deps.Audit.Flush(ctx)
				if n > 0 {
					progress.ReportPhase("exported", fmt.Sprintf("%d audit records", n))
				}
				if err != nil {
					return fmt.Errorf("audit export incomplete: %w", err)
				}
				return nil
			},
		})
	}

	// rewards:prune - forget idempotency keys past retention
	registry.Register(&WorkType{
		ID:       "rewards:prune",
		Priority: PriorityLow,
		Interval: t.PruneInterval,
		Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
			if err := deps.Rewards.PruneKeys(ctx, t.KeyRetention); err != nil {
				return fmt.Errorf("failed to prune feedback keys: %w", err)
			}
			return nil
		},
	})

	// maintenance:wal - checkpoint each database; the subject is the database name
	byName := make(map[string]Checkpointer, len(deps.Databases))
	names := make([]string, 0, len(deps.Databases))
	for _, db := range deps.Databases {
		byName[db.Name()] = db
		names = append(names, db.Name())
	}
	registry.Register(&WorkType{
		ID:       "maintenance:wal",
		Priority: PriorityLow,
		Interval: t.WALInterval,
		FindSubjects: func() []string {
			if len(names) == 0 {
				return nil
			}
			return names
		},
		Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
			db, ok := byName[subject]
			if !ok {
				return fmt.Errorf("unknown database %q", subject)
			}
			return db.WALCheckpoint(ctx, "TRUNCATE")
		},
	})

	// maintenance:backup - archive the databases to object storage
	if deps.Backup != nil {
		registry.Register(&WorkType{
			ID:       "maintenance:backup",
			Priority: PriorityLow,
			Interval: t.BackupInterval,
			Execute: func(ctx context.Context, subject string, progress *ProgressReporter) error {
				progress.ReportPhase("uploading", "database backup")
				if err := deps.Backup.Run(ctx, t.BackupRetention); err != nil {
					return fmt.Errorf("backup failed: %w", err)
				}
				return nil
			},
		})
	}
}
