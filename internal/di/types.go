// Package di wires the allocator, the change queue and the executor together.
//
// Container holds every long-lived instance. It is built once by Wire and
// handed to the HTTP server and to main, which starts and stops the
// background components.
package di

import (
	"database/sql"

	"github.com/aristath/adpilot/internal/auth"
	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/aristath/adpilot/internal/modules/audit"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/executor"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
	"github.com/aristath/adpilot/internal/modules/status"
	"github.com/aristath/adpilot/internal/reliability"
	"github.com/aristath/adpilot/internal/work"
)

// Container holds all application dependencies
type Container struct {
	// Databases
	CoreDB   *database.DB // pools, variants, rewards, sqlite change queue
	LedgerDB *database.DB // append-only audit log
	// QueueDB is the PostgreSQL queue connection; nil with the sqlite backend
	QueueDB *sql.DB

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Repositories
	PoolRepo    *pools.Repository
	RewardsRepo *rewards.Repository
	ChangeStore changes.Store
	Ledger      *audit.Ledger

	// Services
	PoolService       *pools.Service
	RewardsService    *rewards.Service
	Enqueuer          *changes.Enqueuer
	AllocationService *allocation.Service
	Scheduler         *allocation.Scheduler
	Platform          domain.AdPlatform
	Executor          *executor.Executor
	ExecutorPool      *executor.Pool
	StatusService     *status.Service
	AuditStreamer     *audit.Streamer
	Verifier          *auth.Verifier
	auditSinks        []audit.Sink

	// Backup is nil unless a backup bucket is configured
	Backup *reliability.BackupService

	// Background work
	WorkRegistry  *work.Registry
	WorkProcessor *work.Processor

	started bool
}
