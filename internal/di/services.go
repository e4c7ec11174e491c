package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/adpilot/internal/auth"
	"github.com/aristath/adpilot/internal/clients/adplatform"
	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/aristath/adpilot/internal/modules/audit"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/executor"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
	"github.com/aristath/adpilot/internal/modules/status"
	"github.com/rs/zerolog"
)

// InitializeServices creates the services on top of the repositories.
// Order matters: the enqueuer needs the ledger, the allocation service needs
// the enqueuer and the scheduler needs the allocation service.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	tuning := cfg.Tuning

	// Events
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Operator auth
	container.Verifier = auth.NewVerifier(cfg.OperatorJWTSecret, log)
	if !container.Verifier.Enabled() {
		log.Warn().Msg("OPERATOR_JWT_SECRET not set, mutating routes are unauthenticated")
	}

	// Pools and rewards
	container.PoolService = pools.NewService(container.PoolRepo, log)
	blend := rewards.BlendFromTuning(tuning.Scoring)
	container.RewardsService = rewards.NewService(container.RewardsRepo, container.PoolRepo, blend, log)

	// Change queue
	allocCfg := allocation.FromTuning(tuning.Allocator)
	container.Enqueuer = changes.NewEnqueuer(container.ChangeStore, container.Ledger, container.PoolRepo, allocCfg, log)

	// Allocator
	sampler := allocation.NewSampler()
	if tuning.Allocator.Seed != 0 {
		sampler = allocation.NewSeededSampler(tuning.Allocator.Seed)
	}
	container.AllocationService = allocation.NewService(
		container.PoolRepo,
		container.Enqueuer,
		allocCfg,
		blend,
		sampler,
		container.EventManager,
		log,
	)

	scheduler, err := allocation.NewScheduler(container.AllocationService, cfg.TickSchedule, log)
	if err != nil {
		return err
	}
	container.Scheduler = scheduler
	container.PoolService.SetScheduler(scheduler)

	// Ad platform
	if cfg.IsLive() {
		container.Platform = adplatform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIToken, log)
		log.Warn().Str("base_url", cfg.PlatformBaseURL).Msg("LIVE execution mode, changes are sent to the ad platform")
	} else {
		container.Platform = adplatform.NewDryRun(log)
		log.Info().Msg("Dry-run execution mode, platform calls are simulated")
	}

	// Executor
	container.Executor = executor.New(
		container.ChangeStore,
		container.PoolRepo,
		container.Platform,
		container.Ledger,
		container.EventManager,
		executor.FromTuning(tuning.Executor),
		log,
	)
	container.ExecutorPool = executor.NewPool(container.Executor, cfg.WorkerCount, log)

	// Wake the executor as soon as a tick enqueued something
	container.EventBus.Subscribe(func(e *events.Event) {
		container.ExecutorPool.Trigger()
	}, events.AllocationApplied)

	// Status view
	container.StatusService = status.NewService(container.PoolRepo, container.ChangeStore, log)

	// Audit export
	sinks, err := newAuditSinks(cfg.Audit)
	if err != nil {
		return err
	}
	container.auditSinks = sinks
	container.AuditStreamer = audit.NewStreamer(container.Ledger, sinks, tuning.Work.AuditStreamBatch, log)

	log.Info().Msg("Services initialized")

	return nil
}

// newAuditSinks builds the configured export sinks. None is a valid setup.
func newAuditSinks(cfg config.AuditStreamConfig) ([]audit.Sink, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	codec, err := audit.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var sinks []audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, codec)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.ArchiveBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sink, err := audit.NewS3Sink(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, codec)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit archive sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// SchedulePools registers every existing pool with the tick scheduler,
// keeping paused pools paused
func SchedulePools(ctx context.Context, container *Container, log zerolog.Logger) error {
	all, err := container.PoolRepo.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pools: %w", err)
	}
	for _, p := range all {
		if err := container.Scheduler.AddPool(p.ID); err != nil {
			return fmt.Errorf("failed to schedule pool %s: %w", p.ID, err)
		}
		if p.TickPaused {
			if err := container.Scheduler.PausePool(p.ID); err != nil {
				return err
			}
		}
	}
	log.Info().Int("pools", len(all)).Msg("Pools scheduled")
	return nil
}
