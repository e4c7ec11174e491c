package allocation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnqueueSummary counts the changes queued for one allocation result
type EnqueueSummary struct {
	ChangeIDs  []string `json:"change_ids"`
	Created    int      `json:"created"`
	Duplicates int      `json:"duplicates"`
	Unchanged  int      `json:"unchanged"`
	Cancelled  int      `json:"cancelled"`
}

// ChangeEnqueuer turns an allocation result into pending changes
type ChangeEnqueuer interface {
	FromRecommendations(ctx context.Context, pool *domain.BudgetPool, variants []*domain.Variant, res Result, now time.Time) (EnqueueSummary, error)
}

// PoolStore is the pool state a tick reads and writes
type PoolStore interface {
	GetPool(ctx context.Context, id string) (*domain.BudgetPool, error)
	ListVariants(ctx context.Context, poolID string) ([]*domain.Variant, error)
	AcquireTickLease(ctx context.Context, poolID, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseTickLease(ctx context.Context, poolID, owner string, now time.Time) error
	SaveAllocation(ctx context.Context, poolID string, now time.Time, updates []pools.AllocationUpdate) error
}

// TickOutcome is what one pool tick did
type TickOutcome struct {
	Result  Result         `json:"result"`
	Summary EnqueueSummary `json:"summary"`
	// LeaseHeld is set when another writer was already ticking the pool
	LeaseHeld bool `json:"lease_held"`
}

// Service runs allocation ticks for pools
type Service struct {
	pools    PoolStore
	enqueuer ChangeEnqueuer
	sampler  Sampler
	events   *events.Manager
	cfg      Config
	blend    rewards.BlendConfig
	owner    string
	leaseTTL time.Duration
	log      zerolog.Logger
}

// NewService creates an allocation service
func NewService(
	poolStore PoolStore,
	enqueuer ChangeEnqueuer,
	cfg Config,
	blend rewards.BlendConfig,
	sampler Sampler,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	host, _ := os.Hostname()
	return &Service{
		pools:    poolStore,
		enqueuer: enqueuer,
		sampler:  sampler,
		events:   eventManager,
		cfg:      cfg,
		blend:    blend,
		owner:    fmt.Sprintf("%s/%s", host, uuid.NewString()[:8]),
		leaseTTL: 5 * time.Minute,
		log:      log.With().Str("service", "allocation").Logger(),
	}
}

// Config returns the base allocator configuration
func (s *Service) Config() Config {
	return s.cfg
}

// configFor applies a pool's floor override
func (s *Service) configFor(pool *domain.BudgetPool) Config {
	if pool.FloorPct != nil {
		return s.cfg.WithFloor(*pool.FloorPct)
	}
	return s.cfg
}

// Tick runs one allocation for a pool: score, allocate, persist, enqueue.
// Only one writer ticks a pool at a time; a concurrent call returns with
// LeaseHeld set.
func (s *Service) Tick(ctx context.Context, poolID string, now time.Time) (*TickOutcome, error) {
	pool, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.DeletedAt != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, pools.ErrNotFound)
	}

	acquired, err := s.pools.AcquireTickLease(ctx, poolID, s.owner, s.leaseTTL, now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.log.Debug().Str("pool_id", poolID).Msg("Tick already running elsewhere")
		return &TickOutcome{LeaseHeld: true}, nil
	}
	defer func() {
		if err := s.pools.ReleaseTickLease(context.WithoutCancel(ctx), poolID, s.owner, now); err != nil {
			s.log.Error().Err(err).Str("pool_id", poolID).Msg("Failed to release tick lease")
		}
	}()

	variants, err := s.pools.ListVariants(ctx, poolID)
	if err != nil {
		return nil, err
	}

	in := Input{TotalBudget: pool.TotalBudget}
	var paused []*domain.Variant
	for _, v := range variants {
		switch v.Status {
		case domain.VariantActive:
			score := rewards.Blend(v, now, s.blend)
			in.Variants = append(in.Variants, VariantInput{
				VariantID:     v.ID,
				Score:         score.Value,
				ScoreKnown:    score.Known,
				Impressions:   v.Impressions,
				Spend:         v.Spend,
				AgeHours:      v.AgeHours(now),
				PrevSharePct:  v.CurrentSharePct,
				CurrentBudget: v.CurrentBudget,
				LowStreak:     v.LowStreak,
				HighStreak:    v.HighStreak,
			})
		case domain.VariantPaused:
			paused = append(paused, v)
		}
	}

	res := NewAllocator(s.configFor(pool), s.sampler).Allocate(in)
	out := &TickOutcome{Result: res}

	logger := s.log.With().Str("pool_id", poolID).Logger()
	if res.Skipped {
		logger.Info().Str("reason", res.Reason).Int("active", len(in.Variants)).Msg("Allocation skipped")
	}

	if len(res.Decisions) > 0 {
		updates := make([]pools.AllocationUpdate, 0, len(res.Decisions)+len(paused))
		for _, d := range res.Decisions {
			updates = append(updates, pools.AllocationUpdate{
				VariantID:    d.VariantID,
				Action:       string(d.Action),
				Score:        d.Score,
				ScoreKnown:   d.ScoreKnown,
				Sample:       d.Sample,
				SharePct:     d.SharePct,
				TargetBudget: d.TargetBudget,
				LowStreak:    d.LowStreak,
				HighStreak:   d.HighStreak,
			})
		}
		// paused variants hold no share while they are out of the bandit
		for _, v := range paused {
			if v.CurrentSharePct == 0 {
				continue
			}
			updates = append(updates, pools.AllocationUpdate{VariantID: v.ID, Action: string(domain.VariantPaused)})
		}

		if err := s.pools.SaveAllocation(ctx, poolID, now, updates); err != nil {
			return nil, err
		}

		out.Summary, err = s.enqueuer.FromRecommendations(ctx, pool, variants, res, now)
		if err != nil {
			// whatever was queued stays queued; the next tick retries the rest
			logger.Error().Err(err).Msg("Some allocation changes were not enqueued")
		}
	}

	shares := make(map[string]float64, len(res.Decisions))
	actions := make(map[string]string, len(res.Decisions))
	for _, d := range res.Decisions {
		shares[d.VariantID] = d.SharePct
		actions[d.VariantID] = string(d.Action)
	}
	s.events.Emit("allocation", &events.AllocationAppliedData{
		PoolID:     poolID,
		Skipped:    res.Skipped,
		Reason:     res.Reason,
		Shares:     shares,
		Actions:    actions,
		Created:    out.Summary.Created,
		Duplicates: out.Summary.Duplicates,
		Cancelled:  out.Summary.Cancelled,
	})

	logger.Info().
		Int("variants", len(res.Decisions)).
		Int("enqueued", out.Summary.Created).
		Int("cancelled", out.Summary.Cancelled).
		Float64("floor_pct", res.FloorPct).
		Msg("Allocation tick complete")

	return out, nil
}
