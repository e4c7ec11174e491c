package pools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/domain"
)

// ErrInvalid is returned for rejected pool or variant input
var ErrInvalid = errors.New("invalid input")

// TickScheduler keeps per-pool allocator schedules in step with the pool set
type TickScheduler interface {
	AddPool(poolID string) error
	RemovePool(poolID string)
	PausePool(poolID string) error
	ResumePool(poolID string) error
}

// CreatePoolRequest describes a new pool
type CreatePoolRequest struct {
	FloorPct    *float64 `json:"floor_pct,omitempty"`
	Name        string   `json:"name"`
	CampaignID  string   `json:"campaign_id"`
	Currency    string   `json:"currency"`
	TotalBudget float64  `json:"total_budget"`
}

// AddVariantRequest describes a new variant
type AddVariantRequest struct {
	ExternalAdID  string  `json:"external_ad_id"`
	InitialBudget float64 `json:"initial_budget"`
}

// Service manages the pool lifecycle
type Service struct {
	repo      *Repository
	scheduler TickScheduler
	log       zerolog.Logger
}

// NewService creates a pool service
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "pools").Logger(),
	}
}

// SetScheduler attaches the tick scheduler. It is set after construction
// because the scheduler itself depends on the allocation service.
func (s *Service) SetScheduler(scheduler TickScheduler) {
	s.scheduler = scheduler
}

// Repository exposes the underlying repository
func (s *Service) Repository() *Repository {
	return s.repo
}

// CreatePool validates and stores a pool, then schedules its ticks
func (s *Service) CreatePool(ctx context.Context, req CreatePoolRequest) (*domain.BudgetPool, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.CampaignID = strings.TrimSpace(req.CampaignID)
	if req.Currency == "" {
		req.Currency = "USD"
	}

	switch {
	case req.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	case req.CampaignID == "":
		return nil, fmt.Errorf("%w: campaign_id is required", ErrInvalid)
	case !(req.TotalBudget > 0) || math.IsInf(req.TotalBudget, 0):
		return nil, fmt.Errorf("%w: total_budget must be a positive amount", ErrInvalid)
	case req.FloorPct != nil && (*req.FloorPct < 0 || *req.FloorPct >= 50):
		return nil, fmt.Errorf("%w: floor_pct must be in [0, 50)", ErrInvalid)
	}

	pool := &domain.BudgetPool{
		ID:          uuid.NewString(),
		Name:        req.Name,
		CampaignID:  req.CampaignID,
		TotalBudget: req.TotalBudget,
		Currency:    strings.ToUpper(req.Currency),
		FloorPct:    req.FloorPct,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.AddPool(pool.ID); err != nil {
			s.log.Error().Err(err).Str("pool_id", pool.ID).Msg("Failed to schedule pool ticks")
		}
	}
	return pool, nil
}

// DeletePool soft-deletes a pool and stops its ticks
func (s *Service) DeletePool(ctx context.Context, id string) error {
	if err := s.repo.DeletePool(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.RemovePool(id)
	}
	return nil
}

// AddVariant validates and stores a variant in a pool
func (s *Service) AddVariant(ctx context.Context, poolID string, req AddVariantRequest) (*domain.Variant, error) {
	req.ExternalAdID = strings.TrimSpace(req.ExternalAdID)
	if req.ExternalAdID == "" {
		return nil, fmt.Errorf("%w: external_ad_id is required", ErrInvalid)
	}
	if req.InitialBudget < 0 || math.IsNaN(req.InitialBudget) || math.IsInf(req.InitialBudget, 0) {
		return nil, fmt.Errorf("%w: initial_budget must be a non-negative amount", ErrInvalid)
	}

	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.DeletedAt != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}

	v := &domain.Variant{
		ID:            uuid.NewString(),
		PoolID:        poolID,
		ExternalAdID:  req.ExternalAdID,
		Status:        domain.VariantActive,
		CurrentBudget: req.InitialBudget,
		CreatedAt:     time.Now().UTC(),
	}
	if pool.TotalBudget > 0 {
		v.CurrentSharePct = req.InitialBudget / pool.TotalBudget * 100
	}
	if err := s.repo.AddVariant(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetTickPaused pauses or resumes allocator ticks of a pool. The flag is
// persisted so a restart keeps the pool paused.
func (s *Service) SetTickPaused(ctx context.Context, id string, paused bool) error {
	if err := s.repo.SetTickPaused(ctx, id, paused); err != nil {
		return err
	}
	if s.scheduler != nil {
		var err error
		if paused {
			err = s.scheduler.PausePool(id)
		} else {
			err = s.scheduler.ResumePool(id)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("pool_id", id).Msg("Scheduler did not accept tick state change")
		}
	}
	s.log.Info().Str("pool_id", id).Bool("paused", paused).Msg("Pool tick state changed")
	return nil
}

// UpdateTotalBudget changes a pool's total budget; the next tick redistributes it
func (s *Service) UpdateTotalBudget(ctx context.Context, id string, total float64) error {
	if !(total > 0) || math.IsInf(total, 0) {
		return fmt.Errorf("%w: total_budget must be a positive amount", ErrInvalid)
	}
	if err := s.repo.UpdateTotalBudget(ctx, id, total); err != nil {
		return err
	}
	s.log.Info().Str("pool_id", id).Float64("total_budget", total).Msg("Pool budget updated")
	return nil
}
