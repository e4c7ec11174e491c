// Package status assembles the read-only view of a pool served to dashboards
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/pools"
)

const (
	defaultHistoryLimit = 10
	defaultChangeLimit  = 5
)

// PoolReader is the slice of the pools repository the status view reads
type PoolReader interface {
	GetPool(ctx context.Context, id string) (*domain.BudgetPool, error)
	ListVariants(ctx context.Context, poolID string) ([]*domain.Variant, error)
	AllocationHistory(ctx context.Context, variantID string, limit int) ([]pools.AllocationEntry, error)
}

// QueueReader is the slice of the change store the status view reads
type QueueReader interface {
	Backlog(ctx context.Context, poolID string) (changes.Backlog, error)
	ListByVariant(ctx context.Context, variantID string, limit int) ([]*domain.PendingChange, error)
}

// VariantStatus is one variant's allocation and recent activity
type VariantStatus struct {
	LastScore     *float64                `json:"last_score,omitempty"`
	ID            string                  `json:"id"`
	ExternalAdID  string                  `json:"external_ad_id"`
	Status        domain.VariantStatus    `json:"status"`
	LastAction    string                  `json:"last_action,omitempty"`
	RecentActions []pools.AllocationEntry `json:"recent_actions"`
	RecentChanges []*domain.PendingChange `json:"recent_changes"`
	SharePct      float64                 `json:"share_pct"`
	CurrentBudget float64                 `json:"current_budget"`
	Impressions   int64                   `json:"impressions"`
	Clicks        int64                   `json:"clicks"`
	Spend         float64                 `json:"spend"`
	Revenue       float64                 `json:"revenue"`
	AgeHours      float64                 `json:"age_hours"`
	LowStreak     int                     `json:"low_streak"`
	HighStreak    int                     `json:"high_streak"`
}

// PoolStatus is the dashboard view of one pool
type PoolStatus struct {
	GeneratedAt             time.Time       `json:"generated_at"`
	LastTickAt              *time.Time      `json:"last_tick_at,omitempty"`
	PoolID                  string          `json:"pool_id"`
	Name                    string          `json:"name"`
	Currency                string          `json:"currency"`
	Variants                []VariantStatus `json:"variants"`
	TotalBudget             float64         `json:"total_budget"`
	AllocatedBudget         float64         `json:"allocated_budget"`
	QueueBacklog            int             `json:"queue_backlog"`
	InFlight                int             `json:"in_flight"`
	OldestPendingAgeSeconds float64         `json:"oldest_pending_age_seconds"`
	TickPaused              bool            `json:"tick_paused"`
	Deleted                 bool            `json:"deleted"`
}

// Service builds pool status views
type Service struct {
	pools        PoolReader
	queue        QueueReader
	historyLimit int
	changeLimit  int
	now          func() time.Time
	log          zerolog.Logger
}

// NewService creates a status service
func NewService(pools PoolReader, queue QueueReader, log zerolog.Logger) *Service {
	return &Service{
		pools:        pools,
		queue:        queue,
		historyLimit: defaultHistoryLimit,
		changeLimit:  defaultChangeLimit,
		now:          time.Now,
		log:          log.With().Str("service", "status").Logger(),
	}
}

// GetPoolStatus returns shares, per-variant action history and queue backlog
// for a pool. Unknown pools return an error wrapping pools.ErrNotFound.
func (s *Service) GetPoolStatus(ctx context.Context, poolID string) (*PoolStatus, error) {
	pool, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	variants, err := s.pools.ListVariants(ctx, poolID)
	if err != nil {
		return nil, err
	}

	backlog, err := s.queue.Backlog(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue backlog: %w", err)
	}

	now := s.now()
	out := &PoolStatus{
		GeneratedAt:  now,
		LastTickAt:   pool.LastTickAt,
		PoolID:       pool.ID,
		Name:         pool.Name,
		Currency:     pool.Currency,
		TotalBudget:  pool.TotalBudget,
		QueueBacklog: backlog.Pending,
		InFlight:     backlog.InFlight,
		TickPaused:   pool.TickPaused,
		Deleted:      pool.DeletedAt != nil,
		Variants:     make([]VariantStatus, 0, len(variants)),
	}
	if backlog.OldestPending != nil {
		if age := now.Sub(*backlog.OldestPending).Seconds(); age > 0 {
			out.OldestPendingAgeSeconds = age
		}
	}

	for _, v := range variants {
		vs, err := s.variantStatus(ctx, v, now)
		if err != nil {
			return nil, err
		}
		if v.Status != domain.VariantKilled {
			out.AllocatedBudget += v.CurrentBudget
		}
		out.Variants = append(out.Variants, vs)
	}

	sort.SliceStable(out.Variants, func(i, j int) bool {
		return out.Variants[i].SharePct > out.Variants[j].SharePct
	})
	return out, nil
}

func (s *Service) variantStatus(ctx context.Context, v *domain.Variant, now time.Time) (VariantStatus, error) {
	history, err := s.pools.AllocationHistory(ctx, v.ID, s.historyLimit)
	if err != nil {
		return VariantStatus{}, err
	}
	recent, err := s.queue.ListByVariant(ctx, v.ID, s.changeLimit)
	if err != nil {
		return VariantStatus{}, fmt.Errorf("failed to list changes for %s: %w", v.ID, err)
	}
	if history == nil {
		history = []pools.AllocationEntry{}
	}
	if recent == nil {
		recent = []*domain.PendingChange{}
	}

	return VariantStatus{
		LastScore:     v.LastScore,
		ID:            v.ID,
		ExternalAdID:  v.ExternalAdID,
		Status:        v.Status,
		LastAction:    v.LastAction,
		RecentActions: history,
		RecentChanges: recent,
		SharePct:      v.CurrentSharePct,
		CurrentBudget: v.CurrentBudget,
		Impressions:   v.Impressions,
		Clicks:        v.Clicks,
		Spend:         v.Spend,
		Revenue:       v.Revenue,
		AgeHours:      v.AgeHours(now),
		LowStreak:     v.LowStreak,
		HighStreak:    v.HighStreak,
	}, nil
}
