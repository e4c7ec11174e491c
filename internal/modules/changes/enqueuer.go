package changes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VariantLookup resolves the variant and pool a change targets
type VariantLookup interface {
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	GetPool(ctx context.Context, id string) (*domain.BudgetPool, error)
}

// EnqueueRequest describes one change to queue
type EnqueueRequest struct {
	Now        time.Time
	VariantID  string
	PoolID     string
	CampaignID string
	Currency   string
	Source     string
	Actor      string
	ChangeType domain.ChangeType
	Value      float64
	TickWindow int64
}

// Enqueuer turns decisions into durable pending changes, one per decision per window
type Enqueuer struct {
	store    Store
	audit    domain.AuditAppender
	variants VariantLookup
	cfg      allocation.Config
	log      zerolog.Logger
}

// NewEnqueuer creates an enqueuer. cfg supplies the tick window size and the
// minimum budget movement worth a platform call.
func NewEnqueuer(store Store, audit domain.AuditAppender, variants VariantLookup, cfg allocation.Config, log zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		store:    store,
		audit:    audit,
		variants: variants,
		cfg:      cfg,
		log:      log.With().Str("service", "enqueuer").Logger(),
	}
}

// Store returns the underlying queue
func (e *Enqueuer) Store() Store {
	return e.store
}

// Enqueue inserts a PENDING change. A duplicate request for the same variant,
// type and window returns the existing ID with created=false.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	if !req.ChangeType.Valid() {
		return "", false, fmt.Errorf("invalid change type %q", req.ChangeType)
	}
	if req.ChangeType == domain.ChangeBudgetSet && (req.Value < 0 || math.IsNaN(req.Value) || math.IsInf(req.Value, 0)) {
		return "", false, fmt.Errorf("invalid budget %v", req.Value)
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.Source == "" {
		req.Source = domain.SourceAllocator
	}

	c := &domain.PendingChange{
		ID:             uuid.New().String(),
		VariantID:      req.VariantID,
		PoolID:         req.PoolID,
		CampaignID:     req.CampaignID,
		ChangeType:     req.ChangeType,
		RequestedValue: req.Value,
		Currency:       req.Currency,
		TickWindow:     req.TickWindow,
		Source:         req.Source,
		State:          domain.StatePending,
		CreatedAt:      req.Now,
		AvailableAt:    req.Now,
	}

	id, created, err := e.store.Enqueue(ctx, c)
	if err != nil {
		return "", false, err
	}
	if !created {
		e.log.Debug().Str("change_id", id).Str("variant_id", req.VariantID).Msg("Duplicate decision, keeping existing change")
		return id, false, nil
	}

	actor := req.Actor
	if actor == "" {
		actor = req.Source
	}
	e.record(ctx, c, "", domain.StatePending, actor, fmt.Sprintf("enqueued %s %.2f", req.ChangeType, req.Value), req.Now)

	e.log.Info().
		Str("change_id", id).
		Str("variant_id", req.VariantID).
		Str("type", string(req.ChangeType)).
		Float64("value", req.Value).
		Msg("Change enqueued")
	return id, true, nil
}

// FromRecommendations queues the changes implied by one allocation result.
// KILL decisions become KILL changes; other decisions become BUDGET_SET when the
// target moves by at least MinBudgetChange. Older PENDING decisions for the same
// variant are cancelled.
func (e *Enqueuer) FromRecommendations(ctx context.Context, pool *domain.BudgetPool, variants []*domain.Variant, res allocation.Result, now time.Time) (allocation.EnqueueSummary, error) {
	var sum allocation.EnqueueSummary
	window := e.cfg.TickWindow(now)

	byID := make(map[string]*domain.Variant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	var errs []error
	for _, d := range res.Decisions {
		v, ok := byID[d.VariantID]
		if !ok {
			errs = append(errs, fmt.Errorf("decision for unknown variant %s", d.VariantID))
			continue
		}

		req := EnqueueRequest{
			Now:        now,
			VariantID:  v.ID,
			PoolID:     pool.ID,
			CampaignID: pool.CampaignID,
			Currency:   pool.Currency,
			Source:     domain.SourceAllocator,
			TickWindow: window,
		}

		switch {
		case d.Action == allocation.ActionKill:
			req.ChangeType = domain.ChangeKill
		case math.Abs(d.TargetBudget-v.CurrentBudget) >= e.cfg.MinBudgetChange:
			req.ChangeType = domain.ChangeBudgetSet
			req.Value = d.TargetBudget
		default:
			sum.Unchanged++
			continue
		}

		id, created, err := e.Enqueue(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", v.ID, err))
			continue
		}
		sum.ChangeIDs = append(sum.ChangeIDs, id)
		if created {
			sum.Created++
		} else {
			sum.Duplicates++
		}

		n, err := e.cancelSuperseded(ctx, v.ID, req.ChangeType, window, now)
		if err != nil {
			errs = append(errs, err)
		}
		sum.Cancelled += n

		if req.ChangeType == domain.ChangeKill {
			// a kill makes any queued budget change for the variant moot
			n, err = e.cancelSuperseded(ctx, v.ID, domain.ChangeBudgetSet, window+1, now)
			if err != nil {
				errs = append(errs, err)
			}
			sum.Cancelled += n
		}
	}

	return sum, errors.Join(errs...)
}

func (e *Enqueuer) cancelSuperseded(ctx context.Context, variantID string, t domain.ChangeType, beforeWindow int64, now time.Time) (int, error) {
	cancelled, err := e.store.CancelSuperseded(ctx, variantID, t, beforeWindow, "superseded by a newer decision", now)
	if err != nil {
		return 0, err
	}
	for _, c := range cancelled {
		e.record(ctx, c, domain.StatePending, domain.StateCancelled, domain.SourceAllocator, "superseded by a newer decision", now)
	}
	return len(cancelled), nil
}

// PauseVariant queues an operator pause
func (e *Enqueuer) PauseVariant(ctx context.Context, variantID, actor string) (string, error) {
	return e.operatorChange(ctx, variantID, actor, domain.ChangePause)
}

// ResumeVariant queues an operator resume
func (e *Enqueuer) ResumeVariant(ctx context.Context, variantID, actor string) (string, error) {
	return e.operatorChange(ctx, variantID, actor, domain.ChangeResume)
}

func (e *Enqueuer) operatorChange(ctx context.Context, variantID, actor string, t domain.ChangeType) (string, error) {
	v, err := e.variants.GetVariant(ctx, variantID)
	if err != nil {
		return "", err
	}

	target := domain.VariantPaused
	if t == domain.ChangeResume {
		target = domain.VariantActive
	}
	if v.Status != target && !domain.CanTransition(v.Status, target) {
		return "", fmt.Errorf("%w: variant %s is %s", ErrConflict, variantID, v.Status)
	}

	pool, err := e.variants.GetPool(ctx, v.PoolID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	id, _, err := e.Enqueue(ctx, EnqueueRequest{
		Now:        now,
		VariantID:  v.ID,
		PoolID:     pool.ID,
		CampaignID: pool.CampaignID,
		Currency:   pool.Currency,
		Source:     domain.SourceOperator,
		Actor:      actor,
		ChangeType: t,
		// operator actions are never deduplicated against each other
		TickWindow: now.UnixMilli(),
	})
	return id, err
}

// Cancel cancels a change that has not started executing
func (e *Enqueuer) Cancel(ctx context.Context, id, actor, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	now := time.Now()
	from, err := e.store.Cancel(ctx, id, reason, now)
	if err != nil {
		return err
	}

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.record(ctx, c, from, domain.StateCancelled, actor, reason, now)
	return nil
}

func (e *Enqueuer) record(ctx context.Context, c *domain.PendingChange, from, to domain.ChangeState, actor, note string, now time.Time) {
	if e.audit == nil {
		return
	}
	_, err := e.audit.Append(ctx, domain.AuditRecord{
		ChangeID:  c.ID,
		VariantID: c.VariantID,
		PoolID:    c.PoolID,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Note:      note,
		CreatedAt: now,
	})
	if err != nil {
		e.log.Error().Err(err).Str("change_id", c.ID).Msg("Failed to append audit record")
	}
}
