// Package pools stores budget pools, their variants and the budget history
// the executor's velocity cap is measured against.
package pools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
)

// ErrNotFound is returned when a pool or variant does not exist
var ErrNotFound = errors.New("not found")

const poolColumns = `id, name, campaign_id, total_budget, currency, floor_pct, tick_paused,
	last_tick_at, created_at, deleted_at`

const variantColumns = `id, pool_id, external_ad_id, status, impressions, clicks, spend, revenue,
	revenue_events, current_budget, current_share_pct, low_streak, high_streak, last_score,
	last_action, created_at, archived_at`

// Repository handles pool and variant persistence in core.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new pool repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "pools").Logger(),
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// CreatePool inserts a pool
func (r *Repository) CreatePool(ctx context.Context, p *domain.BudgetPool) error {
	var floor sql.NullFloat64
	if p.FloorPct != nil {
		floor = sql.NullFloat64{Float64: *p.FloorPct, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO pools
		(id, name, campaign_id, total_budget, currency, floor_pct, tick_paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.CampaignID, p.TotalBudget, p.Currency, floor, p.TickPaused,
		database.ToMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create pool %s: %w", p.ID, err)
	}

	r.log.Info().Str("pool_id", p.ID).Float64("total_budget", p.TotalBudget).Msg("Pool created")
	return nil
}

// GetPool returns a pool, including soft-deleted ones
func (r *Repository) GetPool(ctx context.Context, id string) (*domain.BudgetPool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+poolColumns+" FROM pools WHERE id = ?", id)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool %s: %w", id, err)
	}
	return p, nil
}

// ListPools returns pools that are not deleted
func (r *Repository) ListPools(ctx context.Context) ([]*domain.BudgetPool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+poolColumns+" FROM pools WHERE deleted_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var out []*domain.BudgetPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePool soft-deletes a pool and archives its variants
func (r *Repository) DeletePool(ctx context.Context, id string, now time.Time) error {
	ts := database.ToMillis(now)
	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pools SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, ts, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pool %s: %w", id, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `UPDATE variants SET archived_at = ? WHERE pool_id = ? AND archived_at IS NULL`, ts, id)
		return err
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("pool_id", id).Msg("Pool deleted, variants archived")
	return nil
}

// UpdateTotalBudget changes a pool's budget; the next tick redistributes it
func (r *Repository) UpdateTotalBudget(ctx context.Context, id string, total float64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pools SET total_budget = ? WHERE id = ? AND deleted_at IS NULL`, total, id)
	if err != nil {
		return fmt.Errorf("failed to update pool budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTickPaused pauses or resumes allocator ticks for a pool
func (r *Repository) SetTickPaused(ctx context.Context, id string, paused bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pools SET tick_paused = ? WHERE id = ? AND deleted_at IS NULL`, paused, id)
	if err != nil {
		return fmt.Errorf("failed to update pool tick state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return nil
}

// AcquireTickLease makes owner the single allocator writer for a pool until
// now+ttl. It fails (false) while another owner holds an unexpired lease.
func (r *Repository) AcquireTickLease(ctx context.Context, poolID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE pools
		SET tick_lease_owner = ?, tick_lease_expires_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (tick_lease_owner IS NULL OR tick_lease_owner = ? OR tick_lease_expires_at < ?)`,
		owner, database.ToMillis(now.Add(ttl)), poolID, owner, database.ToMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire tick lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire tick lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseTickLease drops owner's lease and records the tick time
func (r *Repository) ReleaseTickLease(ctx context.Context, poolID, owner string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pools
		SET tick_lease_owner = NULL, tick_lease_expires_at = NULL, last_tick_at = ?
		WHERE id = ? AND tick_lease_owner = ?`,
		database.ToMillis(now), poolID, owner)
	if err != nil {
		return fmt.Errorf("failed to release tick lease: %w", err)
	}
	return nil
}

// AddVariant inserts a variant and its opening budget history entry
func (r *Repository) AddVariant(ctx context.Context, v *domain.Variant) error {
	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		var deleted sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT deleted_at FROM pools WHERE id = ?`, v.PoolID).Scan(&deleted)
		if errors.Is(err, sql.ErrNoRows) || deleted.Valid {
			return fmt.Errorf("pool %s: %w", v.PoolID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO variants
			(id, pool_id, external_ad_id, status, current_budget, current_share_pct, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.PoolID, v.ExternalAdID, string(v.Status), v.CurrentBudget, v.CurrentSharePct,
			database.ToMillis(v.CreatedAt))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO budget_history (variant_id, budget, effective_at) VALUES (?, ?, ?)`,
			v.ID, v.CurrentBudget, database.ToMillis(v.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to add variant %s: %w", v.ID, err)
	}

	r.log.Info().Str("pool_id", v.PoolID).Str("variant_id", v.ID).Msg("Variant added")
	return nil
}

// GetVariant returns a variant by ID
func (r *Repository) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+variantColumns+" FROM variants WHERE id = ?", id)
	v, err := scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant %s: %w", id, err)
	}
	return v, nil
}

// ListVariants returns the non-archived variants of a pool, oldest first
func (r *Repository) ListVariants(ctx context.Context, poolID string) ([]*domain.Variant, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+variantColumns+
		" FROM variants WHERE pool_id = ? AND archived_at IS NULL ORDER BY created_at, id", poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AllocationUpdate is the per-variant outcome of one allocator tick
type AllocationUpdate struct {
	VariantID    string
	Action       string
	Score        float64
	ScoreKnown   bool
	Sample       float64
	SharePct     float64
	TargetBudget float64
	LowStreak    int
	HighStreak   int
}

// SaveAllocation persists shares, streaks and the allocation history of a tick
func (r *Repository) SaveAllocation(ctx context.Context, poolID string, now time.Time, updates []AllocationUpdate) error {
	ts := database.ToMillis(now)
	return database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		for _, u := range updates {
			var score sql.NullFloat64
			if u.ScoreKnown {
				score = sql.NullFloat64{Float64: u.Score, Valid: true}
			}
			_, err := tx.ExecContext(ctx, `UPDATE variants
				SET current_share_pct = ?, low_streak = ?, high_streak = ?, last_score = ?, last_action = ?
				WHERE id = ? AND pool_id = ?`,
				u.SharePct, u.LowStreak, u.HighStreak, score, u.Action, u.VariantID, poolID)
			if err != nil {
				return fmt.Errorf("failed to update variant %s: %w", u.VariantID, err)
			}

			_, err = tx.ExecContext(ctx, `INSERT INTO allocation_history
				(pool_id, variant_id, tick_at, score, score_known, sample, share_pct, target_budget, action)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				poolID, u.VariantID, ts, u.Score, u.ScoreKnown, u.Sample, u.SharePct, u.TargetBudget, u.Action)
			if err != nil {
				return fmt.Errorf("failed to record allocation for %s: %w", u.VariantID, err)
			}
		}
		return nil
	})
}

// AllocationEntry is one row of a variant's allocation history
type AllocationEntry struct {
	TickAt       time.Time `json:"tick_at"`
	Action       string    `json:"action"`
	Score        float64   `json:"score"`
	Sample       float64   `json:"sample"`
	SharePct     float64   `json:"share_pct"`
	TargetBudget float64   `json:"target_budget"`
	ScoreKnown   bool      `json:"score_known"`
}

// AllocationHistory returns a variant's most recent allocation decisions, newest first
func (r *Repository) AllocationHistory(ctx context.Context, variantID string, limit int) ([]AllocationEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tick_at, action, score, score_known, sample, share_pct, target_budget
		FROM allocation_history WHERE variant_id = ? ORDER BY tick_at DESC, id DESC LIMIT ?`, variantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation history: %w", err)
	}
	defer rows.Close()

	var out []AllocationEntry
	for rows.Next() {
		var e AllocationEntry
		var tickAt int64
		if err := rows.Scan(&tickAt, &e.Action, &e.Score, &e.ScoreKnown, &e.Sample, &e.SharePct, &e.TargetBudget); err != nil {
			return nil, fmt.Errorf("failed to scan allocation history: %w", err)
		}
		e.TickAt = database.FromMillis(tickAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApplyBudget records a budget the platform has accepted
func (r *Repository) ApplyBudget(ctx context.Context, variantID string, budget float64, changeID string, now time.Time) error {
	return database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE variants SET current_budget = ? WHERE id = ?`, budget, variantID); err != nil {
			return fmt.Errorf("failed to update budget: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO budget_history (variant_id, budget, effective_at, change_id) VALUES (?, ?, ?, ?)`,
			variantID, budget, database.ToMillis(now), changeID)
		if err != nil {
			return fmt.Errorf("failed to record budget history: %w", err)
		}
		return nil
	})
}

// SetStatus moves a variant to a new status if the transition is allowed.
// Setting the current status again is a no-op.
func (r *Repository) SetStatus(ctx context.Context, variantID string, status domain.VariantStatus) error {
	var allowedFrom []interface{}
	for _, from := range []domain.VariantStatus{domain.VariantActive, domain.VariantPaused, domain.VariantKilled} {
		if domain.CanTransition(from, status) {
			allowedFrom = append(allowedFrom, string(from))
		}
	}

	if len(allowedFrom) > 0 {
		args := append([]interface{}{string(status), variantID}, allowedFrom...)
		res, err := r.db.ExecContext(ctx, `UPDATE variants SET status = ? WHERE id = ? AND status IN (?`+
			strings.Repeat(", ?", len(allowedFrom)-1)+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to update variant status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}

	current, err := r.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	return fmt.Errorf("variant %s cannot move from %s to %s", variantID, current.Status, status)
}

// BudgetAt returns the budget in effect for a variant at time at: the latest
// history entry at or before at, or the earliest entry if the variant's
// history starts later.
func (r *Repository) BudgetAt(ctx context.Context, variantID string, at time.Time) (float64, error) {
	var budget float64
	err := r.db.QueryRowContext(ctx, `SELECT budget FROM budget_history
		WHERE variant_id = ? AND effective_at <= ?
		ORDER BY effective_at DESC, id DESC LIMIT 1`, variantID, database.ToMillis(at)).Scan(&budget)
	if err == nil {
		return budget, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read budget history: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `SELECT budget FROM budget_history
		WHERE variant_id = ? ORDER BY effective_at, id LIMIT 1`, variantID).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("budget history for %s: %w", variantID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read budget history: %w", err)
	}
	return budget, nil
}

// FirstFundedSince returns the earliest non-zero budget that took effect after
// since. ErrNotFound means the variant has not been funded in that window.
func (r *Repository) FirstFundedSince(ctx context.Context, variantID string, since time.Time) (float64, error) {
	var budget float64
	err := r.db.QueryRowContext(ctx, `SELECT budget FROM budget_history
		WHERE variant_id = ? AND effective_at > ? AND budget > 0
		ORDER BY effective_at, id LIMIT 1`, variantID, database.ToMillis(since)).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("funded budget for %s: %w", variantID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read budget history: %w", err)
	}
	return budget, nil
}

func scanPool(s scanner) (*domain.BudgetPool, error) {
	var p domain.BudgetPool
	var floor sql.NullFloat64
	var lastTick, deleted sql.NullInt64
	var created int64

	if err := s.Scan(&p.ID, &p.Name, &p.CampaignID, &p.TotalBudget, &p.Currency, &floor, &p.TickPaused,
		&lastTick, &created, &deleted); err != nil {
		return nil, err
	}

	if floor.Valid {
		f := floor.Float64
		p.FloorPct = &f
	}
	p.LastTickAt = database.TimePtr(lastTick)
	p.DeletedAt = database.TimePtr(deleted)
	p.CreatedAt = database.FromMillis(created)
	return &p, nil
}

func scanVariant(s scanner) (*domain.Variant, error) {
	var v domain.Variant
	var status string
	var score sql.NullFloat64
	var action sql.NullString
	var created int64
	var archived sql.NullInt64

	if err := s.Scan(&v.ID, &v.PoolID, &v.ExternalAdID, &status, &v.Impressions, &v.Clicks, &v.Spend,
		&v.Revenue, &v.RevenueEvents, &v.CurrentBudget, &v.CurrentSharePct, &v.LowStreak, &v.HighStreak,
		&score, &action, &created, &archived); err != nil {
		return nil, err
	}

	v.Status = domain.VariantStatus(status)
	if score.Valid {
		last := score.Float64
		v.LastScore = &last
	}
	v.LastAction = action.String
	v.CreatedAt = database.FromMillis(created)
	v.ArchivedAt = database.TimePtr(archived)
	return &v, nil
}
