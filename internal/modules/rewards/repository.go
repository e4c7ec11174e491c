// Package rewards ingests performance feedback and turns variant counters
// into a blended score.
package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
)

// ErrUnknownVariant is returned for feedback about a variant that does not exist
var ErrUnknownVariant = errors.New("unknown variant")

// counterUpdates maps event types to their additive counter statement.
// Increments are applied in SQL so concurrent sources never lose updates.
var counterUpdates = map[domain.FeedbackEventType]string{
	domain.EventImpression:        `UPDATE variants SET impressions = impressions + ? WHERE id = ?`,
	domain.EventClick:             `UPDATE variants SET clicks = clicks + ? WHERE id = ?`,
	domain.EventSpend:             `UPDATE variants SET spend = spend + ? WHERE id = ?`,
	domain.EventAttributedRevenue: `UPDATE variants SET revenue = revenue + ?, revenue_events = revenue_events + 1 WHERE id = ?`,
}

// Repository applies feedback to the variant counters in core.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new rewards repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rewards").Logger(),
	}
}

// Apply records the idempotency key and increments the counter in one
// transaction. A key seen before makes the call a no-op (applied=false).
func (r *Repository) Apply(ctx context.Context, ev domain.FeedbackEvent, receivedAt time.Time) (bool, error) {
	stmt, ok := counterUpdates[ev.EventType]
	if !ok {
		return false, fmt.Errorf("unsupported event type %q", ev.EventType)
	}

	applied := false
	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO feedback_events
			(idempotency_key, variant_id, event_type, value, occurred_at, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.IdempotencyKey, ev.VariantID, string(ev.EventType), ev.Value,
			database.ToMillis(ev.Timestamp), database.ToMillis(receivedAt))
		if err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx, stmt, ev.Value, ev.VariantID)
		if err != nil {
			return fmt.Errorf("failed to increment counters: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("variant %s: %w", ev.VariantID, ErrUnknownVariant)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !applied {
		r.log.Debug().
			Str("idempotency_key", ev.IdempotencyKey).
			Str("variant_id", ev.VariantID).
			Msg("Duplicate feedback event, skipping")
	}
	return applied, nil
}

// ResetCounters zeroes a variant's performance counters. It is the only way
// counters ever decrease.
func (r *Repository) ResetCounters(ctx context.Context, variantID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE variants
		SET impressions = 0, clicks = 0, spend = 0, revenue = 0, revenue_events = 0,
		    low_streak = 0, high_streak = 0
		WHERE id = ?`, variantID)
	if err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("variant %s: %w", variantID, ErrUnknownVariant)
	}

	r.log.Warn().Str("variant_id", variantID).Msg("Variant counters reset")
	return nil
}

// PruneKeys deletes idempotency keys received before cutoff
func (r *Repository) PruneKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM feedback_events WHERE received_at < ?`, database.ToMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune feedback keys: %w", err)
	}
	return res.RowsAffected()
}
