package executor

import (
	"context"
	"fmt"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
)

// Reclaim returns claims older than ClaimTTL to PENDING, failing those that
// used MaxAttempts. It returns the number of changes moved.
func (e *Executor) Reclaim(ctx context.Context) (int, error) {
	now := e.now()
	moved, err := e.store.ReclaimStale(ctx, now.Add(-e.cfg.ClaimTTL), e.cfg.MaxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}

	for _, t := range moved {
		if t.To == domain.StateFailed {
			reason := fmt.Sprintf("claim expired after %d attempts", t.Change.Attempts)
			e.recordError(ctx, t.Change, t.From, reason)
			e.emit(t.Change, events.ChangeFailed, t.From, t.To, reason)
			continue
		}
		e.record(ctx, t.Change, t.From, t.To, "claim expired", nil)
		e.emit(t.Change, events.ChangeRequeued, t.From, t.To, "claim expired")
	}

	if len(moved) > 0 {
		e.log.Warn().Int("count", len(moved)).Msg("Reclaimed stale claims")
	}
	return len(moved), nil
}

// FailStuck fails changes that stayed EXECUTING past StuckTimeout. The
// platform may or may not have applied them, so they are left for review.
func (e *Executor) FailStuck(ctx context.Context) (int, error) {
	now := e.now()
	stuck, err := e.store.FailStuckExecuting(ctx, now.Add(-e.cfg.StuckTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck changes: %w", err)
	}

	const reason = "execution outcome unknown"
	for _, c := range stuck {
		e.recordError(ctx, c, domain.StateExecuting, reason)
		e.emit(c, events.ChangeFailed, domain.StateExecuting, domain.StateFailed, reason)
		e.log.Error().Str("change_id", c.ID).Str("variant_id", c.VariantID).Msg("Change stuck executing, marked failed")
	}
	return len(stuck), nil
}
