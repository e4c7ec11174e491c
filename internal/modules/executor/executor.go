package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aristath/adpilot/internal/clients/adplatform"
	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/rs/zerolog"
)

// Outcome is what one pass over a change ended with
type Outcome string

const (
	// OutcomeIdle means nothing was claimable
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRequeued means the change went back to PENDING with a backoff
	OutcomeRequeued Outcome = "requeued"
	// OutcomeAborted means the worker stopped before the platform call
	OutcomeAborted Outcome = "aborted"
)

const actor = "executor"

// VariantStore is the slice of the pools repository the executor needs
type VariantStore interface {
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	BudgetAt(ctx context.Context, variantID string, at time.Time) (float64, error)
	FirstFundedSince(ctx context.Context, variantID string, since time.Time) (float64, error)
	ApplyBudget(ctx context.Context, variantID string, budget float64, changeID string, now time.Time) error
	SetStatus(ctx context.Context, variantID string, status domain.VariantStatus) error
}

// Option customises an Executor
type Option func(*Executor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the cancellable sleep used for jitter and retry delays
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRand replaces the uniform [0, 1) source used for jitter and fuzzing
func WithRand(r func() float64) Option {
	return func(e *Executor) { e.rand = r }
}

// Executor applies queued changes to the ad platform one at a time. Any number
// of executors may share a store; they coordinate only through claims.
type Executor struct {
	store    changes.Store
	variants VariantStore
	platform domain.AdPlatform
	audit    domain.AuditAppender
	events   *events.Manager
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
	log      zerolog.Logger
}

// New creates an executor
func New(store changes.Store, variants VariantStore, platform domain.AdPlatform, audit domain.AuditAppender,
	em *events.Manager, cfg Config, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		variants: variants,
		platform: platform,
		audit:    audit,
		events:   em,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		rand:     rand.Float64,
		log:      log.With().Str("service", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the executor limits
func (e *Executor) Config() Config {
	return e.cfg
}

func (e *Executor) claimOptions(owner string) changes.ClaimOptions {
	return changes.ClaimOptions{
		Now:         e.now(),
		Owner:       owner,
		StaleAfter:  e.cfg.ClaimTTL,
		MaxAttempts: e.cfg.MaxAttempts,
	}
}

// ProcessNext claims the oldest available change for owner and runs it
func (e *Executor) ProcessNext(ctx context.Context, owner string) (Outcome, error) {
	c, err := e.store.ClaimNext(ctx, e.claimOptions(owner))
	if err != nil {
		return OutcomeIdle, fmt.Errorf("failed to claim change: %w", err)
	}
	if c == nil {
		return OutcomeIdle, nil
	}
	return e.run(ctx, c, owner)
}

// Execute claims one specific change and runs it. It returns changes.ErrConflict
// when another worker holds the change or it is no longer pending.
func (e *Executor) Execute(ctx context.Context, changeID, owner string) (Outcome, error) {
	c, err := e.store.Claim(ctx, changeID, e.claimOptions(owner))
	if err != nil {
		return OutcomeIdle, err
	}
	return e.run(ctx, c, owner)
}

func (e *Executor) run(ctx context.Context, c *domain.PendingChange, owner string) (Outcome, error) {
	log := e.log.With().
		Str("change_id", c.ID).
		Str("variant_id", c.VariantID).
		Str("change_type", string(c.ChangeType)).
		Str("worker", owner).
		Logger()
	wctx := context.WithoutCancel(ctx)

	if c.ClaimedFrom == domain.StateClaimed {
		log.Warn().Int("attempt", c.Attempts).Msg("Took over a stale claim")
		e.record(wctx, c, domain.StateClaimed, domain.StateClaimed, fmt.Sprintf("stale claim taken over by %s, attempt %d", owner, c.Attempts), nil)
	} else {
		e.record(wctx, c, domain.StatePending, domain.StateClaimed, fmt.Sprintf("claimed by %s, attempt %d", owner, c.Attempts), nil)
	}

	if err := e.sleep(ctx, jitter(e.cfg.JitterMin, e.cfg.JitterMax, e.rand())); err != nil {
		return e.abort(wctx, c, owner, "worker stopped before execution")
	}

	now := e.now()
	started, err := e.store.CountStarted(ctx, c.CampaignID, now.Add(-e.cfg.RateLimit.Window))
	if err != nil {
		return e.abort(wctx, c, owner, "rate limit check failed")
	}
	if started >= e.cfg.RateLimit.Actions {
		return e.requeue(wctx, c, owner, fmt.Sprintf("rate limit: %d actions in %s", started, e.cfg.RateLimit.Window))
	}

	v, err := e.variants.GetVariant(ctx, c.VariantID)
	if errors.Is(err, pools.ErrNotFound) {
		return e.cancel(wctx, c, "variant not found")
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load variant")
		return e.abort(wctx, c, owner, "variant lookup failed")
	}
	if reason, ok := allowed(c.ChangeType, v.Status); !ok {
		return e.cancel(wctx, c, reason)
	}

	var effective *float64
	if c.ChangeType == domain.ChangeBudgetSet {
		amount, headroom, err := e.effectiveBudget(ctx, c, v, now)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read budget history")
			return e.abort(wctx, c, owner, "budget history lookup failed")
		}
		if !headroom {
			return e.requeue(wctx, c, owner, "velocity cap reached")
		}
		effective = &amount
	}

	// the change may have been cancelled while this worker slept
	current, err := e.store.Get(ctx, c.ID)
	if err != nil {
		return e.abort(wctx, c, owner, "state re-check failed")
	}
	if current.State != domain.StateClaimed || current.ClaimOwner != owner {
		log.Info().Str("state", string(current.State)).Msg("Change no longer held, skipping platform call")
		return OutcomeCancelled, nil
	}

	err = e.store.BeginExecution(ctx, c.ID, owner, effective, e.cfg.RateLimit, e.now())
	switch {
	case errors.Is(err, changes.ErrRateLimited):
		return e.requeue(wctx, c, owner, "rate limit reached at execution start")
	case errors.Is(err, changes.ErrConflict):
		log.Info().Msg("Lost claim before execution")
		return OutcomeCancelled, nil
	case err != nil:
		return e.abort(wctx, c, owner, "begin execution failed")
	}
	c.EffectiveValue = effective
	e.record(wctx, c, domain.StateClaimed, domain.StateExecuting, describe(c), nil)

	res, err := e.call(ctx, c, v)
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "interrupted; outcome unknown: " + reason
		}
		return e.fail(wctx, c, owner, reason)
	}

	if err := e.store.Complete(wctx, c.ID, owner, res.PlatformChangeID, e.now()); err != nil {
		log.Error().Err(err).Str("platform_change_id", res.PlatformChangeID).Msg("Platform applied change but completion was not recorded")
		return OutcomeFailed, fmt.Errorf("failed to complete change %s: %w", c.ID, err)
	}
	e.applyLocal(wctx, c, log)

	e.record(wctx, c, domain.StateExecuting, domain.StateCompleted, "platform change "+res.PlatformChangeID, res)
	e.emit(c, events.ChangeCompleted, domain.StateExecuting, domain.StateCompleted, "")
	log.Info().Str("platform_change_id", res.PlatformChangeID).Msg("Change completed")
	return OutcomeCompleted, nil
}

// effectiveBudget applies the velocity cap and fuzzing to a budget request.
// headroom is false when the cap leaves the budget where it already is.
func (e *Executor) effectiveBudget(ctx context.Context, c *domain.PendingChange, v *domain.Variant, now time.Time) (float64, bool, error) {
	current := v.CurrentBudget
	requested := roundCents(c.RequestedValue)

	windowStart := now.Add(-e.cfg.VelocityWindow)
	reference, err := e.variants.BudgetAt(ctx, v.ID, windowStart)
	if errors.Is(err, pools.ErrNotFound) {
		reference = current
	} else if err != nil {
		return 0, false, err
	}

	// An unfunded start anchors on the first funding inside the window, so
	// only the move away from zero is uncapped
	if reference <= 0 {
		funded, err := e.variants.FirstFundedSince(ctx, v.ID, windowStart)
		switch {
		case err == nil:
			reference = funded
		case errors.Is(err, pools.ErrNotFound):
			reference = current
		default:
			return 0, false, err
		}
	}

	amount := requested
	bounds, capped := velocityBounds(reference, e.cfg.VelocityCapPct)
	if capped {
		amount = bounds.clamp(requested)
	}
	if amount == current && requested != current {
		return current, false, nil
	}

	pct := e.cfg.FuzzMinPct + e.rand()*(e.cfg.FuzzMaxPct-e.cfg.FuzzMinPct)
	fuzzed := fuzz(amount, current, pct)
	if capped && (fuzzed < bounds.Low || fuzzed > bounds.High) {
		fuzzed = amount
	}
	return fuzzed, true, nil
}

// call runs the platform mutation with a per-attempt timeout, retrying
// transient failures with exponential delay
func (e *Executor) call(ctx context.Context, c *domain.PendingChange, v *domain.Variant) (*domain.PlatformResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := e.callOnce(ctx, c, v)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !adplatform.IsTransient(err) || attempt >= e.cfg.MaxCallRetries || ctx.Err() != nil {
			break
		}

		delay := e.cfg.RetryBaseDelay << uint(attempt)
		e.log.Warn().Err(err).Str("change_id", c.ID).Int("attempt", attempt+1).Dur("delay", delay).Msg("Transient platform error, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *Executor) callOnce(ctx context.Context, c *domain.PendingChange, v *domain.Variant) (*domain.PlatformResult, error) {
	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	switch c.ChangeType {
	case domain.ChangeBudgetSet:
		return e.platform.SetBudget(callCtx, v.ExternalAdID, *c.EffectiveValue, c.Currency, c.ID)
	case domain.ChangePause, domain.ChangeKill:
		return e.platform.Pause(callCtx, v.ExternalAdID, c.ID)
	case domain.ChangeResume:
		return e.platform.Resume(callCtx, v.ExternalAdID, c.ID)
	}
	return nil, fmt.Errorf("unsupported change type %s", c.ChangeType)
}

// applyLocal mirrors a completed platform change into the variant. The
// platform is the source of truth at this point, so failures are only logged.
func (e *Executor) applyLocal(ctx context.Context, c *domain.PendingChange, log zerolog.Logger) {
	var err error
	switch c.ChangeType {
	case domain.ChangeBudgetSet:
		err = e.variants.ApplyBudget(ctx, c.VariantID, *c.EffectiveValue, c.ID, e.now())
	case domain.ChangePause:
		err = e.variants.SetStatus(ctx, c.VariantID, domain.VariantPaused)
	case domain.ChangeResume:
		err = e.variants.SetStatus(ctx, c.VariantID, domain.VariantActive)
	case domain.ChangeKill:
		err = e.variants.SetStatus(ctx, c.VariantID, domain.VariantKilled)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to apply completed change locally")
	}
}

func (e *Executor) requeue(ctx context.Context, c *domain.PendingChange, owner, reason string) (Outcome, error) {
	now := e.now()
	delay := backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, c.Attempts-1)
	err := e.store.Release(ctx, c.ID, owner, reason, now.Add(delay), now)
	if errors.Is(err, changes.ErrConflict) {
		return OutcomeCancelled, nil
	}
	if err != nil {
		return OutcomeRequeued, fmt.Errorf("failed to release change %s: %w", c.ID, err)
	}

	e.record(ctx, c, domain.StateClaimed, domain.StatePending, fmt.Sprintf("%s; retry in %s", reason, delay), nil)
	e.emit(c, events.ChangeRequeued, domain.StateClaimed, domain.StatePending, reason)
	e.log.Info().Str("change_id", c.ID).Dur("delay", delay).Str("reason", reason).Msg("Change requeued")
	return OutcomeRequeued, nil
}

// abort hands the claim back immediately; nothing reached the platform
func (e *Executor) abort(ctx context.Context, c *domain.PendingChange, owner, reason string) (Outcome, error) {
	now := e.now()
	err := e.store.Release(ctx, c.ID, owner, reason, now, now)
	if errors.Is(err, changes.ErrConflict) {
		return OutcomeAborted, nil
	}
	if err != nil {
		return OutcomeAborted, fmt.Errorf("failed to release change %s: %w", c.ID, err)
	}
	e.record(ctx, c, domain.StateClaimed, domain.StatePending, reason, nil)
	e.log.Warn().Str("change_id", c.ID).Str("reason", reason).Msg("Change released")
	return OutcomeAborted, nil
}

func (e *Executor) cancel(ctx context.Context, c *domain.PendingChange, reason string) (Outcome, error) {
	from, err := e.store.Cancel(ctx, c.ID, reason, e.now())
	if errors.Is(err, changes.ErrConflict) {
		return OutcomeCancelled, nil
	}
	if err != nil {
		return OutcomeCancelled, fmt.Errorf("failed to cancel change %s: %w", c.ID, err)
	}

	e.record(ctx, c, from, domain.StateCancelled, reason, nil)
	e.emit(c, events.ChangeCancelled, from, domain.StateCancelled, reason)
	e.log.Info().Str("change_id", c.ID).Str("reason", reason).Msg("Change cancelled")
	return OutcomeCancelled, nil
}

func (e *Executor) fail(ctx context.Context, c *domain.PendingChange, owner, reason string) (Outcome, error) {
	from, err := e.store.Fail(ctx, c.ID, owner, reason, e.now())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to mark change %s failed: %w", c.ID, err)
	}

	e.recordError(ctx, c, from, reason)
	e.emit(c, events.ChangeFailed, from, domain.StateFailed, reason)
	e.log.Error().Str("change_id", c.ID).Str("reason", reason).Msg("Change failed")
	return OutcomeFailed, nil
}

func (e *Executor) record(ctx context.Context, c *domain.PendingChange, from, to domain.ChangeState, note string, res *domain.PlatformResult) {
	rec := domain.AuditRecord{
		ChangeID:  c.ID,
		VariantID: c.VariantID,
		PoolID:    c.PoolID,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Note:      note,
		CreatedAt: e.now(),
	}
	if res != nil {
		rec.Request = res.Request
		rec.Response = res.Response
	}
	e.append(ctx, rec)
}

func (e *Executor) recordError(ctx context.Context, c *domain.PendingChange, from domain.ChangeState, reason string) {
	e.append(ctx, domain.AuditRecord{
		ChangeID:  c.ID,
		VariantID: c.VariantID,
		PoolID:    c.PoolID,
		FromState: from,
		ToState:   domain.StateFailed,
		Actor:     actor,
		Error:     reason,
		CreatedAt: e.now(),
	})
}

func (e *Executor) append(ctx context.Context, rec domain.AuditRecord) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("change_id", rec.ChangeID).Msg("Failed to append audit record")
	}
}

func (e *Executor) emit(c *domain.PendingChange, t events.EventType, from, to domain.ChangeState, reason string) {
	e.events.Emit("executor", &events.ChangeData{
		EffectiveValue: c.EffectiveValue,
		ChangeID:       c.ID,
		PoolID:         c.PoolID,
		VariantID:      c.VariantID,
		ChangeType:     string(c.ChangeType),
		From:           string(from),
		To:             string(to),
		Reason:         reason,
		Type:           t,
	})
}

// allowed reports whether a change type may run against a variant status
func allowed(t domain.ChangeType, status domain.VariantStatus) (string, bool) {
	switch t {
	case domain.ChangeBudgetSet:
		if status != domain.VariantActive {
			return fmt.Sprintf("variant is %s", status), false
		}
	case domain.ChangePause:
		if !domain.CanTransition(status, domain.VariantPaused) {
			return fmt.Sprintf("variant is %s", status), false
		}
	case domain.ChangeResume:
		if !domain.CanTransition(status, domain.VariantActive) {
			return fmt.Sprintf("variant is %s", status), false
		}
	case domain.ChangeKill:
		if status == domain.VariantKilled {
			return "variant already KILLED", false
		}
	default:
		return fmt.Sprintf("unsupported change type %s", t), false
	}
	return "", true
}

func describe(c *domain.PendingChange) string {
	if c.EffectiveValue == nil {
		return "executing " + string(c.ChangeType)
	}
	return fmt.Sprintf("executing %s %.2f %s (requested %.2f)", c.ChangeType, *c.EffectiveValue, c.Currency, c.RequestedValue)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
