package changes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
	"github.com/rs/zerolog"
)

// Dialect selects placeholder style and row-locking syntax
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const changeColumns = `id, variant_id, pool_id, campaign_id, change_type, requested_value,
	effective_value, currency, tick_window, source, state, claim_owner, claimed_at,
	available_at, attempts, last_error, platform_change_id, started_at, executed_at,
	created_at, updated_at, claimed_from`

// claimable matches PENDING rows that are due and CLAIMED rows whose claim went stale
const claimable = `((state = 'PENDING' AND available_at <= ?)
	OR (state = 'CLAIMED' AND claimed_at <= ? AND attempts < ?))`

// SQLStore implements Store on database/sql. The SQLite dialect relies on
// SQLite's single writer; the Postgres dialect adds FOR UPDATE SKIP LOCKED.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
}

// NewSQLiteStore creates a store over the core SQLite database
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: DialectSQLite,
		log:     log.With().Str("repo", "pending_changes").Str("dialect", "sqlite").Logger(),
	}
}

// NewPGStore creates a store over PostgreSQL
func NewPGStore(db *sql.DB, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: DialectPostgres,
		log:     log.With().Str("repo", "pending_changes").Str("dialect", "postgres").Logger(),
	}
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) lockClause() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) queryChanges(ctx context.Context, query string, args ...interface{}) ([]*domain.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Enqueue inserts a change, returning the existing ID for a duplicate decision
func (s *SQLStore) Enqueue(ctx context.Context, c *domain.PendingChange) (string, bool, error) {
	if !c.ChangeType.Valid() {
		return "", false, fmt.Errorf("invalid change type %q", c.ChangeType)
	}

	now := database.ToMillis(c.CreatedAt)
	available := now
	if !c.AvailableAt.IsZero() {
		available = database.ToMillis(c.AvailableAt)
	}

	n, err := s.exec(ctx, `
		INSERT INTO pending_changes (id, variant_id, pool_id, campaign_id, change_type,
			requested_value, currency, tick_window, source, state, available_at,
			attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, 0, ?, ?)
		ON CONFLICT (variant_id, change_type, tick_window) DO NOTHING`,
		c.ID, c.VariantID, c.PoolID, c.CampaignID, string(c.ChangeType),
		c.RequestedValue, c.Currency, c.TickWindow, c.Source, available, now, now)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue change: %w", err)
	}
	if n == 1 {
		return c.ID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM pending_changes
		WHERE variant_id = ? AND change_type = ? AND tick_window = ?`),
		c.VariantID, string(c.ChangeType), c.TickWindow).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("failed to load existing change: %w", err)
	}
	return existing, false, nil
}

// Get returns one change
func (s *SQLStore) Get(ctx context.Context, id string) (*domain.PendingChange, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+changeColumns+` FROM pending_changes WHERE id = ?`), id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change %s: %w", id, err)
	}
	return c, nil
}

func claimArgs(opts ClaimOptions) []interface{} {
	now := database.ToMillis(opts.Now)
	stale := database.ToMillis(opts.Now.Add(-opts.StaleAfter))
	return []interface{}{now, stale, opts.MaxAttempts}
}

// ClaimNext atomically claims the oldest claimable change
func (s *SQLStore) ClaimNext(ctx context.Context, opts ClaimOptions) (*domain.PendingChange, error) {
	now := database.ToMillis(opts.Now)
	args := []interface{}{opts.Owner, now, now}
	args = append(args, claimArgs(opts)...)
	args = append(args, claimArgs(opts)...)

	row := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE pending_changes
		SET state = 'CLAIMED', claim_owner = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?,
			claimed_from = state
		WHERE id = (
			SELECT id FROM pending_changes
			WHERE `+claimable+`
			ORDER BY created_at, id
			LIMIT 1`+s.lockClause()+`
		)
		AND `+claimable+`
		RETURNING `+changeColumns), args...)

	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim change: %w", err)
	}
	return c, nil
}

// Claim atomically claims one change
func (s *SQLStore) Claim(ctx context.Context, id string, opts ClaimOptions) (*domain.PendingChange, error) {
	now := database.ToMillis(opts.Now)
	args := []interface{}{opts.Owner, now, now, id}
	args = append(args, claimArgs(opts)...)

	row := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE pending_changes
		SET state = 'CLAIMED', claim_owner = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?,
			claimed_from = state
		WHERE id = ? AND `+claimable+`
		RETURNING `+changeColumns), args...)

	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim change %s: %w", id, err)
	}
	return c, nil
}

// Release gives a claim back without consuming an attempt
func (s *SQLStore) Release(ctx context.Context, id, owner, reason string, availableAt, now time.Time) error {
	n, err := s.exec(ctx, `
		UPDATE pending_changes
		SET state = 'PENDING', claim_owner = NULL, claimed_at = NULL,
			attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
			available_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'CLAIMED' AND claim_owner = ?`,
		database.ToMillis(availableAt), reason, database.ToMillis(now), id, owner)
	if err != nil {
		return fmt.Errorf("failed to release change %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// BeginExecution is the last gate before the platform call
func (s *SQLStore) BeginExecution(ctx context.Context, id, owner string, effective *float64, limit RateLimit, now time.Time) error {
	var eff sql.NullFloat64
	if effective != nil {
		eff = sql.NullFloat64{Float64: *effective, Valid: true}
	}
	ts := database.ToMillis(now)
	since := database.ToMillis(now.Add(-limit.Window))

	n, err := s.exec(ctx, `
		UPDATE pending_changes
		SET state = 'EXECUTING', effective_value = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = 'CLAIMED' AND claim_owner = ?
		AND (
			SELECT COUNT(*) FROM pending_changes AS started
			WHERE started.campaign_id = pending_changes.campaign_id
			AND started.started_at IS NOT NULL AND started.started_at > ?
		) < ?`,
		eff, ts, ts, id, owner, since, limit.Actions)
	if err != nil {
		return fmt.Errorf("failed to start execution of %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.State != domain.StateClaimed || c.ClaimOwner != owner {
		return ErrConflict
	}
	return ErrRateLimited
}

// Complete records a successful platform call
func (s *SQLStore) Complete(ctx context.Context, id, owner, platformChangeID string, now time.Time) error {
	ts := database.ToMillis(now)
	n, err := s.exec(ctx, `
		UPDATE pending_changes
		SET state = 'COMPLETED', platform_change_id = ?, last_error = NULL, executed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'EXECUTING' AND claim_owner = ?`,
		platformChangeID, ts, ts, id, owner)
	if err != nil {
		return fmt.Errorf("failed to complete change %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Fail marks a claimed or executing change FAILED
func (s *SQLStore) Fail(ctx context.Context, id, owner, reason string, now time.Time) (domain.ChangeState, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if c.ClaimOwner != owner || (c.State != domain.StateClaimed && c.State != domain.StateExecuting) {
		return "", ErrConflict
	}

	ts := database.ToMillis(now)
	n, err := s.exec(ctx, `
		UPDATE pending_changes
		SET state = 'FAILED', last_error = ?, executed_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claim_owner = ?`,
		reason, ts, ts, id, string(c.State), owner)
	if err != nil {
		return "", fmt.Errorf("failed to fail change %s: %w", id, err)
	}
	if n == 0 {
		return "", ErrConflict
	}
	return c.State, nil
}

// Cancel cancels a change that has not started executing
func (s *SQLStore) Cancel(ctx context.Context, id, reason string, now time.Time) (domain.ChangeState, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !domain.CanTransitionChange(c.State, domain.StateCancelled) {
		return "", ErrConflict
	}

	n, err := s.exec(ctx, `
		UPDATE pending_changes
		SET state = 'CANCELLED', last_error = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		reason, database.ToMillis(now), id, string(c.State))
	if err != nil {
		return "", fmt.Errorf("failed to cancel change %s: %w", id, err)
	}
	if n == 0 {
		return "", ErrConflict
	}
	return c.State, nil
}

// CancelSuperseded cancels older PENDING decisions for the same variant and type
func (s *SQLStore) CancelSuperseded(ctx context.Context, variantID string, changeType domain.ChangeType, beforeWindow int64, reason string, now time.Time) ([]*domain.PendingChange, error) {
	out, err := s.queryChanges(ctx, `
		UPDATE pending_changes
		SET state = 'CANCELLED', last_error = ?, updated_at = ?
		WHERE variant_id = ? AND change_type = ? AND state = 'PENDING' AND tick_window < ?
		RETURNING `+changeColumns,
		reason, database.ToMillis(now), variantID, string(changeType), beforeWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel superseded changes: %w", err)
	}
	return out, nil
}

// ReclaimStale handles claims whose worker disappeared
func (s *SQLStore) ReclaimStale(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]Transition, error) {
	ts := database.ToMillis(now)
	stale := database.ToMillis(staleBefore)

	failed, err := s.queryChanges(ctx, `
		UPDATE pending_changes
		SET state = 'FAILED', last_error = ?, updated_at = ?
		WHERE state = 'CLAIMED' AND claimed_at <= ? AND attempts >= ?
		RETURNING `+changeColumns,
		fmt.Sprintf("claim expired after %d attempts", maxAttempts), ts, stale, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to fail exhausted claims: %w", err)
	}

	requeued, err := s.queryChanges(ctx, `
		UPDATE pending_changes
		SET state = 'PENDING', claim_owner = NULL, claimed_at = NULL, available_at = ?,
			last_error = 'claim expired', updated_at = ?
		WHERE state = 'CLAIMED' AND claimed_at <= ?
		RETURNING `+changeColumns,
		ts, ts, stale)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}

	out := make([]Transition, 0, len(failed)+len(requeued))
	for _, c := range failed {
		out = append(out, Transition{Change: c, From: domain.StateClaimed, To: domain.StateFailed})
	}
	for _, c := range requeued {
		out = append(out, Transition{Change: c, From: domain.StateClaimed, To: domain.StatePending})
	}
	if len(out) > 0 {
		s.log.Warn().Int("failed", len(failed)).Int("requeued", len(requeued)).Msg("Reclaimed stale claims")
	}
	return out, nil
}

// FailStuckExecuting fails executions that never reported back
func (s *SQLStore) FailStuckExecuting(ctx context.Context, startedBefore, now time.Time) ([]*domain.PendingChange, error) {
	out, err := s.queryChanges(ctx, `
		UPDATE pending_changes
		SET state = 'FAILED', last_error = 'execution outcome unknown', updated_at = ?
		WHERE state = 'EXECUTING' AND started_at <= ?
		RETURNING `+changeColumns,
		database.ToMillis(now), database.ToMillis(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to fail stuck executions: %w", err)
	}
	return out, nil
}

// CountStarted counts changes of a campaign that reached the platform since a time
func (s *SQLStore) CountStarted(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM pending_changes
		WHERE campaign_id = ? AND started_at IS NOT NULL AND started_at > ?`),
		campaignID, database.ToMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count started changes: %w", err)
	}
	return n, nil
}

// Backlog returns queue depth and the age of the oldest pending change for a pool
func (s *SQLStore) Backlog(ctx context.Context, poolID string) (Backlog, error) {
	var (
		b      Backlog
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN state = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN ('CLAIMED', 'EXECUTING') THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN state = 'PENDING' THEN created_at END)
		FROM pending_changes
		WHERE pool_id = ?`), poolID).Scan(&b.Pending, &b.InFlight, &oldest)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to load backlog: %w", err)
	}
	b.OldestPending = database.TimePtr(oldest)
	return b, nil
}

// ListByVariant returns the newest changes of a variant
func (s *SQLStore) ListByVariant(ctx context.Context, variantID string, limit int) ([]*domain.PendingChange, error) {
	out, err := s.queryChanges(ctx, `SELECT `+changeColumns+` FROM pending_changes
		WHERE variant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, variantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return out, nil
}

// ListByState returns the oldest changes in a state
func (s *SQLStore) ListByState(ctx context.Context, state domain.ChangeState, limit int) ([]*domain.PendingChange, error) {
	out, err := s.queryChanges(ctx, `SELECT `+changeColumns+` FROM pending_changes
		WHERE state = ? ORDER BY created_at, id LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChange(s rowScanner) (*domain.PendingChange, error) {
	var (
		c                                 domain.PendingChange
		changeType, state                 string
		effective                         sql.NullFloat64
		owner, lastErr, platformID, from  sql.NullString
		claimedAt, startedAt, executedAt  sql.NullInt64
		availableAt, createdAt, updatedAt int64
	)
	err := s.Scan(&c.ID, &c.VariantID, &c.PoolID, &c.CampaignID, &changeType, &c.RequestedValue,
		&effective, &c.Currency, &c.TickWindow, &c.Source, &state, &owner, &claimedAt,
		&availableAt, &c.Attempts, &lastErr, &platformID, &startedAt, &executedAt,
		&createdAt, &updatedAt, &from)
	if err != nil {
		return nil, err
	}

	c.ChangeType = domain.ChangeType(changeType)
	c.State = domain.ChangeState(state)
	if effective.Valid {
		v := effective.Float64
		c.EffectiveValue = &v
	}
	c.ClaimOwner = owner.String
	c.ClaimedFrom = domain.ChangeState(from.String)
	c.LastError = lastErr.String
	c.PlatformChangeID = platformID.String
	c.ClaimedAt = database.TimePtr(claimedAt)
	c.StartedAt = database.TimePtr(startedAt)
	c.ExecutedAt = database.TimePtr(executedAt)
	c.AvailableAt = database.FromMillis(availableAt)
	c.CreatedAt = database.FromMillis(createdAt)
	c.UpdatedAt = database.FromMillis(updatedAt)
	return &c, nil
}
