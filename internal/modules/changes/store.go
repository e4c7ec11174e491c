// Package changes holds the durable pending-change queue and the enqueuer that
// turns allocator decisions and operator actions into queued changes.
package changes

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/adpilot/internal/domain"
)

var (
	// ErrNotFound is returned when a change does not exist
	ErrNotFound = errors.New("pending change not found")
	// ErrConflict is returned when a conditional transition lost a race or the
	// change is not in a state that allows it
	ErrConflict = errors.New("pending change state conflict")
	// ErrRateLimited is returned by BeginExecution when the campaign has used its
	// action budget for the trailing window
	ErrRateLimited = errors.New("campaign action rate limit reached")
)

// ClaimOptions controls which rows a claim may take
type ClaimOptions struct {
	Now   time.Time
	Owner string
	// StaleAfter makes CLAIMED rows older than this claimable again
	StaleAfter time.Duration
	// MaxAttempts stops stale rows from being re-claimed forever
	MaxAttempts int
}

// RateLimit is the campaign action budget enforced when execution starts
type RateLimit struct {
	Actions int
	Window  time.Duration
}

// Transition is one state change applied by a bulk operation
type Transition struct {
	Change *domain.PendingChange
	From   domain.ChangeState
	To     domain.ChangeState
}

// Backlog summarises the unfinished changes of a pool
type Backlog struct {
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	Pending       int        `json:"pending"`
	InFlight      int        `json:"in_flight"`
}

// Store is the durable pending-change queue. All transitions are atomic
// conditional updates; there is no in-process locking.
type Store interface {
	// Enqueue inserts c unless a change with the same variant, type and tick
	// window exists, in which case the existing ID is returned with created=false.
	Enqueue(ctx context.Context, c *domain.PendingChange) (id string, created bool, err error)
	Get(ctx context.Context, id string) (*domain.PendingChange, error)

	// ClaimNext claims the oldest available change. It returns nil, nil when
	// nothing is claimable.
	ClaimNext(ctx context.Context, opts ClaimOptions) (*domain.PendingChange, error)
	// Claim claims one specific change or returns ErrConflict
	Claim(ctx context.Context, id string, opts ClaimOptions) (*domain.PendingChange, error)
	// Release returns a claimed change to PENDING until availableAt without
	// counting the attempt
	Release(ctx context.Context, id, owner, reason string, availableAt, now time.Time) error
	// BeginExecution moves a claimed change to EXECUTING if the owner still
	// holds it and the campaign is under its rate limit
	BeginExecution(ctx context.Context, id, owner string, effective *float64, limit RateLimit, now time.Time) error
	Complete(ctx context.Context, id, owner, platformChangeID string, now time.Time) error
	Fail(ctx context.Context, id, owner, reason string, now time.Time) (domain.ChangeState, error)

	// Cancel moves a PENDING or CLAIMED change to CANCELLED and returns the state it left
	Cancel(ctx context.Context, id, reason string, now time.Time) (domain.ChangeState, error)
	// CancelSuperseded cancels PENDING changes of a variant and type from older windows
	CancelSuperseded(ctx context.Context, variantID string, changeType domain.ChangeType, beforeWindow int64, reason string, now time.Time) ([]*domain.PendingChange, error)

	// ReclaimStale returns CLAIMED rows older than staleBefore to PENDING, or
	// FAILED once they used maxAttempts
	ReclaimStale(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]Transition, error)
	// FailStuckExecuting fails EXECUTING rows started before startedBefore.
	// Their outcome is unknown, so they are never replayed.
	FailStuckExecuting(ctx context.Context, startedBefore, now time.Time) ([]*domain.PendingChange, error)

	CountStarted(ctx context.Context, campaignID string, since time.Time) (int, error)
	Backlog(ctx context.Context, poolID string) (Backlog, error)
	ListByVariant(ctx context.Context, variantID string, limit int) ([]*domain.PendingChange, error)
	ListByState(ctx context.Context, state domain.ChangeState, limit int) ([]*domain.PendingChange, error)
}
