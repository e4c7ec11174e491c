package changes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/domain"
	testingpkg "github.com/aristath/adpilot/internal/testing"
)

var (
	t0      = testingpkg.FixtureNow
	testLog = zerolog.New(nil).Level(zerolog.Disabled)
)

func setupStore(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "core")
	return NewSQLiteStore(db.Conn(), testLog), cleanup
}

func newChange(id, variantID string, window int64, createdAt time.Time) *domain.PendingChange {
	return &domain.PendingChange{
		ID:             id,
		VariantID:      variantID,
		PoolID:         "p1",
		CampaignID:     "camp-p1",
		ChangeType:     domain.ChangeBudgetSet,
		RequestedValue: 150,
		Currency:       "USD",
		TickWindow:     window,
		Source:         domain.SourceAllocator,
		CreatedAt:      createdAt,
	}
}

func opts(owner string, now time.Time) ClaimOptions {
	return ClaimOptions{Owner: owner, Now: now, StaleAfter: 5 * time.Minute, MaxAttempts: 5}
}

func TestSQLStore_EnqueueIsIdempotentPerWindow(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, created, err := store.Enqueue(ctx, newChange("c1", "v1", 10, t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c1", id)

	id, created, err = store.Enqueue(ctx, newChange("c2", "v1", 10, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", id, "duplicate returns the existing change")

	id, created, err = store.Enqueue(ctx, newChange("c3", "v1", 11, t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c3", id)

	_, err = store.Get(ctx, "c2")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, c.State)
	assert.Equal(t, 150.0, c.RequestedValue)
	assert.True(t, c.CreatedAt.Equal(t0))
	assert.True(t, c.AvailableAt.Equal(t0))
	assert.Nil(t, c.ClaimedAt)
}

func TestSQLStore_ClaimNextTakesOldestAvailable(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("newer", "v1", 1, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, newChange("older", "v2", 1, t0))
	require.NoError(t, err)
	future := newChange("future", "v3", 1, t0.Add(-time.Hour))
	future.AvailableAt = t0.Add(time.Hour)
	_, _, err = store.Enqueue(ctx, future)
	require.NoError(t, err)

	now := t0.Add(2 * time.Minute)
	c, err := store.ClaimNext(ctx, opts("w1", now))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "older", c.ID)
	assert.Equal(t, domain.StateClaimed, c.State)
	assert.Equal(t, "w1", c.ClaimOwner)
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.ClaimedAt)

	c, err = store.ClaimNext(ctx, opts("w2", now))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "newer", c.ID)

	c, err = store.ClaimNext(ctx, opts("w3", now))
	require.NoError(t, err)
	assert.Nil(t, c, "backed-off change is not yet claimable")
}

func TestSQLStore_ExclusiveClaim(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes int32
		conflicts int32
		other     int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			_, err := store.Claim(ctx, "c1", opts(fmt.Sprintf("w%d", worker), t0))
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				atomic.AddInt32(&other, 1)
				t.Logf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, int32(99), conflicts)
	assert.Zero(t, other)

	c, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
}

func TestSQLStore_ConcurrentClaimNextNeverDoubleClaims(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, _, err := store.Enqueue(ctx, newChange(fmt.Sprintf("c%02d", i), fmt.Sprintf("v%02d", i), 1, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				c, err := store.ClaimNext(ctx, opts(owner, t0.Add(time.Minute)))
				if err != nil || c == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[c.ID]; dup {
					t.Errorf("change %s claimed by %s and %s", c.ID, prev, owner)
				}
				claimed[c.ID] = owner
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
}

func TestSQLStore_ExecutionLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	limit := RateLimit{Actions: 15, Window: time.Hour}

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "c1", opts("w1", t0))
	require.NoError(t, err)

	eff := 118.37
	assert.ErrorIs(t, store.BeginExecution(ctx, "c1", "intruder", &eff, limit, t0), ErrConflict)
	require.NoError(t, store.BeginExecution(ctx, "c1", "w1", &eff, limit, t0))

	_, err = store.Cancel(ctx, "c1", "too late", t0)
	assert.ErrorIs(t, err, ErrConflict, "executing changes cannot be cancelled")

	require.NoError(t, store.Complete(ctx, "c1", "w1", "plat-1", t0.Add(time.Second)))
	assert.ErrorIs(t, store.Complete(ctx, "c1", "w1", "plat-1", t0), ErrConflict)

	c, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, c.State)
	assert.Equal(t, "plat-1", c.PlatformChangeID)
	require.NotNil(t, c.EffectiveValue)
	assert.Equal(t, eff, *c.EffectiveValue)
	require.NotNil(t, c.StartedAt)
	require.NotNil(t, c.ExecutedAt)

	n, err := store.CountStarted(ctx, "camp-p1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_FailFromClaimedAndExecuting(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	limit := RateLimit{Actions: 15, Window: time.Hour}

	for _, id := range []string{"c1", "c2"} {
		_, _, err := store.Enqueue(ctx, newChange(id, "v-"+id, 1, t0))
		require.NoError(t, err)
		_, err = store.Claim(ctx, id, opts("w1", t0))
		require.NoError(t, err)
	}
	require.NoError(t, store.BeginExecution(ctx, "c2", "w1", nil, limit, t0))

	from, err := store.Fail(ctx, "c1", "w1", "boom", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClaimed, from)

	from, err = store.Fail(ctx, "c2", "w1", "rejected", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuting, from)

	_, err = store.Fail(ctx, "c2", "w1", "again", t0)
	assert.ErrorIs(t, err, ErrConflict)

	failed, err := store.ListByState(ctx, domain.StateFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestSQLStore_RateLimitedBeginAndRelease(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	limit := RateLimit{Actions: 15, Window: time.Hour}

	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("c%02d", i)
		_, _, err := store.Enqueue(ctx, newChange(id, "v"+id, 1, t0.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	now := t0.Add(time.Minute)
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("c%02d", i)
		_, err := store.Claim(ctx, id, opts("w1", now))
		require.NoError(t, err)
		require.NoError(t, store.BeginExecution(ctx, id, "w1", nil, limit, now))
		require.NoError(t, store.Complete(ctx, id, "w1", "p", now))
	}

	_, err := store.Claim(ctx, "c15", opts("w1", now))
	require.NoError(t, err)
	assert.ErrorIs(t, store.BeginExecution(ctx, "c15", "w1", nil, limit, now), ErrRateLimited)

	retryAt := now.Add(10 * time.Minute)
	require.NoError(t, store.Release(ctx, "c15", "w1", "rate limited", retryAt, now))

	c, err := store.Get(ctx, "c15")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, c.State)
	assert.Zero(t, c.Attempts, "a rate-limit release does not use up an attempt")
	assert.True(t, c.AvailableAt.Equal(retryAt))
	assert.Empty(t, c.ClaimOwner)

	// the window slides: an hour later the campaign has room again
	later := now.Add(time.Hour + time.Minute)
	_, err = store.Claim(ctx, "c15", opts("w1", later))
	require.NoError(t, err)
	assert.NoError(t, store.BeginExecution(ctx, "c15", "w1", nil, limit, later))
}

func TestSQLStore_CancelAndSupersede(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	for w := int64(1); w <= 3; w++ {
		_, _, err := store.Enqueue(ctx, newChange(fmt.Sprintf("c%d", w), "v1", w, t0))
		require.NoError(t, err)
	}
	_, err := store.Claim(ctx, "c2", opts("w1", t0))
	require.NoError(t, err)

	cancelled, err := store.CancelSuperseded(ctx, "v1", domain.ChangeBudgetSet, 3, "superseded", t0)
	require.NoError(t, err)
	require.Len(t, cancelled, 1, "claimed changes are left to their worker")
	assert.Equal(t, "c1", cancelled[0].ID)
	assert.Equal(t, domain.StateCancelled, cancelled[0].State)

	from, err := store.Cancel(ctx, "c2", "operator", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClaimed, from)

	_, err = store.Cancel(ctx, "c2", "operator", t0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = store.Cancel(ctx, "missing", "operator", t0)
	assert.ErrorIs(t, err, ErrNotFound)

	// a cancelled claim cannot start executing
	assert.ErrorIs(t, store.BeginExecution(ctx, "c2", "w1", nil, RateLimit{Actions: 15, Window: time.Hour}, t0), ErrConflict)

	history, err := store.ListByVariant(ctx, "v1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestSQLStore_StalenessReclaim(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "c1", opts("dead-worker", t0))
	require.NoError(t, err)

	// not yet stale
	moved, err := store.ReclaimStale(ctx, t0.Add(-time.Minute), 5, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, moved)

	later := t0.Add(10 * time.Minute)
	moved, err = store.ReclaimStale(ctx, later.Add(-5*time.Minute), 5, later)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, domain.StatePending, moved[0].To)

	c, err := store.ClaimNext(ctx, opts("w2", later))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "w2", c.ClaimOwner)
	assert.Equal(t, 2, c.Attempts)

	// the original worker lost its claim
	assert.ErrorIs(t, store.BeginExecution(ctx, "c1", "dead-worker", nil, RateLimit{Actions: 15, Window: time.Hour}, later), ErrConflict)
}

func TestSQLStore_StaleClaimClaimableDirectly(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "c1", opts("w1", t0))
	require.NoError(t, err)

	_, err = store.Claim(ctx, "c1", opts("w2", t0.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrConflict)

	c, err := store.Claim(ctx, "c1", opts("w2", t0.Add(6*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "w2", c.ClaimOwner)
}

func TestSQLStore_ReclaimFailsExhaustedAttempts(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)

	now := t0
	for i := 0; i < 3; i++ {
		_, err = store.Claim(ctx, "c1", ClaimOptions{Owner: "w", Now: now, StaleAfter: time.Minute, MaxAttempts: 3})
		require.NoError(t, err)
		now = now.Add(2 * time.Minute)
	}

	moved, err := store.ReclaimStale(ctx, now.Add(-time.Minute), 3, now)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, domain.StateFailed, moved[0].To)
	assert.Contains(t, moved[0].Change.LastError, "3 attempts")
}

func TestSQLStore_FailStuckExecuting(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "c1", opts("w1", t0))
	require.NoError(t, err)
	require.NoError(t, store.BeginExecution(ctx, "c1", "w1", nil, RateLimit{Actions: 15, Window: time.Hour}, t0))

	stuck, err := store.FailStuckExecuting(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stuck)

	stuck, err = store.FailStuckExecuting(ctx, t0.Add(time.Minute), t0.Add(20*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, domain.StateFailed, stuck[0].State)
	assert.Equal(t, "execution outcome unknown", stuck[0].LastError)
}

func TestSQLStore_Backlog(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	b, err := store.Backlog(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, b.Pending)
	assert.Nil(t, b.OldestPending)

	_, _, err = store.Enqueue(ctx, newChange("c1", "v1", 1, t0))
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, newChange("c2", "v2", 1, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, newChange("c3", "v3", 1, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "c1", opts("w1", t0.Add(3*time.Minute)))
	require.NoError(t, err)

	b, err = store.Backlog(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Pending)
	assert.Equal(t, 1, b.InFlight)
	require.NotNil(t, b.OldestPending)
	assert.True(t, b.OldestPending.Equal(t0.Add(time.Minute)))
}

func TestRebind(t *testing.T) {
	pg := NewPGStore(nil, testLog)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLiteStore(nil, testLog)
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}
