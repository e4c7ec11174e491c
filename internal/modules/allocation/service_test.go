package allocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
	testingpkg "github.com/aristath/adpilot/internal/testing"
)

type tickFixture struct {
	svc    *allocation.Service
	repo   *pools.Repository
	store  *changes.SQLStore
	events []*events.Event
}

func setupTick(t *testing.T) *tickFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "core")
	t.Cleanup(cleanup)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	testingpkg.InsertPool(t, db, testingpkg.NewPoolFixture("p1"))

	// A: three days old, CTR 4%, ROAS 3.5
	a := testingpkg.NewVariantFixture("A", "p1", 72)
	a.Impressions, a.Clicks, a.Spend, a.Revenue, a.RevenueEvents = 10000, 400, 200, 700, 5
	a.CurrentBudget, a.CurrentSharePct = 500, 50
	testingpkg.InsertVariant(t, db, a)

	// B: an hour old, CTR 1%, no revenue yet
	b := testingpkg.NewVariantFixture("B", "p1", 1)
	b.Impressions, b.Clicks, b.Spend = 1000, 10, 10
	b.CurrentBudget, b.CurrentSharePct = 500, 50
	testingpkg.InsertVariant(t, db, b)

	f := &tickFixture{
		repo:  pools.NewRepository(db.Conn(), log),
		store: changes.NewSQLiteStore(db.Conn(), log),
	}

	bus := events.NewBus()
	bus.Subscribe(func(e *events.Event) { f.events = append(f.events, e) }, events.AllocationApplied)

	cfg := allocation.DefaultConfig()
	enqueuer := changes.NewEnqueuer(f.store, &testingpkg.MemoryAuditLog{}, f.repo, cfg, log)
	f.svc = allocation.NewService(f.repo, enqueuer, cfg, rewards.DefaultBlendConfig(), allocation.NewSeededSampler(7), events.NewManager(bus, log), log)
	return f
}

func TestService_TickEstablishedVersusNewVariant(t *testing.T) {
	f := setupTick(t)
	ctx := context.Background()
	now := testingpkg.FixtureNow

	out, err := f.svc.Tick(ctx, "p1", now)
	require.NoError(t, err)
	require.False(t, out.LeaseHeld)
	require.False(t, out.Result.Skipped)

	shares := map[string]float64{}
	for _, d := range out.Result.Decisions {
		assert.NotEqual(t, allocation.ActionKill, d.Action)
		shares[d.VariantID] = d.SharePct
	}
	assert.InDelta(t, 70.0, shares["A"], 1e-6, "A gains as fast as the per-tick delta allows")
	assert.InDelta(t, 30.0, shares["B"], 1e-6)

	a, err := f.repo.GetVariant(ctx, "A")
	require.NoError(t, err)
	assert.InDelta(t, 70.0, a.CurrentSharePct, 1e-6)
	require.NotNil(t, a.LastScore)
	assert.InDelta(t, 1.0, *a.LastScore, 1e-9)
	assert.Equal(t, 500.0, a.CurrentBudget, "budgets move only when the executor applies them")

	require.Len(t, out.Summary.ChangeIDs, 2)
	assert.Equal(t, 2, out.Summary.Created)
	first, err := f.store.Get(ctx, out.Summary.ChangeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeBudgetSet, first.ChangeType)
	assert.Equal(t, 700.0, first.RequestedValue)

	history, err := f.repo.AllocationHistory(ctx, "B", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(allocation.ActionHold), history[0].Action)

	require.Len(t, f.events, 1)
	data := f.events[0].Data.(*events.AllocationAppliedData)
	assert.Equal(t, "p1", data.PoolID)
	assert.Equal(t, 2, data.Created)

	// the lease was released, so a retry in the same window ticks again without new changes
	out, err = f.svc.Tick(ctx, "p1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, out.LeaseHeld)
	assert.Zero(t, out.Summary.Created)
}

func TestService_TickRespectsLease(t *testing.T) {
	f := setupTick(t)
	ctx := context.Background()
	now := testingpkg.FixtureNow

	ok, err := f.repo.AcquireTickLease(ctx, "p1", "other-host", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.svc.Tick(ctx, "p1", now)
	require.NoError(t, err)
	assert.True(t, out.LeaseHeld)
	assert.Empty(t, f.events)

	// an expired lease is taken over
	out, err = f.svc.Tick(ctx, "p1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, out.LeaseHeld)
}

func TestService_TickSkipsSingleSurvivorSampling(t *testing.T) {
	f := setupTick(t)
	ctx := context.Background()

	require.NoError(t, f.repo.SetStatus(ctx, "B", domain.VariantPaused))

	out, err := f.svc.Tick(ctx, "p1", testingpkg.FixtureNow)
	require.NoError(t, err)
	assert.True(t, out.Result.Skipped)
	require.Len(t, out.Result.Decisions, 1)
	assert.Equal(t, 100.0, out.Result.Decisions[0].SharePct)

	b, err := f.repo.GetVariant(ctx, "B")
	require.NoError(t, err)
	assert.Zero(t, b.CurrentSharePct, "paused variants drop out of the allocation")

	a, err := f.repo.GetVariant(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 100.0, a.CurrentSharePct)
}

func TestService_TickDeletedPool(t *testing.T) {
	f := setupTick(t)
	ctx := context.Background()

	require.NoError(t, f.repo.DeletePool(ctx, "p1", testingpkg.FixtureNow))
	_, err := f.svc.Tick(ctx, "p1", testingpkg.FixtureNow)
	assert.ErrorIs(t, err, pools.ErrNotFound)

	_, err = f.svc.Tick(ctx, "missing", testingpkg.FixtureNow)
	assert.ErrorIs(t, err, pools.ErrNotFound)
}
