package changes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/aristath/adpilot/internal/modules/pools"
	testingpkg "github.com/aristath/adpilot/internal/testing"
)

type enqueuerFixture struct {
	enqueuer *Enqueuer
	store    *SQLStore
	audit    *testingpkg.MemoryAuditLog
	pool     *domain.BudgetPool
	variants []*domain.Variant
}

func setupEnqueuer(t *testing.T) *enqueuerFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "core")
	t.Cleanup(cleanup)

	pool := testingpkg.NewPoolFixture("p1")
	testingpkg.InsertPool(t, db, pool)

	var variants []*domain.Variant
	for _, id := range []string{"a", "b", "c"} {
		v := testingpkg.NewVariantFixture(id, "p1", 100)
		v.CurrentBudget = 300
		testingpkg.InsertVariant(t, db, v)
		variants = append(variants, v)
	}

	store := NewSQLiteStore(db.Conn(), testLog)
	audit := &testingpkg.MemoryAuditLog{}
	repo := pools.NewRepository(db.Conn(), testLog)
	return &enqueuerFixture{
		enqueuer: NewEnqueuer(store, audit, repo, allocation.DefaultConfig(), testLog),
		store:    store,
		audit:    audit,
		pool:     pool,
		variants: variants,
	}
}

func TestEnqueuer_FromRecommendations(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	res := allocation.Result{Decisions: []allocation.Decision{
		{VariantID: "a", Action: allocation.ActionScale, SharePct: 60, TargetBudget: 600},
		{VariantID: "b", Action: allocation.ActionHold, SharePct: 30.05, TargetBudget: 300.5},
		{VariantID: "c", Action: allocation.ActionKill},
	}}

	sum, err := f.enqueuer.FromRecommendations(ctx, f.pool, f.variants, res, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Unchanged, "sub-dollar moves are not worth a platform call")
	require.Len(t, sum.ChangeIDs, 2)

	budget, err := f.store.Get(ctx, sum.ChangeIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeBudgetSet, budget.ChangeType)
	assert.Equal(t, 600.0, budget.RequestedValue)
	assert.Equal(t, "camp-p1", budget.CampaignID)
	assert.Equal(t, domain.SourceAllocator, budget.Source)

	kill, err := f.store.Get(ctx, sum.ChangeIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeKill, kill.ChangeType)

	records := f.audit.ForChange(budget.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatePending, records[0].ToState)
	assert.Equal(t, domain.ChangeState(""), records[0].FromState)

	// replaying the same tick creates nothing new
	again, err := f.enqueuer.FromRecommendations(ctx, f.pool, f.variants, res, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 2, again.Duplicates)
	assert.Equal(t, sum.ChangeIDs, again.ChangeIDs)
}

func TestEnqueuer_NewWindowSupersedesPendingBudget(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	first := allocation.Result{Decisions: []allocation.Decision{{VariantID: "a", Action: allocation.ActionHold, TargetBudget: 400}}}
	sum, err := f.enqueuer.FromRecommendations(ctx, f.pool, f.variants, first, t0)
	require.NoError(t, err)
	require.Len(t, sum.ChangeIDs, 1)
	oldID := sum.ChangeIDs[0]

	second := allocation.Result{Decisions: []allocation.Decision{{VariantID: "a", Action: allocation.ActionHold, TargetBudget: 450}}}
	sum, err = f.enqueuer.FromRecommendations(ctx, f.pool, f.variants, second, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Cancelled)

	old, err := f.store.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, old.State)

	records := f.audit.ForChange(oldID)
	require.Len(t, records, 2)
	assert.Equal(t, domain.StateCancelled, records[1].ToState)
}

func TestEnqueuer_KillCancelsSameWindowBudget(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	_, created, err := f.enqueuer.Enqueue(ctx, EnqueueRequest{
		Now: t0, VariantID: "c", PoolID: "p1", CampaignID: "camp-p1", Currency: "USD",
		ChangeType: domain.ChangeBudgetSet, Value: 200, TickWindow: allocation.DefaultConfig().TickWindow(t0),
	})
	require.NoError(t, err)
	require.True(t, created)

	res := allocation.Result{Decisions: []allocation.Decision{{VariantID: "c", Action: allocation.ActionKill}}}
	sum, err := f.enqueuer.FromRecommendations(ctx, f.pool, f.variants, res, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
}

func TestEnqueuer_UnknownVariantIsReported(t *testing.T) {
	f := setupEnqueuer(t)

	res := allocation.Result{Decisions: []allocation.Decision{
		{VariantID: "ghost", Action: allocation.ActionHold, TargetBudget: 10},
		{VariantID: "a", Action: allocation.ActionHold, TargetBudget: 500},
	}}
	sum, err := f.enqueuer.FromRecommendations(context.Background(), f.pool, f.variants, res, t0)
	assert.ErrorContains(t, err, "ghost")
	assert.Equal(t, 1, sum.Created, "other decisions are still queued")
}

func TestEnqueuer_RejectsInvalidRequests(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	_, _, err := f.enqueuer.Enqueue(ctx, EnqueueRequest{VariantID: "a", ChangeType: "EXPLODE"})
	assert.Error(t, err)
	_, _, err = f.enqueuer.Enqueue(ctx, EnqueueRequest{VariantID: "a", ChangeType: domain.ChangeBudgetSet, Value: -5})
	assert.Error(t, err)
}

func TestEnqueuer_OperatorActions(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	id, err := f.enqueuer.PauseVariant(ctx, "a", "alice")
	require.NoError(t, err)

	c, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangePause, c.ChangeType)
	assert.Equal(t, domain.SourceOperator, c.Source)

	records := f.audit.ForChange(id)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Actor)

	require.NoError(t, f.enqueuer.Cancel(ctx, id, "alice", ""))
	c, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, c.State)
	assert.Equal(t, "cancelled by operator", c.LastError)
	assert.Len(t, f.audit.ForChange(id), 2)

	assert.ErrorIs(t, f.enqueuer.Cancel(ctx, id, "alice", ""), ErrConflict)

	_, err = f.enqueuer.PauseVariant(ctx, "missing", "alice")
	assert.ErrorIs(t, err, pools.ErrNotFound)
}

func TestEnqueuer_OperatorCannotResurrectKilledVariant(t *testing.T) {
	f := setupEnqueuer(t)
	ctx := context.Background()

	repo := f.enqueuer.variants.(*pools.Repository)
	require.NoError(t, repo.SetStatus(ctx, "b", domain.VariantKilled))

	_, err := f.enqueuer.ResumeVariant(ctx, "b", "alice")
	assert.ErrorIs(t, err, ErrConflict)
}
