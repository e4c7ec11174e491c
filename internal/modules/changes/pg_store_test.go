package changes

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
)

var changeColumnNames = []string{
	"id", "variant_id", "pool_id", "campaign_id", "change_type", "requested_value",
	"effective_value", "currency", "tick_window", "source", "state", "claim_owner", "claimed_at",
	"available_at", "attempts", "last_error", "platform_change_id", "started_at", "executed_at",
	"created_at", "updated_at", "claimed_from",
}

func claimedRow(id, owner string) []driver.Value {
	ms := database.ToMillis(t0)
	return []driver.Value{
		id, "v1", "p1", "camp-p1", "BUDGET_SET", 150.0,
		nil, "USD", int64(7), "allocator", "CLAIMED", owner, ms,
		ms, int64(1), nil, nil, nil, nil,
		ms, ms, "PENDING",
	}
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, testLog), mock
}

func TestPGStore_ClaimNextSkipsLockedRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE pending_changes\s+SET state = 'CLAIMED', claim_owner = \$1`).
		WithArgs("w1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), 5,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows(changeColumnNames).AddRow(claimedRow("c1", "w1")...))

	c, err := store.ClaimNext(context.Background(), opts("w1", t0))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, domain.StateClaimed, c.State)
	assert.Equal(t, "w1", c.ClaimOwner)
	assert.Nil(t, c.EffectiveValue)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ClaimNextQueryUsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(changeColumnNames))

	c, err := store.ClaimNext(context.Background(), opts("w1", t0))
	require.NoError(t, err)
	assert.Nil(t, c, "an empty queue is not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_EnqueueDuplicateReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`(?s)INSERT INTO pending_changes .* ON CONFLICT \(variant_id, change_type, tick_window\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM pending_changes\s+WHERE variant_id = \$1 AND change_type = \$2 AND tick_window = \$3`).
		WithArgs("v1", "BUDGET_SET", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing"))

	id, created, err := store.Enqueue(context.Background(), newChange("fresh", "v1", 7, t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_BeginExecutionRateLimited(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`SET state = 'EXECUTING'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .* FROM pending_changes WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(changeColumnNames).AddRow(claimedRow("c1", "w1")...))

	err := store.BeginExecution(context.Background(), "c1", "w1", nil, RateLimit{Actions: 15, Window: time.Hour}, t0)
	assert.ErrorIs(t, err, ErrRateLimited)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ReleaseLostClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`SET state = 'PENDING'`).
		WithArgs(sqlmock.AnyArg(), "rate limited", sqlmock.AnyArg(), "c1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Release(context.Background(), "c1", "w1", "rate limited", t0, t0)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
