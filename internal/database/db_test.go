package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildConnectionString(t *testing.T) {
	ledger := buildConnectionString("/tmp/x.db", ProfileLedger)
	assert.Contains(t, ledger, "journal_mode(WAL)")
	assert.Contains(t, ledger, "synchronous(FULL)")
	assert.Contains(t, ledger, "busy_timeout(5000)")

	standard := buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, standard, "synchronous(NORMAL)")
	assert.Contains(t, standard, "foreign_keys(1)")
}

func TestMigrate_IsRepeatable(t *testing.T) {
	db := newFileDB(t, NameCore, ProfileStandard)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	for _, table := range []string{"pools", "variants", "feedback_events", "budget_history", "allocation_history", "pending_changes", "work_completions"} {
		var name string
		err := db.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newFileDB(t, "scratch", ProfileStandard)
	assert.NoError(t, db.Migrate())
}

func TestLedgerIsAppendOnly(t *testing.T) {
	db := newFileDB(t, NameLedger, ProfileLedger)
	require.NoError(t, db.Migrate())

	_, err := db.Conn().Exec(`INSERT INTO audit_records
		(id, change_id, seq, variant_id, pool_id, from_state, to_state, created_at, prev_hash, hash)
		VALUES ('a1', 'c1', 1, 'v1', 'p1', '', 'PENDING', 1, '', 'h1')`)
	require.NoError(t, err)

	_, err = db.Conn().Exec(`UPDATE audit_records SET note = 'edited' WHERE id = 'a1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.Conn().Exec(`DELETE FROM audit_records WHERE id = 'a1'`)
	require.Error(t, err)
}

func TestWithTransaction(t *testing.T) {
	db := newFileDB(t, "tx", ProfileStandard)
	_, err := db.Conn().Exec(`CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t VALUES (1)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t VALUES (2)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec(`INSERT INTO t VALUES (3)`)
		panic("bad")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)

	assert.Error(t, WithTransaction(nil, func(*sql.Tx) error { return nil }))
}

func TestHealthAndMaintenance(t *testing.T) {
	db := newFileDB(t, NameCore, ProfileStandard)
	require.NoError(t, db.Migrate())

	ctx := context.Background()
	assert.NoError(t, db.HealthCheck(ctx))
	assert.NoError(t, db.QuickCheck(ctx))
	assert.NoError(t, db.WALCheckpoint(ctx, ""))
	assert.Error(t, db.WALCheckpoint(ctx, "DROP"))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}

func TestBackupTo(t *testing.T) {
	db := newFileDB(t, NameCore, ProfileStandard)
	require.NoError(t, db.Migrate())
	ctx := context.Background()

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.BackupTo(ctx, dest))
	assert.FileExists(t, dest)

	copyDB, err := New(Config{Path: dest, Name: NameCore})
	require.NoError(t, err)
	defer copyDB.Close()
	var n int
	require.NoError(t, copyDB.Conn().QueryRow(`SELECT COUNT(*) FROM pools`).Scan(&n))
	assert.Equal(t, 0, n)

	assert.Error(t, db.BackupTo(ctx, dest), "existing destination")
}

func TestMillisConversion(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(ToMillis(now)))

	assert.False(t, NullMillis(nil).Valid)
	assert.Nil(t, TimePtr(sql.NullInt64{}))

	ptr := TimePtr(NullMillis(&now))
	require.NotNil(t, ptr)
	assert.True(t, now.Equal(*ptr))
}
