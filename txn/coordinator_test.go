package txn_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/testutil"
	"github.com/kasuganosora/friendgraph/txn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newCoordinator(t *testing.T, locker txn.Locker, wait time.Duration) (*txn.Coordinator, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cfg := txn.Config{LockWait: wait, LockTTL: time.Minute, PollInterval: time.Millisecond}
	return txn.NewCoordinator(db, locker, cfg, zap.NewNop()), db
}

func newLocker(t *testing.T) txn.Locker {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	return txn.NewCacheLocker(c)
}

func countEdges(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Edge{}).Count(&n).Error)
	return n
}

func TestRun_CommitAndRollback(t *testing.T) {
	coord, db := newCoordinator(t, newLocker(t), time.Second)
	ctx := context.Background()

	err := coord.Run(ctx, func(tx *txn.Txn) error {
		return tx.DB().Create(&model.Edge{Kind: model.EdgeFollow, OwnerID: 1, TargetID: 2, Active: true}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), countEdges(t, db))

	boom := errors.New("boom")
	err = coord.Run(ctx, func(tx *txn.Txn) error {
		require.NoError(t, tx.DB().Create(&model.Edge{Kind: model.EdgeBan, OwnerID: 1, TargetID: 2, Active: true}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), countEdges(t, db), "rolled back write must not persist")

	st := coord.Stats()
	assert.Equal(t, int64(2), st.Begun)
	assert.Equal(t, int64(1), st.Committed)
	assert.Equal(t, int64(1), st.RolledBack)
}

func TestTxn_LockOrderEnforced(t *testing.T) {
	coord, _ := newCoordinator(t, newLocker(t), time.Second)
	ctx := context.Background()

	tx, err := coord.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	keys := txn.PairKeys(1, 2)
	require.NoError(t, tx.Lock(ctx, keys[3]))
	err = tx.Lock(ctx, keys[0])
	assert.ErrorIs(t, err, txn.ErrLockOrder)

	// Re-locking a held key and moving forward are fine.
	require.NoError(t, tx.Lock(ctx, keys[3], keys[4], keys[5]))
	assert.True(t, tx.Holds(keys[5]))
	assert.False(t, tx.Holds(keys[0]))
}

func TestTxn_LockBatchIsSortedFirst(t *testing.T) {
	coord, _ := newCoordinator(t, newLocker(t), time.Second)
	ctx := context.Background()

	tx, err := coord.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	keys := txn.PairKeys(8, 3)
	reversed := make([]txn.Key, len(keys))
	for i, k := range keys {
		reversed[len(keys)-1-i] = k
	}
	require.NoError(t, tx.Lock(ctx, reversed...))
	for _, k := range keys {
		assert.True(t, tx.Holds(k))
	}
}

func TestTxn_ContentionAndRelease(t *testing.T) {
	// Two databases share one locker: lock contention without competing
	// for the single SQLite connection.
	locker := newLocker(t)
	coordA, _ := newCoordinator(t, locker, time.Second)
	coordB, _ := newCoordinator(t, locker, 20*time.Millisecond)
	ctx := context.Background()
	key := txn.PairKeys(1, 2)[0]

	a, err := coordA.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Lock(ctx, key))

	b, err := coordB.Begin(ctx)
	require.NoError(t, err)
	err = b.Lock(ctx, key)
	assert.ErrorIs(t, err, txn.ErrContention)
	require.NoError(t, b.Rollback())
	assert.Equal(t, int64(1), coordB.Stats().Contended)

	require.NoError(t, a.Commit())

	c, err := coordB.Begin(ctx)
	require.NoError(t, err)
	defer c.Rollback()
	assert.NoError(t, c.Lock(ctx, key), "commit must release the lock")
}

func TestTxn_WaiterAcquiresAfterHolderFinishes(t *testing.T) {
	locker := newLocker(t)
	coordA, _ := newCoordinator(t, locker, time.Second)
	coordB, _ := newCoordinator(t, locker, 2*time.Second)
	ctx := context.Background()
	key := txn.PairKeys(4, 5)[2]

	a, err := coordA.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Lock(ctx, key))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = a.Rollback()
	}()

	b, err := coordB.Begin(ctx)
	require.NoError(t, err)
	defer b.Rollback()
	start := time.Now()
	require.NoError(t, b.Lock(ctx, key))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTxn_CancelledContextIsContention(t *testing.T) {
	locker := newLocker(t)
	coordA, _ := newCoordinator(t, locker, time.Second)
	coordB, _ := newCoordinator(t, locker, time.Minute)
	key := txn.PairKeys(1, 3)[0]

	a, err := coordA.Begin(context.Background())
	require.NoError(t, err)
	defer a.Rollback()
	require.NoError(t, a.Lock(context.Background(), key))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b, err := coordB.Begin(context.Background())
	require.NoError(t, err)
	defer b.Rollback()
	err = b.Lock(ctx, key)
	assert.ErrorIs(t, err, txn.ErrContention)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTxn_CommitAfterLeaseExpiredRollsBack(t *testing.T) {
	locker := newLocker(t)
	db := testutil.SetupTestDB(t)
	coord := txn.NewCoordinator(db, locker,
		txn.Config{LockWait: time.Second, LockTTL: 20 * time.Millisecond, PollInterval: time.Millisecond}, zap.NewNop())
	ctx := context.Background()
	key := txn.PairKeys(1, 2)[0]

	a, err := coord.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Lock(ctx, key))
	require.NoError(t, a.DB().Create(&model.Edge{Kind: key.Kind, OwnerID: key.Owner, TargetID: key.Target, Active: true}).Error)

	time.Sleep(50 * time.Millisecond)
	ok, err := locker.TryLock(ctx, key.String(), "second-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is free to take")

	err = a.Commit()
	assert.ErrorIs(t, err, txn.ErrContention)
	assert.Zero(t, countEdges(t, db), "writes under a lost lease must not persist")

	held, err := locker.Held(ctx, key.String(), "second-holder")
	require.NoError(t, err)
	assert.True(t, held, "the loser must not release the new holder's lock")
	assert.Equal(t, int64(1), coord.Stats().RolledBack)
	assert.Zero(t, coord.Stats().Committed)
}

func TestTxn_CommitAfterLeaseExpiredUnclaimed(t *testing.T) {
	locker := newLocker(t)
	db := testutil.SetupTestDB(t)
	coord := txn.NewCoordinator(db, locker,
		txn.Config{LockWait: time.Second, LockTTL: 20 * time.Millisecond, PollInterval: time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	a, err := coord.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Lock(ctx, txn.PairKeys(1, 2)...))
	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, a.Commit(), txn.ErrContention)
}

func TestTxn_FinishedTransaction(t *testing.T) {
	coord, _ := newCoordinator(t, newLocker(t), time.Second)
	ctx := context.Background()

	tx, err := coord.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
	assert.ErrorIs(t, tx.Commit(), txn.ErrDone)
	assert.ErrorIs(t, tx.Lock(ctx, txn.PairKeys(1, 2)...), txn.ErrDone)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, txn.Classify(nil))

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"mysql lock wait", &gomysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, txn.ErrContention},
		{"mysql deadlock", &gomysql.MySQLError{Number: 1213, Message: "Deadlock found"}, txn.ErrContention},
		{"mysql other", &gomysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}, txn.ErrStorage},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, txn.ErrContention},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, txn.ErrContention},
		{"sqlite io", sqlite3.Error{Code: sqlite3.ErrIoErr}, txn.ErrStorage},
		{"deadline", context.DeadlineExceeded, txn.ErrContention},
		{"generic", errors.New("connection refused"), txn.ErrStorage},
		{"already classified", txn.ErrLockOrder, txn.ErrLockOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := txn.Classify(tc.err)
			assert.ErrorIs(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestTxOptions(t *testing.T) {
	opts := txn.TxOptions("mysql")
	require.Len(t, opts, 1)
	assert.Equal(t, sql.LevelReadCommitted, opts[0].Isolation)
	assert.False(t, opts[0].ReadOnly)

	assert.Empty(t, txn.TxOptions("sqlite"))
}

func TestBegin_SQLiteIgnoresIsolation(t *testing.T) {
	coord, db := newCoordinator(t, newLocker(t), time.Second)
	require.Equal(t, "sqlite", db.Dialector.Name())
	require.NoError(t, coord.Run(context.Background(), func(tx *txn.Txn) error {
		return tx.DB().Create(&model.Edge{Kind: model.EdgeFollow, OwnerID: 3, TargetID: 4, Active: true}).Error
	}))
	assert.Equal(t, int64(1), countEdges(t, db))
}
