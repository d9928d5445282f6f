package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
	dbadapter "github.com/kasuganosora/friendgraph/db"
	dbsqlite "github.com/kasuganosora/friendgraph/db/sqlite"
	"github.com/kasuganosora/friendgraph/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupSharedTestDBs opens n handles on one in-memory SQLite database and
// migrates it once. Each handle has its own connection, so transactions
// from different handles run side by side.
func SetupSharedTestDBs(t *testing.T, n int) []*gorm.DB {
	t.Helper()
	name := uuid.NewString()
	dbs := make([]*gorm.DB, 0, n)
	for i := 0; i < n; i++ {
		db, err := dbsqlite.OpenMemory(name)
		require.NoError(t, err, "SetupSharedTestDBs: Open")
		dbs = append(dbs, db)
	}
	require.NoError(t, model.AutoMigrate(dbs[0]), "SetupSharedTestDBs: AutoMigrate")
	t.Cleanup(func() {
		for i := len(dbs) - 1; i >= 0; i-- {
			if sqlDB, err := dbs[i].DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	})
	return dbs
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// CreateAccounts inserts n normal accounts and returns their IDs in order.
func CreateAccounts(t *testing.T, db *gorm.DB, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		acc := &model.Account{
			Username:     fmt.Sprintf("user%d", i+1),
			PasswordHash: "x",
			Status:       model.AccountNormal,
		}
		require.NoError(t, db.WithContext(context.Background()).Create(acc).Error, "CreateAccounts")
		ids = append(ids, acc.ID)
	}
	return ids
}
