package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/txn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Side selects which end of an edge the account is on.
type Side int

const (
	// Outgoing lists targets of edges the account owns.
	Outgoing Side = iota
	// Incoming lists owners of edges pointing at the account.
	Incoming
)

// EdgeStore persists Follow, Ban and Friend edges in the edges table.
// Mutations require a transaction that holds the edge's key.
type EdgeStore struct {
	db *gorm.DB
}

// NewEdgeStore creates an EdgeStore.
func NewEdgeStore(db *gorm.DB) *EdgeStore {
	return &EdgeStore{db: db}
}

func whereKey(db *gorm.DB, k txn.Key) *gorm.DB {
	return db.Where("kind = ? AND owner_id = ? AND target_id = ?", k.Kind, k.Owner, k.Target)
}

func requireHeld(t *txn.Txn, k txn.Key) error {
	if !t.Holds(k) {
		return fmt.Errorf("%w: %s", txn.ErrNotLocked, k)
	}
	return nil
}

// GetForUpdate reads the row for k inside t, taking the row lock where the
// database supports it. Absent rows take no gap lock because MySQL edge
// transactions run at READ COMMITTED (see txn.TxOptions). It returns nil if
// the row does not exist and never creates one.
func (s *EdgeStore) GetForUpdate(ctx context.Context, t *txn.Txn, k txn.Key) (*model.Edge, error) {
	if err := requireHeld(t, k); err != nil {
		return nil, err
	}
	var e model.Edge
	err := whereKey(t.DB().WithContext(ctx), k).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, txn.Classify(err)
	}
	return &e, nil
}

// UpsertActive marks the row for k active, creating it if needed.
func (s *EdgeStore) UpsertActive(ctx context.Context, t *txn.Txn, k txn.Key) error {
	if err := requireHeld(t, k); err != nil {
		return err
	}
	e := model.Edge{Kind: k.Kind, OwnerID: k.Owner, TargetID: k.Target, Active: true}
	err := t.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "owner_id"}, {Name: "target_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"active":     true,
			"updated_at": time.Now(),
		}),
	}).Create(&e).Error
	return txn.Classify(err)
}

// SoftDelete marks the row for k inactive. It reports whether an active
// row was changed; an absent or already inactive row is left alone.
func (s *EdgeStore) SoftDelete(ctx context.Context, t *txn.Txn, k txn.Key) (bool, error) {
	if err := requireHeld(t, k); err != nil {
		return false, err
	}
	res := whereKey(t.DB().WithContext(ctx).Model(&model.Edge{}), k).
		Where("active = ?", true).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return false, txn.Classify(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get reads the row for k without locking. It returns nil if absent.
func (s *EdgeStore) Get(ctx context.Context, k txn.Key) (*model.Edge, error) {
	var e model.Edge
	err := whereKey(s.db.WithContext(ctx), k).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, txn.Classify(err)
	}
	return &e, nil
}

// ListActive returns the peers of accountID over active edges of kind.
// It takes no locks and may miss writes of in-flight transactions.
func (s *EdgeStore) ListActive(ctx context.Context, kind model.EdgeKind, side Side, accountID int64) ([]int64, error) {
	self, peer := "owner_id", "target_id"
	if side == Incoming {
		self, peer = peer, self
	}
	ids := []int64{}
	err := s.db.WithContext(ctx).Model(&model.Edge{}).
		Where("kind = ? AND "+self+" = ? AND active = ?", kind, accountID, true).
		Order(peer).
		Pluck(peer, &ids).Error
	if err != nil {
		return nil, txn.Classify(err)
	}
	return ids, nil
}

// CountActive returns the number of active rows per kind.
func (s *EdgeStore) CountActive(ctx context.Context) (map[model.EdgeKind]int64, error) {
	var rows []struct {
		Kind model.EdgeKind
		N    int64
	}
	err := s.db.WithContext(ctx).Model(&model.Edge{}).
		Select("kind, COUNT(*) AS n").
		Where("active = ?", true).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, txn.Classify(err)
	}
	out := make(map[model.EdgeKind]int64, len(model.EdgeKinds))
	for _, k := range model.EdgeKinds {
		out[k] = 0
	}
	for _, r := range rows {
		out[r.Kind] = r.N
	}
	return out, nil
}
