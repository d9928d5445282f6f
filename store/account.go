package store

import (
	"context"

	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/txn"
	"gorm.io/gorm"
)

// Accounts answers existence checks for relationship targets.
type Accounts struct {
	db *gorm.DB
}

// NewAccounts creates an Accounts directory.
func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// Exists reports whether an account with id is registered.
func (a *Accounts) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Count(&n).Error
	if err != nil {
		return false, txn.Classify(err)
	}
	return n > 0, nil
}
