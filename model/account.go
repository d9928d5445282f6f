package model

import "time"

// Account status values.
const (
	AccountSuspended = 0
	AccountNormal    = 1
)

// Account is a registered user. Relationship edges reference accounts by ID.
type Account struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Nickname     string     `gorm:"size:64" json:"nickname"`
	Status       int        `gorm:"default:1" json:"status"` // 0=suspended 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
