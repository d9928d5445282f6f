package model

import "time"

// EdgeKind names one of the three directed relationship tables.
type EdgeKind string

const (
	EdgeFollow EdgeKind = "follow"
	EdgeBan    EdgeKind = "ban"
	EdgeFriend EdgeKind = "friend"
)

// EdgeKinds lists every kind in canonical lock order.
var EdgeKinds = []EdgeKind{EdgeFollow, EdgeBan, EdgeFriend}

// Valid reports whether k is a known kind.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeFollow, EdgeBan, EdgeFriend:
		return true
	}
	return false
}

// Rank is the position of k in EdgeKinds.
func (k EdgeKind) Rank() int {
	switch k {
	case EdgeFollow:
		return 0
	case EdgeBan:
		return 1
	case EdgeFriend:
		return 2
	}
	return -1
}

// Edge is a directed relationship OwnerID -> TargetID of a given Kind.
// There is at most one row per (Kind, OwnerID, TargetID); removal clears
// Active instead of deleting the row, and re-creation sets it again.
type Edge struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind      EdgeKind  `gorm:"size:8;not null;uniqueIndex:idx_edge_key,priority:1;index:idx_edge_incoming,priority:1" json:"kind"`
	OwnerID   int64     `gorm:"not null;uniqueIndex:idx_edge_key,priority:2" json:"owner_id"`
	TargetID  int64     `gorm:"not null;uniqueIndex:idx_edge_key,priority:3;index:idx_edge_incoming,priority:2" json:"target_id"`
	Active    bool      `gorm:"not null;index:idx_edge_incoming,priority:3" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
