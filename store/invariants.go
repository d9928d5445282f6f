package store

import (
	"context"

	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/txn"
)

// InvariantReport counts active rows that break the relationship rules.
// A healthy store reports all zeros.
type InvariantReport struct {
	// friend a->b active without friend b->a active
	UnpairedFriends int64 `json:"unpaired_friends"`
	// friend a->b active while a follow direction is inactive
	FriendsWithoutFollow int64 `json:"friends_without_follow"`
	// friend a->b active while either side bans the other
	FriendsWhileBanned int64 `json:"friends_while_banned"`
	// follow a->b active while a bans b
	FollowsWhileBanning int64 `json:"follows_while_banning"`
	// any edge with owner = target
	SelfEdges int64 `json:"self_edges"`
}

// OK reports whether no violation was found.
func (r InvariantReport) OK() bool {
	return r == InvariantReport{}
}

const (
	activeEdge = "SELECT 1 FROM edges x WHERE x.kind = ? AND x.active = ? AND "
	forward    = "x.owner_id = e.owner_id AND x.target_id = e.target_id"
	reverse    = "x.owner_id = e.target_id AND x.target_id = e.owner_id"
)

// CheckInvariants scans the edges table for rows that violate the
// relationship rules. It reads without locks, so it may flag a pair that a
// concurrent transaction is halfway through; a real violation persists
// across runs.
func (s *EdgeStore) CheckInvariants(ctx context.Context) (InvariantReport, error) {
	var r InvariantReport
	friend, follow, ban := model.EdgeFriend, model.EdgeFollow, model.EdgeBan

	checks := []struct {
		dst   *int64
		where string
		args  []interface{}
	}{
		{
			&r.UnpairedFriends,
			"e.kind = ? AND e.active = ? AND NOT EXISTS (" + activeEdge + reverse + ")",
			[]interface{}{friend, true, friend, true},
		},
		{
			&r.FriendsWithoutFollow,
			"e.kind = ? AND e.active = ? AND (NOT EXISTS (" + activeEdge + forward + ") OR NOT EXISTS (" + activeEdge + reverse + "))",
			[]interface{}{friend, true, follow, true, follow, true},
		},
		{
			&r.FriendsWhileBanned,
			"e.kind = ? AND e.active = ? AND (EXISTS (" + activeEdge + forward + ") OR EXISTS (" + activeEdge + reverse + "))",
			[]interface{}{friend, true, ban, true, ban, true},
		},
		{
			&r.FollowsWhileBanning,
			"e.kind = ? AND e.active = ? AND EXISTS (" + activeEdge + forward + ")",
			[]interface{}{follow, true, ban, true},
		},
		{
			&r.SelfEdges,
			"e.owner_id = e.target_id",
			nil,
		},
	}

	db := s.db.WithContext(ctx)
	for _, c := range checks {
		err := db.Table("edges AS e").Where(c.where, c.args...).Count(c.dst).Error
		if err != nil {
			return InvariantReport{}, txn.Classify(err)
		}
	}
	return r, nil
}
