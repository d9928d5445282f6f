package relation

import (
	"context"
	"errors"

	"github.com/kasuganosora/friendgraph/store"
	"go.uber.org/zap"
)

// ErrInconsistent is returned by a sweep that found invariant violations.
var ErrInconsistent = errors.New("relation: edge invariants violated")

// InvariantChecker scans the store for rule violations.
type InvariantChecker interface {
	CheckInvariants(ctx context.Context) (store.InvariantReport, error)
}

// ConsistencySweep returns a scheduler task that checks the edge
// invariants and logs any violation it finds.
func ConsistencySweep(checker InvariantChecker, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		r, err := checker.CheckInvariants(ctx)
		if err != nil {
			return err
		}
		if r.OK() {
			logger.Debug("relation consistency sweep clean")
			return nil
		}
		logger.Warn("relation consistency sweep found violations",
			zap.Int64("unpaired_friends", r.UnpairedFriends),
			zap.Int64("friends_without_follow", r.FriendsWithoutFollow),
			zap.Int64("friends_while_banned", r.FriendsWhileBanned),
			zap.Int64("follows_while_banning", r.FollowsWhileBanning),
			zap.Int64("self_edges", r.SelfEdges))
		return ErrInconsistent
	}
}
