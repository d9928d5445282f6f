package relation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/store"
	"github.com/kasuganosora/friendgraph/txn"
	"go.uber.org/zap"
)

// ErrUnknownEvent is returned by Apply for an event outside Events.
var ErrUnknownEvent = errors.New("relation: unknown event")

// EdgeStore is the edge persistence the service needs.
type EdgeStore interface {
	GetForUpdate(ctx context.Context, t *txn.Txn, k txn.Key) (*model.Edge, error)
	UpsertActive(ctx context.Context, t *txn.Txn, k txn.Key) error
	SoftDelete(ctx context.Context, t *txn.Txn, k txn.Key) (bool, error)
	Get(ctx context.Context, k txn.Key) (*model.Edge, error)
	ListActive(ctx context.Context, kind model.EdgeKind, side store.Side, accountID int64) ([]int64, error)
}

// AccountDirectory answers whether an account exists.
type AccountDirectory interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Result is the answer to one relationship request. Exactly one of Outcome
// and Rejection is set.
type Result struct {
	Event     Event     `json:"event"`
	Me        int64     `json:"me"`
	Target    int64     `json:"target"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Rejection Rejection `json:"rejection,omitempty"`
	Writes    int       `json:"writes"`
}

// OK reports whether the request was accepted.
func (r Result) OK() bool { return r.Rejection == "" }

// Service applies relationship transitions, one transaction per request.
type Service struct {
	coord    *txn.Coordinator
	edges    EdgeStore
	accounts AccountDirectory
	notifier Notifier
	metrics  *Metrics
	logger   *zap.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(coord *txn.Coordinator, edges EdgeStore, accounts AccountDirectory, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{coord: coord, edges: edges, accounts: accounts, notifier: notifier, logger: logger}
}

// SetMetrics enables result counting.
func (s *Service) SetMetrics(m *Metrics) { s.metrics = m }

func (s *Service) Follow(ctx context.Context, me, target int64) (Result, error) {
	return s.Apply(ctx, Follow, me, target)
}

func (s *Service) Unfollow(ctx context.Context, me, target int64) (Result, error) {
	return s.Apply(ctx, Unfollow, me, target)
}

func (s *Service) Ban(ctx context.Context, me, target int64) (Result, error) {
	return s.Apply(ctx, Ban, me, target)
}

func (s *Service) Unban(ctx context.Context, me, target int64) (Result, error) {
	return s.Apply(ctx, Unban, me, target)
}

func (s *Service) Unfriend(ctx context.Context, me, target int64) (Result, error) {
	return s.Apply(ctx, Unfriend, me, target)
}

// Apply runs ev for (me, target). Rejections are reported in the Result;
// the returned error is non-nil only for txn.ErrContention (retry is safe)
// and txn.ErrStorage. Either way nothing is partially applied.
func (s *Service) Apply(ctx context.Context, ev Event, me, target int64) (Result, error) {
	res := Result{Event: ev, Me: me, Target: target}
	if !ev.Valid() {
		return res, fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
	}
	if me == target {
		res.Rejection = SelfReference
		s.record(ctx, res)
		return res, nil
	}
	if me <= 0 || target <= 0 {
		res.Rejection = TargetNotFound
		s.record(ctx, res)
		return res, nil
	}
	ok, err := s.accounts.Exists(ctx, target)
	if err != nil {
		return res, fmt.Errorf("relation: check target %d: %w", target, err)
	}
	if !ok {
		res.Rejection = TargetNotFound
		s.record(ctx, res)
		return res, nil
	}

	d, err := s.transact(ctx, ev, me, target)
	if err != nil {
		s.logger.Warn("relation transaction failed",
			zap.String("event", string(ev)), zap.Int64("me", me), zap.Int64("target", target), zap.Error(err))
		return res, err
	}
	res.Outcome, res.Rejection, res.Writes = d.Outcome, d.Rejection, len(d.Writes)

	s.logger.Debug("relation decided",
		zap.String("event", string(ev)), zap.Int64("me", me), zap.Int64("target", target),
		zap.String("outcome", string(d.Outcome)), zap.String("rejection", string(d.Rejection)),
		zap.Int("writes", len(d.Writes)))
	s.record(ctx, res)
	if res.OK() {
		s.notifier.Notify(ctx, res)
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, res Result) {
	if s.metrics != nil {
		s.metrics.Record(ctx, res)
	}
}

// transact is one locked read-decide-write cycle. A rejection commits
// with no writes.
func (s *Service) transact(ctx context.Context, ev Event, me, target int64) (Decision, error) {
	var d Decision
	err := s.coord.Run(ctx, func(t *txn.Txn) error {
		keys := txn.PairKeys(me, target)
		if err := t.Lock(ctx, keys...); err != nil {
			return err
		}
		st, err := s.readState(ctx, t, me, target, keys)
		if err != nil {
			return err
		}
		d = Decide(ev, me, target, st)
		for _, w := range d.Writes {
			if err := s.write(ctx, t, w.Key(me, target), w.Op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// readState loads the pair's six edges in canonical order.
func (s *Service) readState(ctx context.Context, t *txn.Txn, me, target int64, keys []txn.Key) (State, error) {
	var st State
	for _, k := range keys {
		e, err := s.edges.GetForUpdate(ctx, t, k)
		if err != nil {
			return State{}, err
		}
		if e == nil || !e.Active {
			continue
		}
		out := k.Owner == me
		switch k.Kind {
		case model.EdgeFollow:
			if out {
				st.Following = true
			} else {
				st.FollowedBy = true
			}
		case model.EdgeFriend:
			if out {
				st.FriendOut = true
			} else {
				st.FriendIn = true
			}
		case model.EdgeBan:
			if out {
				st.Banning = true
			} else {
				st.BannedBy = true
			}
		}
	}
	return st, nil
}

func (s *Service) write(ctx context.Context, t *txn.Txn, k txn.Key, op Op) error {
	if op == Activate {
		return s.edges.UpsertActive(ctx, t, k)
	}
	_, err := s.edges.SoftDelete(ctx, t, k)
	return err
}

// Status reads the pair state from me's side without locking.
func (s *Service) Status(ctx context.Context, me, target int64) (State, error) {
	var st State
	flags := []struct {
		dst  *bool
		kind model.EdgeKind
		out  bool
	}{
		{&st.Following, model.EdgeFollow, true},
		{&st.FollowedBy, model.EdgeFollow, false},
		{&st.FriendOut, model.EdgeFriend, true},
		{&st.FriendIn, model.EdgeFriend, false},
		{&st.Banning, model.EdgeBan, true},
		{&st.BannedBy, model.EdgeBan, false},
	}
	for _, f := range flags {
		k := txn.Key{Kind: f.kind, Owner: me, Target: target}
		if !f.out {
			k.Owner, k.Target = target, me
		}
		e, err := s.edges.Get(ctx, k)
		if err != nil {
			return State{}, err
		}
		*f.dst = e != nil && e.Active
	}
	return st, nil
}

// ListFriends returns the accounts me is friends with.
func (s *Service) ListFriends(ctx context.Context, me int64) ([]int64, error) {
	return s.edges.ListActive(ctx, model.EdgeFriend, store.Outgoing, me)
}

// ListFollows returns the accounts me follows.
func (s *Service) ListFollows(ctx context.Context, me int64) ([]int64, error) {
	return s.edges.ListActive(ctx, model.EdgeFollow, store.Outgoing, me)
}

// ListFans returns the accounts that follow me.
func (s *Service) ListFans(ctx context.Context, me int64) ([]int64, error) {
	return s.edges.ListActive(ctx, model.EdgeFollow, store.Incoming, me)
}

// ListBans returns the accounts me has banned.
func (s *Service) ListBans(ctx context.Context, me int64) ([]int64, error) {
	return s.edges.ListActive(ctx, model.EdgeBan, store.Outgoing, me)
}
