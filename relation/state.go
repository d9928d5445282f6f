package relation

import (
	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/txn"
)

// Event is a requested relationship transition.
type Event string

const (
	Follow   Event = "follow"
	Unfollow Event = "unfollow"
	Ban      Event = "ban"
	Unban    Event = "unban"
	Unfriend Event = "unfriend"
)

// Events lists every transition.
var Events = []Event{Follow, Unfollow, Ban, Unban, Unfriend}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case Follow, Unfollow, Ban, Unban, Unfriend:
		return true
	}
	return false
}

// Outcome is the result of an accepted transition.
type Outcome string

const (
	Followed       Outcome = "followed"
	BecameFriends  Outcome = "became_friends"
	Unfollowed     Outcome = "unfollowed"
	Banned         Outcome = "banned"
	Unbanned       Outcome = "unbanned"
	Unfriended     Outcome = "unfriended"
	AlreadyRemoved Outcome = "already_removed"
	// AlreadyUnbanned and AlreadyRemoved are idempotent no-ops: they commit
	// with zero writes.
	AlreadyUnbanned Outcome = "already_unbanned"
)

// NoOp reports whether o leaves the store untouched.
func (o Outcome) NoOp() bool {
	return o == AlreadyRemoved || o == AlreadyUnbanned
}

// Rejection is a refused transition.
type Rejection string

const (
	SelfReference     Rejection = "self_reference"
	TargetNotFound    Rejection = "target_not_found"
	AlreadyFriends    Rejection = "already_friends"
	AlreadyFollowing  Rejection = "already_following"
	BlockedByMe       Rejection = "blocked_by_me"
	BlockedByTarget   Rejection = "blocked_by_target"
	MustUnfriendFirst Rejection = "must_unfriend_first"
	AlreadyBanned     Rejection = "already_banned"
	UnknownEvent      Rejection = "unknown_event"
)

// Class groups rejections for callers.
type Class string

const (
	// ClassValidation rejections are decided before a transaction opens.
	ClassValidation Class = "validation"
	// ClassConflict rejections are decided on the locked state.
	ClassConflict Class = "conflict"
)

func (r Rejection) Class() Class {
	switch r {
	case SelfReference, TargetNotFound, UnknownEvent:
		return ClassValidation
	}
	return ClassConflict
}

// Blocked reports whether r is one of the ban-related refusals.
func (r Rejection) Blocked() bool {
	return r == BlockedByMe || r == BlockedByTarget
}

// Reason is the human readable text for r.
func (r Rejection) Reason() string {
	switch r {
	case SelfReference:
		return "cannot target yourself"
	case TargetNotFound:
		return "target account does not exist"
	case AlreadyFriends:
		return "you are already friends"
	case AlreadyFollowing:
		return "you already follow this account"
	case BlockedByMe:
		return "you have banned this account, unban it first"
	case BlockedByTarget:
		return "this account has banned you"
	case MustUnfriendFirst:
		return "you are friends, unfriend instead of unfollowing"
	case AlreadyBanned:
		return "you have already banned this account"
	case UnknownEvent:
		return "unknown relationship event"
	}
	return string(r)
}

// State is the pair's edge flags as seen from me, read under lock.
type State struct {
	Following  bool `json:"following"`   // follow me->target
	FollowedBy bool `json:"followed_by"` // follow target->me
	FriendOut  bool `json:"friend_out"`  // friend me->target
	FriendIn   bool `json:"friend_in"`   // friend target->me
	Banning    bool `json:"banning"`     // ban me->target
	BannedBy   bool `json:"banned_by"`   // ban target->me
}

// Friends reports whether either friend direction is active.
func (s State) Friends() bool { return s.FriendOut || s.FriendIn }

// Op is an edge mutation.
type Op int

const (
	Activate Op = iota
	Deactivate
)

func (o Op) String() string {
	if o == Activate {
		return "activate"
	}
	return "deactivate"
}

// Dir is an edge direction relative to the caller.
type Dir int

const (
	Out Dir = iota // me -> target
	In             // target -> me
)

// Write is one edge mutation computed by Decide.
type Write struct {
	Op   Op
	Kind model.EdgeKind
	Dir  Dir
}

// Key resolves w to a storage key for the pair.
func (w Write) Key(me, target int64) txn.Key {
	if w.Dir == In {
		me, target = target, me
	}
	return txn.Key{Kind: w.Kind, Owner: me, Target: target}
}

// Decision is the result of Decide: either a Rejection, or an Outcome
// with the writes that realise it.
type Decision struct {
	Outcome   Outcome
	Rejection Rejection
	Writes    []Write
}

// Rejected reports whether the transition was refused.
func (d Decision) Rejected() bool { return d.Rejection != "" }

func reject(r Rejection) Decision { return Decision{Rejection: r} }

// Decide computes the transition for ev on st. It has no side effects.
// An event outside Events is rejected with UnknownEvent.
func Decide(ev Event, me, target int64, st State) Decision {
	if me == target {
		return reject(SelfReference)
	}
	switch ev {
	case Follow:
		return decideFollow(st)
	case Unfollow:
		return decideUnfollow(st)
	case Ban:
		return decideBan(st)
	case Unban:
		return decideUnban(st)
	case Unfriend:
		return decideUnfriend(st)
	}
	return reject(UnknownEvent)
}

func decideFollow(st State) Decision {
	switch {
	case st.FriendOut:
		return reject(AlreadyFriends)
	case st.Following:
		return reject(AlreadyFollowing)
	case st.Banning:
		return reject(BlockedByMe)
	case st.BannedBy:
		return reject(BlockedByTarget)
	}
	writes := []Write{{Activate, model.EdgeFollow, Out}}
	if !st.FollowedBy {
		return Decision{Outcome: Followed, Writes: writes}
	}
	writes = append(writes,
		Write{Activate, model.EdgeFriend, Out},
		Write{Activate, model.EdgeFriend, In},
	)
	return Decision{Outcome: BecameFriends, Writes: writes}
}

func decideUnfollow(st State) Decision {
	if st.Friends() {
		return reject(MustUnfriendFirst)
	}
	if !st.Following {
		return Decision{Outcome: AlreadyRemoved}
	}
	return Decision{Outcome: Unfollowed, Writes: []Write{{Deactivate, model.EdgeFollow, Out}}}
}

func decideBan(st State) Decision {
	if st.Banning {
		return reject(AlreadyBanned)
	}
	var writes []Write
	writes = deactivateIf(writes, st.FriendOut, model.EdgeFriend, Out)
	writes = deactivateIf(writes, st.FriendIn, model.EdgeFriend, In)
	writes = deactivateIf(writes, st.Following, model.EdgeFollow, Out)
	writes = deactivateIf(writes, st.FollowedBy, model.EdgeFollow, In)
	writes = append(writes, Write{Activate, model.EdgeBan, Out})
	return Decision{Outcome: Banned, Writes: writes}
}

func decideUnban(st State) Decision {
	if !st.Banning {
		return Decision{Outcome: AlreadyUnbanned}
	}
	return Decision{Outcome: Unbanned, Writes: []Write{{Deactivate, model.EdgeBan, Out}}}
}

func decideUnfriend(st State) Decision {
	if !st.Friends() {
		return Decision{Outcome: AlreadyRemoved}
	}
	var writes []Write
	writes = deactivateIf(writes, st.FriendOut, model.EdgeFriend, Out)
	writes = deactivateIf(writes, st.FriendIn, model.EdgeFriend, In)
	writes = deactivateIf(writes, st.Following, model.EdgeFollow, Out)
	writes = deactivateIf(writes, st.FollowedBy, model.EdgeFollow, In)
	return Decision{Outcome: Unfriended, Writes: writes}
}

func deactivateIf(writes []Write, active bool, kind model.EdgeKind, dir Dir) []Write {
	if !active {
		return writes
	}
	return append(writes, Write{Deactivate, kind, dir})
}
