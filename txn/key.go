package txn

import (
	"fmt"
	"sort"

	"github.com/kasuganosora/friendgraph/model"
)

// Key identifies one directed edge row. It is the unit of locking.
type Key struct {
	Kind   model.EdgeKind
	Owner  int64
	Target int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%d", k.Kind, k.Owner, k.Target)
}

func (k Key) pair() (lo, hi int64) {
	if k.Owner < k.Target {
		return k.Owner, k.Target
	}
	return k.Target, k.Owner
}

// Less is the canonical lock order: by ascending account pair, then
// smaller-id-first edges before larger-id-first edges, then by kind.
// Every transaction acquires locks in this order, so no two can wait
// on each other in a cycle.
func Less(a, b Key) bool {
	alo, ahi := a.pair()
	blo, bhi := b.pair()
	if alo != blo {
		return alo < blo
	}
	if ahi != bhi {
		return ahi < bhi
	}
	aFwd, bFwd := a.Owner == alo, b.Owner == blo
	if aFwd != bFwd {
		return aFwd
	}
	return a.Kind.Rank() < b.Kind.Rank()
}

// Canonical returns a sorted, de-duplicated copy of keys.
func Canonical(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// PairKeys returns every edge key between a and b, both directions and
// all kinds, in canonical order. The result does not depend on argument
// order.
func PairKeys(a, b int64) []Key {
	keys := make([]Key, 0, 2*len(model.EdgeKinds))
	for _, kind := range model.EdgeKinds {
		keys = append(keys, Key{Kind: kind, Owner: a, Target: b}, Key{Kind: kind, Owner: b, Target: a})
	}
	return Canonical(keys)
}
