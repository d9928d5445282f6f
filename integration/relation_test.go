package integration

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireStrangers asserts that neither account appears in any of the
// other's friend, follow or fan lists.
func requireStrangers(t *testing.T, ts *TestServer, a, b User) {
	t.Helper()
	for _, list := range []string{"friends", "follows", "fans"} {
		assert.NotContains(t, ts.List(t, a, list), b.ID, "%d %s", a.ID, list)
		assert.NotContains(t, ts.List(t, b, list), a.ID, "%d %s", b.ID, list)
	}
}

func requireFriends(t *testing.T, ts *TestServer, a, b User) {
	t.Helper()
	assert.Contains(t, ts.List(t, a, "friends"), b.ID)
	assert.Contains(t, ts.List(t, b, "friends"), a.ID)
}

func requireOK(t *testing.T, r RelationResponse, outcome relation.Outcome) {
	t.Helper()
	require.Equal(t, http.StatusOK, r.Status, "%+v", r)
	assert.Equal(t, string(outcome), r.Outcome)
}

func requireRejected(t *testing.T, r RelationResponse, code relation.Rejection) {
	t.Helper()
	require.NotEqual(t, http.StatusOK, r.Status, "%+v", r)
	assert.Equal(t, string(code), r.Code)
	assert.NotEmpty(t, r.Error)
}

func TestFriendUnfriendCycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b := ts.NewUser(t, "a"), ts.NewUser(t, "b")

	// Become friends.
	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, b, relation.Follow, a.ID), relation.BecameFriends)
	requireFriends(t, ts, a, b)

	// A unfriends.
	requireOK(t, ts.Do(t, a, relation.Unfriend, b.ID), relation.Unfriended)
	requireStrangers(t, ts, a, b)

	// Friends again.
	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, b, relation.Follow, a.ID), relation.BecameFriends)
	requireFriends(t, ts, a, b)

	// B unfriends.
	requireOK(t, ts.Do(t, b, relation.Unfriend, a.ID), relation.Unfriended)
	requireStrangers(t, ts, a, b)

	// Unfriending strangers is a no-op.
	requireOK(t, ts.Do(t, b, relation.Unfriend, a.ID), relation.AlreadyRemoved)
}

func TestBanLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b := ts.NewUser(t, "a"), ts.NewUser(t, "b")

	// One-sided ban blocks both directions.
	requireOK(t, ts.Do(t, a, relation.Ban, b.ID), relation.Banned)
	requireRejected(t, ts.Do(t, a, relation.Follow, b.ID), relation.BlockedByMe)
	requireRejected(t, ts.Do(t, b, relation.Follow, a.ID), relation.BlockedByTarget)

	// Mutual ban: each side is told about its own ban first.
	requireOK(t, ts.Do(t, b, relation.Ban, a.ID), relation.Banned)
	requireRejected(t, ts.Do(t, a, relation.Follow, b.ID), relation.BlockedByMe)
	requireRejected(t, ts.Do(t, b, relation.Follow, a.ID), relation.BlockedByMe)

	// One side lifts its ban; the other still blocks.
	requireOK(t, ts.Do(t, a, relation.Unban, b.ID), relation.Unbanned)
	requireRejected(t, ts.Do(t, a, relation.Follow, b.ID), relation.BlockedByTarget)
	requireRejected(t, ts.Do(t, b, relation.Follow, a.ID), relation.BlockedByMe)

	// Both lifted: they can become friends.
	requireOK(t, ts.Do(t, b, relation.Unban, a.ID), relation.Unbanned)
	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, b, relation.Follow, a.ID), relation.BecameFriends)
	requireFriends(t, ts, a, b)

	// A ban from either side makes them strangers.
	requireOK(t, ts.Do(t, a, relation.Ban, b.ID), relation.Banned)
	requireStrangers(t, ts, a, b)
	assert.Equal(t, []int64{b.ID}, ts.List(t, a, "bans"))
	assert.Empty(t, ts.List(t, b, "bans"))
}

func TestBanAfterOneSidedFollow(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b := ts.NewUser(t, "a"), ts.NewUser(t, "b")

	// A follows B, then A bans B.
	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, a, relation.Ban, b.ID), relation.Banned)
	requireStrangers(t, ts, a, b)

	// A lifts the ban and follows again, then B bans A.
	requireOK(t, ts.Do(t, a, relation.Unban, b.ID), relation.Unbanned)
	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, b, relation.Ban, a.ID), relation.Banned)
	requireStrangers(t, ts, a, b)
}

func TestFollowRejections(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b := ts.NewUser(t, "a"), ts.NewUser(t, "b")

	r := ts.Do(t, a, relation.Follow, a.ID)
	assert.Equal(t, http.StatusBadRequest, r.Status)
	assert.Equal(t, string(relation.SelfReference), r.Code)

	r = ts.Do(t, a, relation.Follow, b.ID+1000)
	assert.Equal(t, http.StatusNotFound, r.Status)
	assert.Equal(t, string(relation.TargetNotFound), r.Code)

	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	r = ts.Do(t, a, relation.Follow, b.ID)
	assert.Equal(t, http.StatusConflict, r.Status)
	assert.Equal(t, string(relation.AlreadyFollowing), r.Code)

	requireOK(t, ts.Do(t, b, relation.Follow, a.ID), relation.BecameFriends)
	requireRejected(t, ts.Do(t, a, relation.Follow, b.ID), relation.AlreadyFriends)
	requireRejected(t, ts.Do(t, a, relation.Unfollow, b.ID), relation.MustUnfriendFirst)

	requireOK(t, ts.Do(t, a, relation.Ban, b.ID), relation.Banned)
	requireRejected(t, ts.Do(t, a, relation.Ban, b.ID), relation.AlreadyBanned)
}

func TestFollowUnfollowLists(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b, c := ts.NewUser(t, "a"), ts.NewUser(t, "b"), ts.NewUser(t, "c")

	requireOK(t, ts.Do(t, a, relation.Follow, b.ID), relation.Followed)
	requireOK(t, ts.Do(t, a, relation.Follow, c.ID), relation.Followed)
	requireOK(t, ts.Do(t, c, relation.Follow, b.ID), relation.Followed)

	assert.ElementsMatch(t, []int64{b.ID, c.ID}, ts.List(t, a, "follows"))
	assert.ElementsMatch(t, []int64{a.ID, c.ID}, ts.List(t, b, "fans"))
	assert.Empty(t, ts.List(t, a, "friends"))

	requireOK(t, ts.Do(t, a, relation.Unfollow, b.ID), relation.Unfollowed)
	requireOK(t, ts.Do(t, a, relation.Unfollow, b.ID), relation.AlreadyRemoved)
	assert.Equal(t, []int64{c.ID}, ts.List(t, a, "follows"))
	assert.Equal(t, []int64{c.ID}, ts.List(t, b, "fans"))
}

func TestConcurrentMutualFollowOverHTTP(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b := ts.NewUser(t, "a"), ts.NewUser(t, "b")

	var wg sync.WaitGroup
	results := make([]RelationResponse, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = ts.Do(t, a, relation.Follow, b.ID) }()
	go func() { defer wg.Done(); results[1] = ts.Do(t, b, relation.Follow, a.ID) }()
	wg.Wait()

	outcomes := []string{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []string{string(relation.Followed), string(relation.BecameFriends)}, outcomes)
	requireFriends(t, ts, a, b)

	var n int64
	require.NoError(t, ts.DB.Model(&model.Edge{}).Where("kind = ?", model.EdgeFriend).Count(&n).Error)
	assert.Equal(t, int64(2), n)

	report, err := ts.Edges.CheckInvariants(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestAdminInvariantsAfterTraffic(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()
	a, b, c := ts.NewUser(t, "a"), ts.NewUser(t, "b"), ts.NewUser(t, "c")

	ts.Do(t, a, relation.Follow, b.ID)
	ts.Do(t, b, relation.Follow, a.ID)
	ts.Do(t, c, relation.Follow, a.ID)
	ts.Do(t, a, relation.Ban, c.ID)
	ts.Do(t, b, relation.Unfriend, a.ID)

	resp := ts.Admin(t, http.MethodGet, "/api/admin/invariants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	ReadJSON(t, resp, &body)
	assert.Equal(t, true, body["ok"])

	resp = ts.Admin(t, http.MethodGet, "/api/admin/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics struct {
		Results map[string]int64 `json:"results"`
	}
	ReadJSON(t, resp, &metrics)
	assert.Equal(t, int64(1), metrics.Results[string(relation.BecameFriends)])
	assert.Equal(t, int64(1), metrics.Results[string(relation.Unfriended)])
}
