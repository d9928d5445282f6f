package sse_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendgraph/api/sse"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
	mw "github.com/kasuganosora/friendgraph/middleware"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/kasuganosora/friendgraph/store"
	"github.com/kasuganosora/friendgraph/testutil"
	"github.com/kasuganosora/friendgraph/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var sec = config.SecurityConfig{JWTSecret: "sse-secret", JWTTTLH: time.Hour}

type sseEnv struct {
	srv *httptest.Server
	h   *sse.Handler
	c   cache.Cache
	svc *relation.Service
	ids []int64
}

func newSSEEnv(t *testing.T, keepalive time.Duration) *sseEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	coord := txn.NewCoordinator(db, txn.NewCacheLocker(c), txn.Config{}, logger)
	svc := relation.NewService(coord, store.NewEdgeStore(db), store.NewAccounts(db),
		relation.NewPubSubNotifier(ps, logger), logger)

	h := sse.NewHandler(ps, c, sec, logger)
	if keepalive > 0 {
		h.SetKeepalive(keepalive)
	}
	r := gin.New()
	r.GET("/sse", h.ServeSSE)
	r.POST("/announce", h.PostAnnounce)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &sseEnv{srv: srv, h: h, c: c, svc: svc, ids: testutil.CreateAccounts(t, db, 2)}
}

// login issues a token for id and records its session.
func (e *sseEnv) login(t *testing.T, id int64) string {
	t.Helper()
	token, err := mw.GenerateToken(id, sec.JWTSecret, sec.JWTTTLH)
	require.NoError(t, err)
	require.NoError(t, e.c.Set(context.Background(), mw.SessionKey(token), "1", time.Hour))
	return token
}

// stream opens /sse and returns a channel of received lines.
func (e *sseEnv) stream(t *testing.T, token string) (*http.Response, <-chan string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return resp, lines
}

func waitFor(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed before %q", prefix)
			if strings.HasPrefix(l, prefix) {
				return l
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
			return ""
		}
	}
}

func TestServeSSE_MissingToken(t *testing.T) {
	e := newSSEEnv(t, 0)
	resp, err := http.Get(e.srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeSSE_NoSession(t *testing.T) {
	e := newSSEEnv(t, 0)
	token, err := mw.GenerateToken(e.ids[0], sec.JWTSecret, sec.JWTTTLH)
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/sse?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeSSE_DeliversRelationEvents(t *testing.T) {
	e := newSSEEnv(t, 0)
	a, b := e.ids[0], e.ids[1]

	resp, lines := e.stream(t, e.login(t, b))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	waitFor(t, lines, "event: connected")

	res, err := e.svc.Follow(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, relation.Followed, res.Outcome)

	waitFor(t, lines, "event: relation")
	assert.Contains(t, waitFor(t, lines, "data: "), `"type":"followed"`)

	require.NoError(t, e.h.Announce(context.Background(), `{"msg":"maintenance"}`))
	waitFor(t, lines, "event: announce")
	assert.Contains(t, waitFor(t, lines, "data: "), "maintenance")
}

func TestServeSSE_Keepalive(t *testing.T) {
	e := newSSEEnv(t, 20*time.Millisecond)

	_, lines := e.stream(t, e.login(t, e.ids[0]))
	waitFor(t, lines, "event: connected")
	waitFor(t, lines, ": keepalive")
}

func TestPostAnnounce_ReachesStream(t *testing.T) {
	e := newSSEEnv(t, 0)
	_, lines := e.stream(t, e.login(t, e.ids[0]))
	waitFor(t, lines, "event: connected")

	resp, err := http.Post(e.srv.URL+"/announce", "application/json",
		strings.NewReader(`{"message":"restart at noon\nbe ready"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	waitFor(t, lines, "event: announce")
	data := waitFor(t, lines, "data: ")
	assert.Contains(t, data, `"message":"restart at noon\nbe ready"`)
	assert.Contains(t, data, `"at":`)
}

func TestPostAnnounce_EmptyMessage(t *testing.T) {
	e := newSSEEnv(t, 0)
	resp, err := http.Post(e.srv.URL+"/announce", "application/json", strings.NewReader(`{"message":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
