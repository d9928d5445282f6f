package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendgraph/api"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/kasuganosora/friendgraph/scheduler"
	"github.com/kasuganosora/friendgraph/store"
	"github.com/kasuganosora/friendgraph/testutil"
	"github.com/kasuganosora/friendgraph/txn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AdminKey is the admin key every TestServer accepts.
const AdminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB      *gorm.DB
	Cache   cache.Cache
	PubSub  cache.PubSub
	Edges   *store.EdgeStore
	Service *relation.Service
	Server  *httptest.Server
	URL     string // http://127.0.0.1:<port>
	Sec     config.SecurityConfig

	sched *scheduler.Scheduler
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		BcryptCost:     bcrypt.MinCost,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
	}

	edges := store.NewEdgeStore(db)
	coord := txn.NewCoordinator(db, txn.NewCacheLocker(c), txn.Config{LockWait: 5 * time.Second}, logger)
	metrics := relation.NewMetrics(c, logger)
	svc := relation.NewService(coord, edges, store.NewAccounts(db), relation.NewPubSubNotifier(pubsub, logger), logger)
	svc.SetMetrics(metrics)

	sched := scheduler.New(logger)
	sched.AddTicker("relation_consistency", time.Hour, relation.ConsistencySweep(edges, logger))

	r := api.NewRouter(api.Deps{
		DB:       db,
		Cache:    c,
		PubSub:   pubsub,
		Edges:    edges,
		Coord:    coord,
		Service:  svc,
		Metrics:  metrics,
		Sched:    sched,
		Server:   config.ServerConfig{AdminKey: AdminKey},
		Security: sec,
		Logger:   logger,
	})

	server := httptest.NewServer(r)
	return &TestServer{
		DB:      db,
		Cache:   c,
		PubSub:  pubsub,
		Edges:   edges,
		Service: svc,
		Server:  server,
		URL:     server.URL,
		Sec:     sec,
		sched:   sched,
	}
}

// Close shuts down the test server and its scheduler.
func (ts *TestServer) Close() {
	ts.sched.Stop()
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Admin sends a request to an admin endpoint with the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", AdminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Register creates an account and returns its ID.
func (ts *TestServer) Register(t *testing.T, username, password string) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	return int64(result["account_id"].(float64))
}

// Login logs in and returns the token and account ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, accountID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	accountID = int64(result["account_id"].(float64))
	return
}

// User is a registered, logged-in account.
type User struct {
	ID    int64
	Token string
}

// NewUser registers a fresh account and logs it in.
func (ts *TestServer) NewUser(t *testing.T, prefix string) User {
	t.Helper()
	name := UniqueID(prefix)
	ts.Register(t, name, "pass1234")
	token, id := ts.Login(t, name, "pass1234")
	return User{ID: id, Token: token}
}

// --- Relation helpers ---

// RelationResponse is the decoded body of a relation event request.
type RelationResponse struct {
	Status  int    `json:"-"`
	Outcome string `json:"outcome"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// Do posts event ev from u to target.
func (ts *TestServer) Do(t *testing.T, u User, ev relation.Event, target int64) RelationResponse {
	t.Helper()
	resp := ts.PostJSON(t, "/api/relation/"+string(ev)+"/"+strconv.FormatInt(target, 10), nil, u.Token)
	out := RelationResponse{Status: resp.StatusCode}
	ReadJSON(t, resp, &out)
	return out
}

// List fetches one of u's lists: friends, follows, fans or bans.
func (ts *TestServer) List(t *testing.T, u User, list string) []int64 {
	t.Helper()
	resp := ts.Get(t, "/api/relation/"+list, u.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		IDs []int64 `json:"ids"`
	}
	ReadJSON(t, resp, &body)
	return body.IDs
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
