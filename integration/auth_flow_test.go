package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullAuthLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	username := UniqueID("auth")
	password := "testpass1234"

	// 1. Register.
	accountID := ts.Register(t, username, password)
	require.Greater(t, accountID, int64(0))

	// 2. Duplicate register is refused.
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"username": username,
		"password": "other",
	}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// 3. Login.
	token1, id := ts.Login(t, username, password)
	require.NotEmpty(t, token1)
	assert.Equal(t, accountID, id)

	// 4. Authenticated list works.
	resp = ts.Get(t, "/api/relation/friends", token1)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// 5. Second login gives a second, independent session.
	token2, id2 := ts.Login(t, username, password)
	assert.Equal(t, accountID, id2)
	assert.NotEqual(t, token1, token2)

	// 6. Logout token2; token1 keeps working.
	resp = ts.PostJSON(t, "/api/auth/logout", nil, token2)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/relation/friends", token2)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/relation/friends", token1)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestLoginWrongPassword(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	username := UniqueID("wrongpw")
	ts.Register(t, username, "correctpass")

	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": "wrongpassword",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestTokenRefresh(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	u := ts.NewUser(t, "refresh")

	resp := ts.PostJSON(t, "/api/auth/refresh", nil, u.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	newToken := result["token"].(string)
	require.NotEmpty(t, newToken)
	assert.NotEqual(t, u.Token, newToken)

	resp = ts.Get(t, "/api/relation/follows", u.Token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/relation/follows", newToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSuspendedAccountLosesAccess(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	name := UniqueID("susp")
	ts.Register(t, name, "pass1234")
	token, id := ts.Login(t, name, "pass1234")

	resp := ts.Admin(t, http.MethodPost, fmt.Sprintf("/api/admin/accounts/%d/suspend", id), map[string]bool{"suspend": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Live session refused, new login refused.
	resp = ts.Get(t, "/api/relation/friends", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
	resp = ts.PostJSON(t, "/api/auth/login", map[string]string{"username": name, "password": "pass1234"}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Admin(t, http.MethodPost, fmt.Sprintf("/api/admin/accounts/%d/suspend", id), map[string]bool{"suspend": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/relation/friends", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	resp := ts.Get(t, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	assert.Equal(t, "ok", result["status"])
}
