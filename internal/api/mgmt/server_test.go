package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/metrics"
	"github.com/adp-engine/go-core/internal/store"
	"github.com/adp-engine/go-core/internal/token"
	"github.com/adp-engine/go-core/pkg/types"
)

const testSecret = "mgmt-test-secret-0123456789abcdef012"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open("", nil)
	require.NoError(t, err)
	signer, err := token.NewSigner(testSecret, "HS256", "http://localhost:5000")
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{}, st, signer, nil, nil, nil)
	require.NoError(t, err)

	srv, err := New(DefaultConfig(), eng, metrics.New(), nil)
	require.NoError(t, err)

	_, err = st.CreateAgent(&types.Agent{
		ID:            "agent-1",
		Name:          "Calendar Agent",
		AllowedScopes: []string{"calendar:read"},
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateUser("alice", "password123"))
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func createDelegation(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(t, srv, http.MethodPost, "/api/delegations", map[string]any{
		"agent_id": "agent-1",
		"user_id":  "alice",
		"scopes":   []string{"calendar:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	d := decode(t, w)["delegation"].(map[string]any)
	return d["id"].(string)
}

func TestAgentCRUD(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(t, srv, http.MethodPost, "/api/agents", map[string]any{
		"agent_id": "agent-2",
		"name":     "Mail Agent",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, srv, http.MethodPost, "/api/agents", map[string]any{
		"agent_id": "agent-2",
		"name":     "Duplicate",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodGet, "/api/agents/agent-2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Mail Agent", body["agent"].(map[string]any)["name"])

	w = do(t, srv, http.MethodPut, "/api/agents/agent-2", map[string]any{"status": "suspended"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/agents?status=suspended", nil)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(t, srv, http.MethodDelete, "/api/agents/agent-2", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/agents/agent-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAgentIDAndScopesAliases(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/agents", map[string]any{
		"id":     "a1",
		"name":   "Data Agent",
		"scopes": []string{"read:data"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	a, err := srv.engine.Store().GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:data"}, a.AllowedScopes)
}

func TestDelegationFlow(t *testing.T) {
	srv := newTestServer(t)
	id := createDelegation(t, srv)

	w := do(t, srv, http.MethodGet, "/api/delegations/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = do(t, srv, http.MethodPut, "/api/delegations/"+id+"/approve", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["delegation_token"])

	// Double approve is rejected.
	w = do(t, srv, http.MethodPut, "/api/delegations/"+id+"/approve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodDelete, "/api/delegations/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/delegations/"+id, nil)
	assert.Equal(t, "revoked", decode(t, w)["status"])
}

func TestDelegationDeny(t *testing.T) {
	srv := newTestServer(t)
	id := createDelegation(t, srv)

	w := do(t, srv, http.MethodPut, "/api/delegations/"+id+"/deny", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/delegations/"+id, nil)
	assert.Equal(t, "denied", decode(t, w)["status"])
}

func TestDelegationValidation(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/delegations", map[string]any{
		"agent_id": "agent-missing", "user_id": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "agent_unknown", decode(t, w)["error"])

	w = do(t, srv, http.MethodPost, "/api/delegations", map[string]any{
		"agent_id": "agent-1", "user_id": "alice", "scopes": []string{"email:send"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "scope_denied", decode(t, w)["error"])

	w = do(t, srv, http.MethodPut, "/api/delegations/delegation-nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodPost, "/api/delegations", map[string]any{
		"agent_id": "agent-1", "user_id": "alice",
		"code_challenge": "abc", "code_challenge_method": "S999",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestTokenOversight(t *testing.T) {
	srv := newTestServer(t)
	id := createDelegation(t, srv)

	w := do(t, srv, http.MethodPut, "/api/delegations/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	delegationToken := decode(t, w)["delegation_token"].(string)

	w = do(t, srv, http.MethodPost, "/api/tokens/introspect", map[string]any{"token": delegationToken})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["active"])

	w = do(t, srv, http.MethodPost, "/api/tokens/revoke", map[string]any{"token": delegationToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/api/tokens/introspect", map[string]any{"token": delegationToken})
	assert.Equal(t, false, decode(t, w)["active"])
}

func TestActiveTokensTruncated(t *testing.T) {
	srv := newTestServer(t)
	id := createDelegation(t, srv)

	w := do(t, srv, http.MethodPut, "/api/delegations/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	delegationToken := decode(t, w)["delegation_token"].(string)

	// Exchange through the engine to land a token in the active set.
	_, _, err := srv.engine.Exchange(context.Background(), delegationToken, "")
	require.NoError(t, err)

	w = do(t, srv, http.MethodGet, "/api/tokens/active", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.EqualValues(t, 1, body["count"])

	entry := body["tokens"].([]any)[0].(map[string]any)
	shown := entry["token"].(string)
	assert.True(t, strings.HasSuffix(shown, "..."))
	assert.LessOrEqual(t, len(shown), 27)
}

func TestStatusAndLogs(t *testing.T) {
	srv := newTestServer(t)
	createDelegation(t, srv)

	w := do(t, srv, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["total_agents"])
	assert.EqualValues(t, 1, stats["pending_delegations"])

	w = do(t, srv, http.MethodGet, "/api/logs?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotZero(t, body["count"])

	// Limit is capped.
	w = do(t, srv, http.MethodGet, "/api/logs?limit=5000", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
