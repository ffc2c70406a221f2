package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/agent/remote"
	"github.com/sapiensly/agentrelay/config"
)

// fakeAgents answers every call with "<agent_id>: <message>".
func fakeAgents(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remote.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(remote.InvokeResponse{Response: req.AgentID + ": " + req.Message})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, agentURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agents = []config.AgentEndpointConfig{
		{ID: "general_agent", Endpoint: agentURL, Capabilities: []string{"general"}},
		{ID: "math_agent", Endpoint: agentURL, Capabilities: []string{"mathematics"}},
	}
	cfg.Handoff.Capabilities = map[string][]string{
		"math_agent":    {"calculation"},
		"history_agent": {"history"},
	}
	cfg.Handoff.Permissions = map[string]config.PermissionConfig{
		"math_agent":    {Allow: []string{"general_agent"}},
		"general_agent": {Allow: []string{"math_agent", "history_agent"}},
	}
	return cfg
}

func call(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestServer_MemoryBackendEndToEnd(t *testing.T) {
	agents := fakeAgents(t)
	cfg := testConfig(t, agents.URL)

	srv, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	h := srv.Handler()

	code, _ := call(t, h, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp := call(t, h, http.MethodPost, "/v1/handoff",
		`{"source_agent_id":"general_agent","target_agent_id":"math_agent","conversation_id":"c1"}`, nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["success"])

	code, resp = call(t, h, http.MethodPost, "/v1/invoke", `{"agent_id":"math_agent","text":"2+2"}`, nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "math_agent: 2+2", resp["data"].(map[string]any)["response"])

	// history_agent 只声明了能力，没有端点
	code, resp = call(t, h, http.MethodPost, "/v1/invoke", `{"agent_id":"history_agent","text":"1066"}`, nil)
	assert.Equal(t, http.StatusBadGateway, code, resp)

	code, resp = call(t, h, http.MethodGet, "/v1/agents?capability=calculation", "", nil)
	require.Equal(t, http.StatusOK, code)
	list := resp["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "math_agent", list[0].(map[string]any)["id"])

	code, resp = call(t, h, http.MethodPost, "/v1/handoff/reverse",
		`{"conversation_id":"c1","current_agent_id":"math_agent"}`, nil)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "general_agent", resp["data"].(map[string]any)["target_agent_id"])
}

func TestServer_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	agents := fakeAgents(t)

	cfg := testConfig(t, agents.URL)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Handoff.Store.Type = "redis"
	cfg.Handoff.Cache.UseRedis = true

	srv, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	h := srv.Handler()

	code, resp := call(t, h, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, code, resp)
	checks := resp["checks"].(map[string]any)
	assert.Contains(t, checks, "redis")
	assert.Contains(t, checks, "cache")
	assert.Contains(t, checks, "store")

	code, _ = call(t, h, http.MethodPost, "/v1/handoff",
		`{"source_agent_id":"general_agent","target_agent_id":"math_agent","conversation_id":"r1"}`, nil)
	require.Equal(t, http.StatusOK, code)

	keys := mr.Keys()
	var stored bool
	for _, k := range keys {
		if strings.HasPrefix(k, "agentrelay:conv:") {
			stored = true
		}
	}
	assert.True(t, stored, "conversation persisted in redis, keys=%v", keys)

	mr.Close()
	code, _ = call(t, h, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestServer_APIKeysAndMetrics(t *testing.T) {
	cfg := testConfig(t, fakeAgents(t).URL)
	cfg.Server.APIKeys = []string{"k1"}

	srv, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	h := srv.Handler()

	code, _ := call(t, h, http.MethodGet, "/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, h, http.MethodGet, "/v1/agents", "", map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `agentrelay_http_requests_total{method="GET",path="/v1/agents"`)
}

func TestServer_DuplicateAgentRejected(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Agents = append(cfg.Agents, config.AgentEndpointConfig{ID: "math_agent", Endpoint: "http://127.0.0.1:2"})

	_, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.Error(t, err)
}

func TestServer_WatchConfigReloadsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.yaml")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.WriteFile(path, []byte("handoff:\n  permissions:\n    math_agent: [nobody]\n"), 0o600))
	require.NoError(t, os.Chtimes(path, old, old))

	cfg := testConfig(t, fakeAgents(t).URL)
	cfg.Handoff.Permissions["math_agent"] = config.PermissionConfig{Allow: []string{"nobody"}}

	srv, err := NewServer(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := srv.WatchConfig(ctx, path)
	require.NoError(t, err)
	defer w.Stop()

	policy := srv.Orchestrator().Policy()
	require.Error(t, policy.Authorize("general_agent", "math_agent"))

	require.NoError(t, os.WriteFile(path, []byte("handoff:\n  permissions:\n    math_agent: [general_agent]\n"), 0o600))
	newer := old.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, newer, newer))

	require.Eventually(t, func() bool {
		return policy.Authorize("general_agent", "math_agent") == nil
	}, 10*time.Second, 50*time.Millisecond)
}
