package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
	"aegis.evalgo.org/common"
	"aegis.evalgo.org/geo"
	"aegis.evalgo.org/probe"
	"aegis.evalgo.org/queue"
	"aegis.evalgo.org/store"
)

type testEnv struct {
	server  *Server
	store   *store.Memory
	dir     *store.MemoryDirectory
	monitor *audit.ManualMonitor
}

func newTestServer(t *testing.T, online bool) *testEnv {
	t.Helper()

	st := store.NewMemory()
	dir := store.NewMemoryDirectory()
	monitor := audit.NewManualMonitor(online)

	pipeline := audit.NewPipeline(st, queue.NewMemory(100), monitor, probe.HostCollector{}, probe.NewSessionContext(), geo.Noop{}, audit.PipelineConfig{})
	lockout := audit.NewLockout(st, monitor, 30*time.Minute, 5)
	resolver := authz.NewResolver(dir, nil)

	return &testEnv{
		server:  NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, pipeline, lockout, resolver),
		store:   st,
		dir:     dir,
		monitor: monitor,
	}
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, true)
	rec := env.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRecordEventEndpoint(t *testing.T) {
	t.Run("accepted and delivered", func(t *testing.T) {
		env := newTestServer(t, true)
		rec := env.do(http.MethodPost, "/api/v1/audit/events",
			`{"identity":"user@example.com","action":"sign_in_success","success":true,"user_agent":"Mozilla/5.0 Chrome/120"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "recorded")

		events := env.store.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "user@example.com", events[0].Identity)
		assert.Equal(t, audit.ActionSignInSuccess, events[0].Action)
		assert.NotEmpty(t, events[0].DeviceFingerprint)
	})

	t.Run("accepted while offline", func(t *testing.T) {
		env := newTestServer(t, false)
		rec := env.do(http.MethodPost, "/api/v1/audit/events",
			`{"identity":"user@example.com","action":"sign_in_attempt"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Empty(t, env.store.Events(), "offline records go to the queue")
	})

	t.Run("delivery failure still answers 202", func(t *testing.T) {
		env := newTestServer(t, true)
		env.store.SetInsertErr(assert.AnError)

		rec := env.do(http.MethodPost, "/api/v1/audit/events",
			`{"identity":"user@example.com","action":"sign_in_attempt"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "queued")
	})

	t.Run("missing identity is rejected", func(t *testing.T) {
		env := newTestServer(t, true)
		rec := env.do(http.MethodPost, "/api/v1/audit/events", `{"action":"sign_in_attempt"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		env := newTestServer(t, true)
		rec := env.do(http.MethodPost, "/api/v1/audit/events", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestServer(t, true)

	now := time.Now().UTC()
	require.NoError(t, env.store.InsertEvents(context.Background(), []audit.Event{
		{Identity: "user@example.com", Action: audit.ActionSignInSuccess, Timestamp: now},
		{Identity: "user@example.com", Action: audit.ActionSignOut, Timestamp: now.Add(time.Minute)},
		{Identity: "other@example.com", Action: audit.ActionSignInSuccess, Timestamp: now},
	}))

	rec := env.do(http.MethodGet, "/api/v1/audit/history/user@example.com?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []audit.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, audit.ActionSignOut, body.Data[0].Action, "newest first")

	t.Run("invalid limit", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/v1/audit/history/user@example.com?limit=zero", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		env.store.SelectErr = assert.AnError
		defer func() { env.store.SelectErr = nil }()

		rec := env.do(http.MethodGet, "/api/v1/audit/history/user@example.com", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestLockoutEndpoint(t *testing.T) {
	env := newTestServer(t, true)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.InsertEvents(context.Background(), []audit.Event{{
			Identity:  "user@example.com",
			Action:    audit.ActionSignInAttempt,
			Success:   false,
			Timestamp: now.Add(-time.Minute),
		}}))
	}

	rec := env.do(http.MethodGet, "/api/v1/audit/lockout/user@example.com", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var decision audit.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.ShouldLock)
	assert.Equal(t, 5, decision.Count)

	t.Run("fails open while offline", func(t *testing.T) {
		env.monitor.SetOnline(false)
		defer env.monitor.SetOnline(true)

		rec := env.do(http.MethodGet, "/api/v1/audit/lockout/user@example.com", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var decision audit.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
		assert.False(t, decision.ShouldLock)
	})
}

func TestAuthzEndpoints(t *testing.T) {
	env := newTestServer(t, true)

	t.Run("idle state before sign-in", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/v1/authz/state", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var snap authz.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, authz.StateIdle, snap.State)
		assert.Empty(t, snap.Roles)
	})

	t.Run("refresh without principal reports idle snapshot", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/v1/authz/refresh", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var snap authz.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, authz.StateIdle, snap.State)
	})

	t.Run("emergency state is visible in snapshots", func(t *testing.T) {
		env.dir.RolesErr = &common.PolicyRecursionError{}
		env.dir.DirectRoleGrant["p-1"] = map[authz.Role]bool{authz.RoleAdmin: true}

		// Principal installation happens in-process; the facade only
		// reads the resulting state.
		require.NoError(t, env.server.resolver.SetPrincipal(context.Background(), authz.Principal{ID: "p-1", Email: "admin@example.com"}))

		rec := env.do(http.MethodGet, "/api/v1/authz/state", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var snap authz.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, authz.StateEmergencyResolved, snap.State)
		assert.True(t, snap.EmergencyMode)
		assert.Equal(t, []authz.Role{authz.RoleAdmin}, snap.Roles)
	})
}
