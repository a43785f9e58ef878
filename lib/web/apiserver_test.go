/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/agentbus"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/broker"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/jobs"
	"github.com/netcockpit/cockpit/lib/jobs/executors"
	"github.com/netcockpit/cockpit/lib/limiter"
	"github.com/netcockpit/cockpit/lib/nautobot"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/utils"
	"github.com/netcockpit/cockpit/lib/vault"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type env struct {
	srv    *httptest.Server
	mock   pgxmock.PgxPoolIface
	store  *storage.Store
	bus    *agentbus.Bus
	tokens *auth.TokenService
	clock  *clockwork.FakeClock
}

// newEnv wires a full API handler against pgxmock, miniredis and a stub
// Nautobot, the way the real process assembles it in lib/service.
func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testTime)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store := storage.NewWithPool(mock, clock)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	br, err := broker.New(broker.Config{Client: client, Clock: clock})
	require.NoError(t, err)

	bus, err := agentbus.New(agentbus.Config{Client: client, Store: store, Clock: clock})
	require.NoError(t, err)

	nbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"devices": []}, "results": []}`)
	}))
	t.Cleanup(nbSrv.Close)
	nb, err := nautobot.NewClient(nautobot.ClientConfig{
		BaseURL: nbSrv.URL,
		Token:   "test-token",
		Clock:   clock,
	})
	require.NoError(t, err)

	vlt, err := vault.New("test-secret-key")
	require.NoError(t, err)

	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SecretKey: []byte("jwt-signing-secret"),
		Clock:     clock,
	})
	require.NoError(t, err)
	authServer, err := auth.NewServer(auth.ServerConfig{Store: store, Tokens: tokens, Clock: clock})
	require.NoError(t, err)
	authorizer, err := auth.NewAuthorizer(auth.AuthorizerConfig{Tokens: tokens, Catalog: store, Clock: clock})
	require.NoError(t, err)

	engine, err := jobs.New(jobs.Config{
		Broker: br,
		Deps: &executors.Deps{
			Store:    store,
			Vault:    vlt,
			Nautobot: nb,
			Bus:      bus,
		},
		Clock: clock,
	})
	require.NoError(t, err)

	cfg := Config{
		Store:      store,
		AuthServer: authServer,
		Authorizer: authorizer,
		Engine:     engine,
		Vault:      vlt,
		Nautobot:   nb,
		Bus:        bus,
		Clock:      clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &env{srv: srv, mock: mock, store: store, bus: bus, tokens: tokens, clock: clock}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// token issues an access token directly, bypassing the login endpoint.
func (e *env) token(t *testing.T, user *types.User, admin bool, perms []types.Permission) string {
	t.Helper()
	signed, _, err := e.tokens.Issue(user, admin, perms)
	require.NoError(t, err)
	return signed
}

func userRow(u types.User) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "username", "display_name", "email", "active", "password_hash",
		"last_login", "created_at", "updated_at",
	}).AddRow(u.ID, u.Username, u.DisplayName, u.Email, u.Active, u.PasswordHash,
		u.LastLogin, testTime, testTime)
}

func TestPublicEndpoints(t *testing.T) {
	e := newEnv(t)

	e.mock.ExpectPing()
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	resp, body = e.do(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["version"])

	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUnknownRouteIs404(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/no/such/route", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, body["detail"], "no endpoint")
}

func TestLogin(t *testing.T) {
	e := newEnv(t)

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	alice := types.User{ID: 7, Username: "alice", DisplayName: "Alice", Active: true, PasswordHash: hash}

	t.Run("success", func(t *testing.T) {
		e.mock.ExpectQuery("SELECT .* FROM users WHERE username").
			WithArgs("alice").WillReturnRows(userRow(alice))
		e.mock.ExpectQuery("SELECT r.name FROM roles").
			WithArgs(alice.ID).
			WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("viewer"))
		e.mock.ExpectQuery("SELECT DISTINCT p.id, p.resource, p.action").
			WithArgs(alice.ID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "resource", "action"}).
				AddRow(int64(3), "jobs", "read"))
		e.mock.ExpectExec("UPDATE users SET last_login").
			WithArgs(alice.ID, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		resp, body := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"username": "alice", "password": "s3cret",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotEmpty(t, body["access_token"])
		require.Equal(t, "bearer", body["token_type"])
		user := body["user"].(map[string]any)
		require.Equal(t, "alice", user["username"])
		require.NoError(t, e.mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		e.mock.ExpectQuery("SELECT .* FROM users WHERE username").
			WithArgs("alice").WillReturnRows(userRow(alice))

		resp, body := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"username": "alice", "password": "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "invalid credentials", body["detail"])
		require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("unknown user gets the same answer", func(t *testing.T) {
		e.mock.ExpectQuery("SELECT .* FROM users WHERE username").
			WithArgs("mallory").WillReturnError(noRowsErr(t))

		resp, body := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"username": "mallory", "password": "anything",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "invalid credentials", body["detail"])
	})

	t.Run("missing fields", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// noRowsErr returns pgx's no-rows sentinel the way the pool reports it.
func noRowsErr(t *testing.T) error {
	t.Helper()
	return pgx.ErrNoRows
}

func TestRefreshAcceptsExpiredToken(t *testing.T) {
	e := newEnv(t)

	alice := types.User{ID: 7, Username: "alice", DisplayName: "Alice", Active: true, PasswordHash: "x"}
	token := e.token(t, &alice, false, nil)

	// Let the token lapse. A protected endpoint now rejects it, refresh
	// still trades it in.
	e.clock.Advance(defaults.AccessTokenTTL + time.Hour)

	resp, _ := e.do(t, http.MethodGet, "/jobs", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(alice.ID).WillReturnRows(userRow(alice))
	e.mock.ExpectQuery("SELECT r.name FROM roles").
		WithArgs(alice.ID).WillReturnRows(pgxmock.NewRows([]string{"name"}))
	e.mock.ExpectQuery("SELECT DISTINCT p.id, p.resource, p.action").
		WithArgs(alice.ID).WillReturnRows(pgxmock.NewRows([]string{"id", "resource", "action"}))

	resp, body := e.do(t, http.MethodPost, "/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["access_token"])
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestRBACEnforcement(t *testing.T) {
	e := newEnv(t)

	viewer := types.User{ID: 3, Username: "viewer", Active: true, PasswordHash: "x"}
	auditRead := types.Permission{ID: 5, Resource: "audit", Action: types.ActionRead}
	token := e.token(t, &viewer, false, []types.Permission{auditRead})

	// The authorizer loads the permission catalog once and caches it.
	e.mock.ExpectQuery("SELECT id, resource, action FROM permissions").
		WillReturnRows(pgxmock.NewRows([]string{"id", "resource", "action"}).
			AddRow(int64(5), "audit", "read").
			AddRow(int64(6), "templates", "write"))

	// Granted: audit:read.
	e.mock.ExpectQuery("SELECT .* FROM audit_logs").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "user_id", "event_type", "message", "ip",
			"resource_type", "resource_id", "resource_name", "severity", "extra_data", "created_at",
		}))
	e.mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	resp, body := e.do(t, http.MethodGet, "/api/logs", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 0, body["total"])

	// Denied: templates:write is in the catalog but not in the token.
	resp, body = e.do(t, http.MethodPost, "/api/templates", token, map[string]any{"name": "x"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, body["detail"], "access denied")

	// No token at all.
	resp, _ = e.do(t, http.MethodGet, "/api/logs", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestAdminShortCircuit(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	// No catalog read happens for admins; the handler query is the only
	// database touch.
	e.mock.ExpectQuery("SELECT .* FROM users ORDER BY username").
		WillReturnRows(userRow(admin))

	resp, body := e.do(t, http.MethodGet, "/api/users", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["items"], 1)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestAgentOffline(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	// No heartbeat was ever written for site-1, so the request is refused
	// before any command row is persisted: no database expectations.
	resp, body := e.do(t, http.MethodPost, "/api/cockpit-agent/git-pull", token, map[string]any{
		"agent_id":        "site-1",
		"repository_path": "/opt/app/config",
		"branch":          "main",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "Agent is offline or not responding", body["detail"])
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestAgentStaleHeartbeatIsOffline(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	require.NoError(t, e.bus.Heartbeat(context.Background(), types.AgentInfo{
		AgentID:       "site-1",
		Status:        types.AgentOnline,
		LastHeartbeat: e.clock.Now().Add(-2 * time.Minute),
	}))

	resp, body := e.do(t, http.MethodPost, "/api/cockpit-agent/docker-restart", token, map[string]any{
		"agent_id": "site-1",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "Agent is offline or not responding", body["detail"])
}

func TestSendAgentCommand(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	require.NoError(t, e.bus.Heartbeat(context.Background(), types.AgentInfo{
		AgentID:       "site-1",
		Status:        types.AgentOnline,
		LastHeartbeat: e.clock.Now(),
	}))

	e.mock.ExpectQuery("INSERT INTO agent_commands").
		WithArgs("site-1", pgxmock.AnyArg(), "echo", []byte(`{}`), pgxmock.AnyArg(), "admin").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "agent_id", "command_id", "command", "params", "status",
			"output", "error", "execution_time_ms", "sent_at", "completed_at", "sent_by",
		}).AddRow(int64(1), "site-1", "11111111-2222-3333-4444-555555555555", "echo",
			[]byte(`{}`), types.AgentCommandPending, "", "", (*int64)(nil), testTime, (*time.Time)(nil), "admin"))

	resp, body := e.do(t, http.MethodPost, "/api/cockpit-agent/command", token, map[string]any{
		"agent_id": "site-1",
		"command":  "echo",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pending", body["status"])
	require.NotEmpty(t, body["command_id"])
	require.NoError(t, e.mock.ExpectationsWereMet())

	// Unknown commands never reach the bus.
	resp, body = e.do(t, http.MethodPost, "/api/cockpit-agent/command", token, map[string]any{
		"agent_id": "site-1",
		"command":  "rm_rf",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["detail"], "unsupported agent command")
}

func TestListAgentsMarksStaleOffline(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	ctx := context.Background()
	require.NoError(t, e.bus.Heartbeat(ctx, types.AgentInfo{
		AgentID: "fresh", Status: types.AgentOnline, LastHeartbeat: e.clock.Now().Add(-5 * time.Second),
	}))
	require.NoError(t, e.bus.Heartbeat(ctx, types.AgentInfo{
		AgentID: "stale", Status: types.AgentOnline, LastHeartbeat: e.clock.Now().Add(-91 * time.Second),
	}))

	resp, body := e.do(t, http.MethodGet, "/api/agents", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	byID := map[string]string{}
	for _, it := range items {
		m := it.(map[string]any)
		byID[m["agent_id"].(string)] = m["status"].(string)
	}
	require.Equal(t, types.AgentOnline, byID["fresh"])
	require.Equal(t, types.AgentOffline, byID["stale"])
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	runID := "a2a3236f-88a4-4d8a-bd7e-2a5f62647e4e"
	runRows := pgxmock.NewRows([]string{
		"id", "template_id", "job_type", "status", "started_by", "started_at",
		"completed_at", "progress_processed", "progress_total", "result_summary", "error", "metadata",
	}).AddRow(runID, int64(4), types.JobBackup, types.RunRunning, "admin", testTime,
		(*time.Time)(nil), 1, 3, "", "", []byte(`{}`))

	e.mock.ExpectQuery("SELECT .* FROM job_runs WHERE id").
		WithArgs(runID).WillReturnRows(runRows)
	e.mock.ExpectExec("UPDATE job_runs SET status").
		WithArgs(runID, types.RunCancelled, pgxmock.AnyArg(), "cancelled by admin", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	resp, body := e.do(t, http.MethodPost, "/jobs/"+runID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["status"])
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		lim, err := limiter.New(limiter.Config{Rate: 1, Burst: 2, Clock: clockwork.NewRealClock()})
		require.NoError(t, err)
		cfg.Limiter = lim
	})

	var last *http.Response
	for i := 0; i < 3; i++ {
		last, _ = e.do(t, http.MethodGet, "/version", "", nil)
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
}

func TestLogsQueryFilters(t *testing.T) {
	e := newEnv(t)

	admin := types.User{ID: 1, Username: "admin", Active: true, PasswordHash: "x"}
	token := e.token(t, &admin, true, nil)

	// A date-only end_date covers the whole day: the bound passed to the
	// store is midnight of the following day.
	until := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	e.mock.ExpectQuery("SELECT .* FROM audit_logs WHERE TRUE AND username").
		WithArgs("alice", types.SeverityWarning, until, 25, 25).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "user_id", "event_type", "message", "ip",
			"resource_type", "resource_id", "resource_name", "severity", "extra_data", "created_at",
		}).AddRow(int64(9), "alice", (*int64)(nil), "user.login_failed", "Login failed: bad password",
			"10.0.0.1", "", "", "", types.SeverityWarning, []byte(nil), testTime))
	e.mock.ExpectQuery("SELECT count").
		WithArgs("alice", types.SeverityWarning, until).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(26))

	resp, body := e.do(t, http.MethodGet,
		"/api/logs?page=2&page_size=25&username=alice&severity=warning&end_date=2024-06-01", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 26, body["total"])
	require.EqualValues(t, 2, body["page"])
	require.Len(t, body["items"], 1)
	require.NoError(t, e.mock.ExpectationsWereMet())
}
