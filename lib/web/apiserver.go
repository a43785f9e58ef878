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

// Package web implements the HTTP API frontend. Every handler returns a
// JSON-serialisable value or an error; httplib maps errors onto status
// codes and the {detail, code} payload.
//
// Requests pass a fixed middleware chain: request ID, per-client rate
// limit, bearer authentication, RBAC. Only /auth/*, /healthz, /version
// and /metrics are reachable without a token.
package web

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/agentbus"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/checkmk"
	"github.com/netcockpit/cockpit/lib/events"
	"github.com/netcockpit/cockpit/lib/httplib"
	"github.com/netcockpit/cockpit/lib/jobs"
	"github.com/netcockpit/cockpit/lib/limiter"
	"github.com/netcockpit/cockpit/lib/nautobot"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/utils"
	"github.com/netcockpit/cockpit/lib/vault"
)

var apiRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cockpit_web_requests_total",
		Help: "API requests served, by method and route pattern.",
	},
	[]string{"method", "route"},
)

// Config holds the handler dependencies.
type Config struct {
	// Store is the persistence layer.
	Store *storage.Store
	// AuthServer issues sessions for login, refresh and API key exchange.
	AuthServer *auth.Server
	// Authorizer authenticates bearer tokens and enforces RBAC.
	Authorizer *auth.Authorizer
	// Engine dispatches and inspects job runs.
	Engine *jobs.Engine
	// Vault encrypts credential secrets before they are stored.
	Vault *vault.Vault
	// Nautobot is the source-of-truth gateway, also backing the proxy
	// endpoints.
	Nautobot *nautobot.Client
	// CheckMK removes hosts during offboarding. Optional.
	CheckMK *checkmk.Client
	// Bus reaches the site agents. Optional; agent endpoints fail with
	// BadParameter when unset.
	Bus *agentbus.Bus
	// Emitter records audit events. Optional.
	Emitter events.Emitter
	// Limiter rate-limits requests per client IP.
	Limiter *limiter.Limiter
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.AuthServer == nil {
		return trace.BadParameter("missing parameter AuthServer")
	}
	if c.Authorizer == nil {
		return trace.BadParameter("missing parameter Authorizer")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Nautobot == nil {
		return trace.BadParameter("missing parameter Nautobot")
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Limiter == nil {
		var err error
		c.Limiter, err = limiter.New(limiter.Config{Clock: c.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Handler is the API frontend. It satisfies http.Handler; the embedded
// router is only reached after the request ID and rate limit middleware.
type Handler struct {
	httprouter.Router

	// fallback hosts routes the main tree cannot: httprouter rejects a
	// parameter segment next to a static one, so POST /jobs/:id/cancel
	// lives here, behind the main router's NotFound.
	fallback httprouter.Router

	cfg Config
	log *slog.Logger
}

// NewHandler returns a Handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(apiRequests); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentWeb),
	}
	h.fallback.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("no endpoint %v %v", r.Method, r.URL.Path))
	})
	h.Router.NotFound = &h.fallback

	// Unauthenticated surface.
	h.public(http.MethodPost, "/auth/login", h.login)
	h.public(http.MethodPost, "/auth/refresh", h.refresh)
	h.public(http.MethodPost, "/auth/api-key-login", h.apiKeyLogin)
	h.public(http.MethodGet, "/healthz", h.healthz)
	h.public(http.MethodGet, "/version", h.version)
	h.Router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Job lifecycle.
	h.bind(http.MethodPost, "/jobs/start", "jobs", types.ActionRun, h.startJob)
	h.bind(http.MethodGet, "/jobs", "jobs", types.ActionRead, h.listJobs)
	h.bind(http.MethodGet, "/jobs/:id", "jobs", types.ActionRead, h.getJob)
	h.bind(http.MethodGet, "/jobs/:id/results", "jobs", types.ActionRead, h.jobResults)
	h.bindFallback(http.MethodPost, "/jobs/:id/cancel", "jobs", types.ActionRun, h.cancelJob)

	// Job templates and schedules.
	h.bind(http.MethodGet, "/api/templates", "templates", types.ActionRead, h.listTemplates)
	h.bind(http.MethodPost, "/api/templates", "templates", types.ActionWrite, h.createTemplate)
	h.bind(http.MethodGet, "/api/templates/:id", "templates", types.ActionRead, h.getTemplate)
	h.bind(http.MethodPut, "/api/templates/:id", "templates", types.ActionWrite, h.updateTemplate)
	h.bind(http.MethodDelete, "/api/templates/:id", "templates", types.ActionDelete, h.deleteTemplate)
	h.bind(http.MethodGet, "/api/schedules", "schedules", types.ActionRead, h.listSchedules)
	h.bind(http.MethodPost, "/api/schedules", "schedules", types.ActionWrite, h.createSchedule)
	h.bind(http.MethodPut, "/api/schedules/:id", "schedules", types.ActionWrite, h.updateSchedule)
	h.bind(http.MethodDelete, "/api/schedules/:id", "schedules", types.ActionDelete, h.deleteSchedule)

	// Vaulted credentials, inventories, git repositories.
	h.bind(http.MethodGet, "/api/credentials", "credentials", types.ActionRead, h.listCredentials)
	h.bind(http.MethodPost, "/api/credentials", "credentials", types.ActionWrite, h.createCredential)
	h.bind(http.MethodPut, "/api/credentials/:id", "credentials", types.ActionWrite, h.updateCredential)
	h.bind(http.MethodDelete, "/api/credentials/:id", "credentials", types.ActionDelete, h.deleteCredential)
	h.bind(http.MethodGet, "/api/inventories", "inventories", types.ActionRead, h.listInventories)
	h.bind(http.MethodPost, "/api/inventories", "inventories", types.ActionWrite, h.createInventory)
	h.bind(http.MethodPut, "/api/inventories/:id", "inventories", types.ActionWrite, h.updateInventory)
	h.bind(http.MethodDelete, "/api/inventories/:id", "inventories", types.ActionDelete, h.deleteInventory)
	h.bind(http.MethodGet, "/api/git-repositories", "git_repositories", types.ActionRead, h.listGitRepositories)
	h.bind(http.MethodPost, "/api/git-repositories", "git_repositories", types.ActionWrite, h.createGitRepository)
	h.bind(http.MethodPut, "/api/git-repositories/:id", "git_repositories", types.ActionWrite, h.updateGitRepository)
	h.bind(http.MethodDelete, "/api/git-repositories/:id", "git_repositories", types.ActionDelete, h.deleteGitRepository)

	// Users, roles, API keys.
	h.bind(http.MethodGet, "/api/users", "users", types.ActionRead, h.listUsers)
	h.bind(http.MethodPost, "/api/users", "users", types.ActionWrite, h.createUser)
	h.bind(http.MethodPut, "/api/users/:id", "users", types.ActionWrite, h.updateUser)
	h.bind(http.MethodDelete, "/api/users/:id", "users", types.ActionDelete, h.deleteUser)
	h.authed(http.MethodPost, "/api/users/:id/password", h.setPassword)
	h.bind(http.MethodPost, "/api/users/:id/roles", "users", types.ActionWrite, h.assignRole)
	h.bind(http.MethodDelete, "/api/users/:id/roles/:role", "users", types.ActionWrite, h.revokeRole)
	h.authed(http.MethodGet, "/api/users/:id/api-keys", h.listAPIKeys)
	h.authed(http.MethodPost, "/api/users/:id/api-keys", h.issueAPIKey)
	h.authed(http.MethodDelete, "/api/users/:id/api-keys/:keyID", h.revokeAPIKey)
	h.bind(http.MethodGet, "/api/roles", "roles", types.ActionRead, h.listRoles)
	h.bind(http.MethodPost, "/api/roles", "roles", types.ActionWrite, h.createRole)
	h.bind(http.MethodDelete, "/api/roles/:id", "roles", types.ActionDelete, h.deleteRole)
	h.bind(http.MethodGet, "/api/roles/:id/permissions", "roles", types.ActionRead, h.rolePermissions)
	h.bind(http.MethodPost, "/api/roles/:id/permissions", "roles", types.ActionWrite, h.grantPermission)
	h.bind(http.MethodDelete, "/api/roles/:id/permissions/:permissionID", "roles", types.ActionWrite, h.revokePermission)

	// Nautobot passthrough and offboarding.
	h.bind(http.MethodGet, "/api/nautobot/*path", "devices", types.ActionRead, h.nautobotProxy)
	h.bind(http.MethodPost, "/api/nautobot/devices/:id/offboard", "devices", types.ActionDelete, h.offboardDevice)

	// Site agents.
	h.bind(http.MethodGet, "/api/agents", "agents", types.ActionRead, h.listAgents)
	h.bind(http.MethodGet, "/api/agents/:id", "agents", types.ActionRead, h.getAgent)
	h.bind(http.MethodGet, "/api/agents/:id/commands", "agents", types.ActionRead, h.agentCommands)
	h.bind(http.MethodPost, "/api/cockpit-agent/command", "agents", types.ActionRun, h.sendAgentCommand)
	h.bind(http.MethodPost, "/api/cockpit-agent/git-pull", "agents", types.ActionRun, h.agentGitPull)
	h.bind(http.MethodPost, "/api/cockpit-agent/docker-restart", "agents", types.ActionRun, h.agentDockerRestart)

	// Nautobot to CheckMK reconciliation.
	h.bind(http.MethodPost, "/api/nb2cmk/sync", "nb2cmk", types.ActionRun, h.startNB2CMKSync)
	h.bind(http.MethodPost, "/api/nb2cmk/compare", "nb2cmk", types.ActionRun, h.startNB2CMKCompare)
	h.bind(http.MethodGet, "/api/nb2cmk/jobs", "nb2cmk", types.ActionRead, h.listNB2CMKJobs)
	h.bind(http.MethodGet, "/api/nb2cmk/jobs/:id", "nb2cmk", types.ActionRead, h.getNB2CMKJob)
	h.bind(http.MethodGet, "/api/nb2cmk/jobs/:id/results", "nb2cmk", types.ActionRead, h.nb2cmkResults)

	// Settings and the audit trail.
	h.bind(http.MethodGet, "/api/settings", "settings", types.ActionRead, h.listSettings)
	h.bind(http.MethodGet, "/api/settings/:name", "settings", types.ActionRead, h.getSetting)
	h.bind(http.MethodPut, "/api/settings/:name", "settings", types.ActionWrite, h.updateSetting)
	h.bind(http.MethodGet, "/api/logs", "audit", types.ActionRead, h.queryLogs)

	return h, nil
}

// ServeHTTP tags every request with an ID and applies the per-client rate
// limit before routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	if err := h.cfg.Limiter.Allow(clientIP(r)); err != nil {
		httplib.ReplyError(w, err)
		return
	}
	h.Router.ServeHTTP(w, r)
}

// handlerFunc is an authenticated API handler.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error)

// bind registers an authenticated route guarded by the given permission.
func (h *Handler) bind(method, path, resource, action string, fn handlerFunc) {
	h.handle(&h.Router, method, path, h.withAccess(resource, action, fn))
}

// bindFallback is bind on the fallback router.
func (h *Handler) bindFallback(method, path, resource, action string, fn handlerFunc) {
	h.handle(&h.fallback, method, path, h.withAccess(resource, action, fn))
}

// authed registers a route that authenticates the caller but leaves
// authorization to the handler, used by self-service endpoints.
func (h *Handler) authed(method, path string, fn handlerFunc) {
	h.handle(&h.Router, method, path, fn)
}

func (h *Handler) withAccess(resource, action string, fn handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
		if err := h.cfg.Authorizer.CheckAccess(r.Context(), identity, resource, action); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, identity)
	}
}

func (h *Handler) handle(rt *httprouter.Router, method, path string, fn handlerFunc) {
	rt.Handle(method, path, httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		apiRequests.WithLabelValues(method, path).Inc()
		identity, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, identity)
	}))
}

// public registers an unauthenticated route.
func (h *Handler) public(method, path string, fn httplib.HandlerFunc) {
	h.Router.Handle(method, path, httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		apiRequests.WithLabelValues(method, path).Inc()
		return fn(w, r, p)
	}))
}

// authenticate resolves the bearer token into an identity. Every failure
// is reported uniformly as 401.
func (h *Handler) authenticate(r *http.Request) (*auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, httplib.Unauthorized("missing bearer token")
	}
	identity, err := h.cfg.Authorizer.Authenticate(r.Context(), token)
	if err != nil {
		h.log.DebugContext(r.Context(), "Request authentication failed.", "error", err)
		return nil, httplib.Unauthorized("invalid access token")
	}
	return identity, nil
}

// emit stamps the caller onto the event and records it.
func (h *Handler) emit(r *http.Request, identity *auth.Identity, event *types.AuditEvent) {
	event.Username = identity.Username
	userID := identity.UserID
	event.UserID = &userID
	event.IP = clientIP(r)
	h.cfg.Emitter.Emit(r.Context(), event)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Store.Ping(r.Context()); err != nil {
		return nil, httplib.ServiceUnavailable("database unreachable")
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]string{"version": cockpit.Version}, nil
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// clientIP is the audit and rate-limit identity of the caller: the first
// X-Forwarded-For hop when present, the socket peer otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pathID parses the named route parameter as a numeric entity ID.
func pathID(p httprouter.Params, name string) (int64, error) {
	raw := p.ByName(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, trace.BadParameter("invalid %v %q", name, raw)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("invalid %v %q", name, raw)
	}
	return n, nil
}

// queryDate parses start_date/end_date values: RFC 3339 or plain
// YYYY-MM-DD. The bool reports the date-only form so callers can extend
// an end date to cover the whole day.
func queryDate(r *http.Request, name string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, trace.BadParameter("invalid %v %q", name, raw)
	}
	return t, true, nil
}
