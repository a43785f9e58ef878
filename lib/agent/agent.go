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

// Package agent is the site-local agent runtime. It heartbeats into the
// registry, listens for commands on its request channel and answers on its
// response channel. The only things it will execute are echo, a git pull
// of an allow-listed repository path and a docker restart of allow-listed
// containers; both allow-lists come from the agent's env file.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/agentbus"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// CommandRunner executes one local command and returns its combined
// output. Swapped for a fake in tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, trace.Wrap(err)
	}
	return out, nil
}

// Config holds the parameters to construct an Agent.
type Config struct {
	// AgentID names this agent on the bus and in the registry.
	AgentID string
	// Client is a connected redis client.
	Client redis.UniversalClient
	// Version is reported over heartbeats.
	Version string
	// AllowedRepoPaths are the only paths git_pull will touch.
	AllowedRepoPaths []string
	// AllowedContainers are the only containers docker_restart will touch.
	AllowedContainers []string
	// HeartbeatInterval is how often the registry entry is refreshed.
	HeartbeatInterval time.Duration
	// RunCommand executes local commands.
	RunCommand CommandRunner
	// Clock is used for timestamps and execution timing.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.AgentID == "" {
		return trace.BadParameter("missing parameter AgentID")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Version == "" {
		c.Version = cockpit.Version
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.AgentHeartbeatInterval
	}
	if c.RunCommand == nil {
		c.RunCommand = execRunner
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentAgent, "agent_id", c.AgentID)
	}
	return nil
}

// Capabilities lists the commands every agent answers.
func Capabilities() []string {
	return []string{types.AgentCommandEcho, types.AgentCommandGitPull, types.AgentCommandDockerRestart}
}

// Agent runs the heartbeat and command loops for one site.
type Agent struct {
	cfg              Config
	startedAt        time.Time
	commandsExecuted atomic.Int64
}

// New returns an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Agent{cfg: cfg, startedAt: cfg.Clock.Now().UTC()}, nil
}

// Run blocks serving heartbeats and commands until the context is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.cfg.Logger.InfoContext(ctx, "Agent starting.",
		"version", a.cfg.Version,
		"allowed_repos", a.cfg.AllowedRepoPaths,
		"allowed_containers", a.cfg.AllowedContainers)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.heartbeatLoop(ctx) })
	group.Go(func() error { return a.commandLoop(ctx) })
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return trace.Wrap(err)
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := a.cfg.Clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.heartbeat(ctx); err != nil {
			a.cfg.Logger.WarnContext(ctx, "Heartbeat failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	return trace.Wrap(agentbus.WriteHeartbeat(ctx, a.cfg.Client, types.AgentInfo{
		AgentID:          a.cfg.AgentID,
		Status:           types.AgentOnline,
		LastHeartbeat:    a.cfg.Clock.Now().UTC(),
		Version:          a.cfg.Version,
		Capabilities:     Capabilities(),
		StartedAt:        a.startedAt,
		CommandsExecuted: a.commandsExecuted.Load(),
	}))
}

func (a *Agent) commandLoop(ctx context.Context) error {
	sub := a.cfg.Client.Subscribe(ctx, agentbus.RequestChannel(a.cfg.AgentID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return trace.ConnectionProblem(err, "subscribing to command channel")
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return trace.ConnectionProblem(nil, "command subscription closed")
			}
			var req agentbus.Request
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				a.cfg.Logger.WarnContext(ctx, "Dropping undecodable command.", "error", err)
				continue
			}
			// Commands run independently; a slow git pull must not
			// starve an echo health check.
			go a.handle(ctx, req)
		}
	}
}

// handle executes one request and publishes the response. Every request
// gets exactly one response, success or error.
func (a *Agent) handle(ctx context.Context, req agentbus.Request) {
	a.cfg.Logger.InfoContext(ctx, "Executing command.",
		"command", req.Command, "command_id", req.CommandID, "sender", req.Sender)

	start := a.cfg.Clock.Now()
	output, err := a.dispatch(ctx, req)
	elapsed := a.cfg.Clock.Since(start).Milliseconds()

	resp := agentbus.Response{
		CommandID:       req.CommandID,
		Status:          string(types.AgentCommandSuccess),
		Output:          output,
		ExecutionTimeMS: &elapsed,
	}
	if err != nil {
		resp.Status = string(types.AgentCommandError)
		resp.Error = err.Error()
		a.cfg.Logger.WarnContext(ctx, "Command failed.",
			"command", req.Command, "command_id", req.CommandID, "error", err)
	}
	a.commandsExecuted.Add(1)

	payload, err := json.Marshal(resp)
	if err != nil {
		a.cfg.Logger.ErrorContext(ctx, "Failed to encode response.", "command_id", req.CommandID, "error", err)
		return
	}
	if err := a.cfg.Client.Publish(ctx, agentbus.ResponseChannel(a.cfg.AgentID), payload).Err(); err != nil {
		a.cfg.Logger.ErrorContext(ctx, "Failed to publish response.", "command_id", req.CommandID, "error", err)
	}
}

func (a *Agent) dispatch(ctx context.Context, req agentbus.Request) (string, error) {
	switch req.Command {
	case types.AgentCommandEcho:
		if msg, ok := req.Params["message"].(string); ok && msg != "" {
			return msg, nil
		}
		return "pong", nil
	case types.AgentCommandGitPull:
		return a.gitPull(ctx, req.Params)
	case types.AgentCommandDockerRestart:
		return a.dockerRestart(ctx, req.Params)
	default:
		return "", trace.BadParameter("unknown command %q", req.Command)
	}
}

func (a *Agent) gitPull(ctx context.Context, params map[string]any) (string, error) {
	path, _ := params["repository_path"].(string)
	if path == "" {
		return "", trace.BadParameter("missing repository_path")
	}
	path = filepath.Clean(path)
	if !a.pathAllowed(path) {
		return "", trace.AccessDenied("repository path %q is not allowed", path)
	}
	branch, _ := params["branch"].(string)
	if branch == "" {
		branch = "main"
	}

	out, err := a.cfg.RunCommand(ctx, "git", "-C", path, "pull", "origin", branch)
	if err != nil {
		return string(out), trace.Wrap(err, "git pull failed")
	}
	return string(out), nil
}

func (a *Agent) pathAllowed(path string) bool {
	for _, allowed := range a.cfg.AllowedRepoPaths {
		if filepath.Clean(allowed) == path {
			return true
		}
	}
	return false
}

// dockerRestart restarts the named container, or every allow-listed
// container when the request names none.
func (a *Agent) dockerRestart(ctx context.Context, params map[string]any) (string, error) {
	var containers []string
	if name, _ := params["container"].(string); name != "" {
		if !slices.Contains(a.cfg.AllowedContainers, name) {
			return "", trace.AccessDenied("container %q is not allowed", name)
		}
		containers = []string{name}
	} else {
		containers = a.cfg.AllowedContainers
	}
	if len(containers) == 0 {
		return "", trace.BadParameter("no containers configured for restart")
	}

	var outputs []string
	for _, name := range containers {
		out, err := a.cfg.RunCommand(ctx, "docker", "restart", name)
		if err != nil {
			outputs = append(outputs, strings.TrimSpace(string(out)))
			return strings.Join(outputs, "\n"), trace.Wrap(err, "docker restart %v failed", name)
		}
		outputs = append(outputs, strings.TrimSpace(string(out)))
	}
	return strings.Join(outputs, "\n"), nil
}

// LoadEnvFile parses an env file of KEY=VALUE lines. Blank lines and #
// comments are skipped; surrounding quotes on values are stripped.
func LoadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, trace.BadParameter("malformed line %q in %v", line, path)
		}
		env[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return env, nil
}

// ConfigFromEnv builds an agent Config from env-file values. Recognised
// keys: AGENT_ID, REDIS_URL, AGENT_VERSION, ALLOWED_REPO_PATHS,
// ALLOWED_CONTAINERS (both comma separated), HEARTBEAT_INTERVAL.
func ConfigFromEnv(env map[string]string) (Config, error) {
	redisURL := env["REDIS_URL"]
	if redisURL == "" {
		return Config{}, trace.BadParameter("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return Config{}, trace.BadParameter("malformed REDIS_URL: %v", err)
	}

	cfg := Config{
		AgentID:           env["AGENT_ID"],
		Client:            redis.NewClient(opts),
		Version:           env["AGENT_VERSION"],
		AllowedRepoPaths:  splitList(env["ALLOWED_REPO_PATHS"]),
		AllowedContainers: splitList(env["ALLOWED_CONTAINERS"]),
	}
	if v := env["HEARTBEAT_INTERVAL"]; v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, trace.BadParameter("malformed HEARTBEAT_INTERVAL: %v", err)
		}
		cfg.HeartbeatInterval = interval
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
