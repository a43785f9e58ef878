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

// Package agentbus carries commands to site agents and responses back over
// redis pub/sub. Each agent listens on its own request channel and answers
// on its own response channel; correlation is by command UUID only, so
// independent commands have no ordering guarantees. The bus also owns the
// agent registry: per-agent heartbeat hashes with a TTL that lets absent
// agents age out.
package agentbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/utils"
)

var (
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_agent_commands_total",
			Help: "Commands dispatched to site agents, by command name.",
		},
		[]string{"command"},
	)
	commandTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cockpit_agent_command_timeouts_total",
			Help: "Commands that timed out waiting for an agent response.",
		},
	)
)

// Request is the envelope published on an agent's request channel.
type Request struct {
	CommandID string         `json:"command_id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	// Timestamp is epoch seconds at dispatch.
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// Response is the envelope agents publish on their response channel.
type Response struct {
	CommandID string `json:"command_id"`
	// Status is success, error or timeout; anything unknown counts as
	// error.
	Status          string `json:"status"`
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS *int64 `json:"execution_time_ms,omitempty"`
}

// CommandStatus maps a wire status to the persisted lifecycle value.
func (r *Response) CommandStatus() types.AgentCommandStatus {
	switch r.Status {
	case string(types.AgentCommandSuccess):
		return types.AgentCommandSuccess
	case string(types.AgentCommandTimeout):
		return types.AgentCommandTimeout
	default:
		return types.AgentCommandError
	}
}

// CommandStore is the persistence slice of the storage layer the bus
// needs: every dispatched command gets a row, finalised exactly once.
type CommandStore interface {
	InsertAgentCommand(ctx context.Context, c *types.AgentCommand) (*types.AgentCommand, error)
	GetAgentCommand(ctx context.Context, commandID string) (*types.AgentCommand, error)
	CompleteAgentCommand(ctx context.Context, commandID string, status types.AgentCommandStatus, output, errMsg string, executionTimeMS *int64) error
}

// Config holds the parameters to construct a Bus.
type Config struct {
	// Client is a connected redis client.
	Client redis.UniversalClient
	// Store persists command rows.
	Store CommandStore
	// Clock is used for request timestamps and staleness checks.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentAgentBus)
	}
	return nil
}

// Bus is the control-plane side of the agent protocol.
type Bus struct {
	c Config
}

// New returns a Bus.
func New(cfg Config) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(commandsSent, commandTimeouts); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{c: cfg}, nil
}

// RequestChannel is the pub/sub topic an agent receives commands on.
func RequestChannel(agentID string) string {
	return defaults.AgentChannelPrefix + agentID
}

// ResponseChannel is the pub/sub topic an agent answers on.
func ResponseChannel(agentID string) string {
	return defaults.AgentResponseChannelPrefix + agentID
}

// registryKey is the heartbeat hash of one agent.
func registryKey(agentID string) string {
	return defaults.AgentRegistryPrefix + agentID
}

// SendCommand persists a pending command row and publishes the request to
// the agent's channel. Fire-and-forget: the caller pairs it with
// WaitForResponse when it needs the outcome. A failed publish finalises
// the row as error so nothing is left pending forever.
func (b *Bus) SendCommand(ctx context.Context, agentID, command string, params map[string]any, sentBy string) (*types.AgentCommand, error) {
	if agentID == "" {
		return nil, trace.BadParameter("missing agent ID")
	}
	if command == "" {
		return nil, trace.BadParameter("missing command")
	}

	row, err := b.c.Store.InsertAgentCommand(ctx, &types.AgentCommand{
		AgentID:   agentID,
		CommandID: uuid.NewString(),
		Command:   command,
		Params:    params,
		SentBy:    sentBy,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	payload, err := json.Marshal(Request{
		CommandID: row.CommandID,
		Command:   command,
		Params:    params,
		Timestamp: b.c.Clock.Now().Unix(),
		Sender:    sentBy,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := b.c.Client.Publish(ctx, RequestChannel(agentID), payload).Err(); err != nil {
		if completeErr := b.c.Store.CompleteAgentCommand(ctx, row.CommandID, types.AgentCommandError, "", "publish failed: "+err.Error(), nil); completeErr != nil {
			b.c.Logger.WarnContext(ctx, "Failed to finalise unpublished command.",
				"command_id", row.CommandID, "error", completeErr)
		}
		return nil, trace.ConnectionProblem(err, "publishing command to agent %v", agentID)
	}
	commandsSent.WithLabelValues(command).Inc()
	b.c.Logger.InfoContext(ctx, "Dispatched agent command.",
		"agent_id", agentID, "command", command, "command_id", row.CommandID)
	return row, nil
}

// WaitForResponse blocks until the agent answers the given command, the
// timeout elapses or the context is cancelled, and returns the finalised
// command row. Timeouts finalise the row as timeout; if a response slips
// in concurrently, the response wins and is returned.
func (b *Bus) WaitForResponse(ctx context.Context, commandID string, timeout time.Duration) (*types.AgentCommand, error) {
	row, err := b.c.Store.GetAgentCommand(ctx, commandID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if row.Status.IsTerminal() {
		return row, nil
	}

	sub := b.c.Client.Subscribe(ctx, ResponseChannel(row.AgentID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, trace.ConnectionProblem(err, "subscribing to agent %v responses", row.AgentID)
	}
	return b.await(ctx, sub, commandID, timeout)
}

// Execute is the send-and-wait path: it opens the response subscription
// before publishing so an agent that answers faster than the caller can
// re-subscribe is never missed.
func (b *Bus) Execute(ctx context.Context, agentID, command string, params map[string]any, sentBy string, timeout time.Duration) (*types.AgentCommand, error) {
	sub := b.c.Client.Subscribe(ctx, ResponseChannel(agentID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, trace.ConnectionProblem(err, "subscribing to agent %v responses", agentID)
	}

	row, err := b.SendCommand(ctx, agentID, command, params, sentBy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b.await(ctx, sub, row.CommandID, timeout)
}

// await consumes the open subscription until a response with the wanted
// command ID arrives. Responses for other commands are other waiters'
// business; duplicates for an already-finalised command are dropped by the
// write-once storage update.
func (b *Bus) await(ctx context.Context, sub *redis.PubSub, commandID string, timeout time.Duration) (*types.AgentCommand, error) {
	if timeout <= 0 {
		timeout = defaults.AgentCommandTimeout
	}
	if timeout > defaults.AgentCommandMaxTimeout {
		timeout = defaults.AgentCommandMaxTimeout
	}

	messages := sub.Channel()
	timer := b.c.Clock.After(timeout)
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil, trace.ConnectionProblem(nil, "response subscription closed")
			}
			var resp Response
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				b.c.Logger.WarnContext(ctx, "Dropping undecodable agent response.", "error", err)
				continue
			}
			if resp.CommandID != commandID {
				continue
			}
			err := b.c.Store.CompleteAgentCommand(ctx, commandID, resp.CommandStatus(), resp.Output, resp.Error, resp.ExecutionTimeMS)
			if err != nil && !trace.IsCompareFailed(err) {
				return nil, trace.Wrap(err)
			}
			return b.c.Store.GetAgentCommand(ctx, commandID)

		case <-timer:
			commandTimeouts.Inc()
			err := b.c.Store.CompleteAgentCommand(ctx, commandID, types.AgentCommandTimeout, "", "timed out waiting for agent response", nil)
			if err != nil && !trace.IsCompareFailed(err) {
				return nil, trace.Wrap(err)
			}
			return b.c.Store.GetAgentCommand(ctx, commandID)

		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// Heartbeat writes the agent's registry hash and refreshes its TTL. Both
// the control plane and the agent binary use this codec so the hash schema
// lives in one place.
func (b *Bus) Heartbeat(ctx context.Context, info types.AgentInfo) error {
	if info.AgentID == "" {
		return trace.BadParameter("missing agent ID")
	}
	return trace.Wrap(WriteHeartbeat(ctx, b.c.Client, info))
}

// WriteHeartbeat stores one registry entry. Split out so the agent binary
// can heartbeat without constructing a full Bus.
func WriteHeartbeat(ctx context.Context, client redis.UniversalClient, info types.AgentInfo) error {
	key := registryKey(info.AgentID)
	fields := map[string]any{
		"status":            info.Status,
		"last_heartbeat":    strconv.FormatInt(info.LastHeartbeat.Unix(), 10),
		"version":           info.Version,
		"capabilities":      strings.Join(info.Capabilities, ","),
		"started_at":        strconv.FormatInt(info.StartedAt.Unix(), 10),
		"commands_executed": strconv.FormatInt(info.CommandsExecuted, 10),
	}
	pipe := client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, defaults.AgentOfflineAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return trace.ConnectionProblem(err, "writing heartbeat for agent %v", info.AgentID)
	}
	return nil
}

// ListAgents scans the registry and returns every known agent, sorted by
// ID. Agents whose heartbeat is older than the offline threshold are
// reported with status offline regardless of what they last claimed.
func (b *Bus) ListAgents(ctx context.Context) ([]types.AgentInfo, error) {
	var agents []types.AgentInfo
	iter := b.c.Client.Scan(ctx, 0, defaults.AgentRegistryPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		agentID := strings.TrimPrefix(iter.Val(), defaults.AgentRegistryPrefix)
		info, err := b.GetAgent(ctx, agentID)
		if err != nil {
			if trace.IsNotFound(err) {
				// Expired between scan and read.
				continue
			}
			return nil, trace.Wrap(err)
		}
		agents = append(agents, *info)
	}
	if err := iter.Err(); err != nil {
		return nil, trace.ConnectionProblem(err, "scanning agent registry")
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// GetAgent reads one registry entry.
func (b *Bus) GetAgent(ctx context.Context, agentID string) (*types.AgentInfo, error) {
	fields, err := b.c.Client.HGetAll(ctx, registryKey(agentID)).Result()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading agent %v", agentID)
	}
	if len(fields) == 0 {
		return nil, trace.NotFound("agent %v not found", agentID)
	}
	info := parseAgentHash(agentID, fields)
	if !info.Online(b.c.Clock.Now(), defaults.AgentOfflineAfter) {
		info.Status = types.AgentOffline
	}
	return &info, nil
}

// IsAgentOnline reports whether the agent has a fresh heartbeat. Unknown
// agents are offline, not errors.
func (b *Bus) IsAgentOnline(ctx context.Context, agentID string) (bool, error) {
	info, err := b.GetAgent(ctx, agentID)
	if trace.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return info.Status != types.AgentOffline, nil
}

func parseAgentHash(agentID string, fields map[string]string) types.AgentInfo {
	info := types.AgentInfo{
		AgentID: agentID,
		Status:  fields["status"],
		Version: fields["version"],
	}
	if epoch, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		info.LastHeartbeat = time.Unix(epoch, 0).UTC()
	}
	if epoch, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		info.StartedAt = time.Unix(epoch, 0).UTC()
	}
	if n, err := strconv.ParseInt(fields["commands_executed"], 10, 64); err == nil {
		info.CommandsExecuted = n
	}
	if caps := fields["capabilities"]; caps != "" {
		info.Capabilities = strings.Split(caps, ",")
	}
	return info
}
