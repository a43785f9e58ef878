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

package types

import "time"

// AgentCommandStatus is the lifecycle of a dispatched agent command.
// Transitions are pending → success | error | timeout, never back.
type AgentCommandStatus string

const (
	AgentCommandPending AgentCommandStatus = "pending"
	AgentCommandSuccess AgentCommandStatus = "success"
	AgentCommandError   AgentCommandStatus = "error"
	AgentCommandTimeout AgentCommandStatus = "timeout"
)

// IsTerminal reports whether the command reached a final state.
func (s AgentCommandStatus) IsTerminal() bool {
	return s != AgentCommandPending
}

// AgentCommand is a persisted record of a command sent to a site agent.
type AgentCommand struct {
	ID      int64  `json:"id"`
	AgentID string `json:"agent_id"`
	// CommandID is the UUID used for response correlation on the bus.
	CommandID string             `json:"command_id"`
	Command   string             `json:"command"`
	Params    map[string]any     `json:"params,omitempty"`
	Status    AgentCommandStatus `json:"status"`
	Output    string             `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
	// ExecutionTimeMS is reported by the agent, not measured here.
	ExecutionTimeMS *int64     `json:"execution_time_ms,omitempty"`
	SentAt          time.Time  `json:"sent_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	SentBy          string     `json:"sent_by"`
}

// Commands every agent understands. Agents may expose more via their
// capabilities list.
const (
	AgentCommandEcho          = "echo"
	AgentCommandGitPull       = "git_pull"
	AgentCommandDockerRestart = "docker_restart"
)

// AgentInfo is an entry from the agent registry, assembled from the
// heartbeat hash.
type AgentInfo struct {
	AgentID string `json:"agent_id"`
	// Status is what the agent last reported; the registry downgrades it to
	// offline when the heartbeat goes stale.
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       string    `json:"version,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	// CommandsExecuted counts commands since the agent started.
	CommandsExecuted int64 `json:"commands_executed"`
}

// Agent status values reported over heartbeats.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Online reports whether the last heartbeat is recent enough at the given
// instant.
func (a *AgentInfo) Online(now time.Time, offlineAfter time.Duration) bool {
	return now.Sub(a.LastHeartbeat) <= offlineAfter
}
