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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/httplib"
)

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	if h.cfg.Bus == nil {
		return nil, trace.BadParameter("agent bus is not configured")
	}
	agents, err := h.cfg.Bus.ListAgents(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": agents}, nil
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	if h.cfg.Bus == nil {
		return nil, trace.BadParameter("agent bus is not configured")
	}
	agent, err := h.cfg.Bus.GetAgent(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return agent, nil
}

func (h *Handler) agentCommands(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	commands, err := h.cfg.Store.ListAgentCommands(r.Context(), p.ByName("id"), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": commands}, nil
}

// requireAgentOnline gates every command dispatch. An offline agent is
// rejected before anything is persisted, so the command history only
// contains commands an agent could actually have received.
func (h *Handler) requireAgentOnline(r *http.Request, agentID string) error {
	if h.cfg.Bus == nil {
		return trace.BadParameter("agent bus is not configured")
	}
	if agentID == "" {
		return trace.BadParameter("missing agent_id")
	}
	online, err := h.cfg.Bus.IsAgentOnline(r.Context(), agentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !online {
		return httplib.ServiceUnavailable("Agent is offline or not responding")
	}
	return nil
}

func (h *Handler) emitAgentCommand(r *http.Request, identity *auth.Identity, cmd *types.AgentCommand) {
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventAgentCommand,
		Message:      "Sent agent command",
		ResourceType: "agent",
		ResourceID:   cmd.AgentID,
		Extra:        map[string]any{"command": cmd.Command, "command_id": cmd.ID},
	})
}

type agentCommandRequest struct {
	AgentID string         `json:"agent_id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// sendAgentCommand dispatches fire-and-forget: the response carries the
// pending command row, the result arrives asynchronously on the bus.
func (h *Handler) sendAgentCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req agentCommandRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	switch req.Command {
	case types.AgentCommandEcho, types.AgentCommandGitPull, types.AgentCommandDockerRestart:
	default:
		return nil, trace.BadParameter("unsupported agent command %q", req.Command)
	}
	if err := h.requireAgentOnline(r, req.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	cmd, err := h.cfg.Bus.SendCommand(r.Context(), req.AgentID, req.Command, req.Params, identity.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emitAgentCommand(r, identity, cmd)
	return cmd, nil
}

// executeAgentCommand is the synchronous variant: it blocks until the
// agent responds or the timeout elapses, which maps to 504.
func (h *Handler) executeAgentCommand(r *http.Request, identity *auth.Identity, agentID, command string, params map[string]any, timeout time.Duration) (*types.AgentCommand, error) {
	if err := h.requireAgentOnline(r, agentID); err != nil {
		return nil, trace.Wrap(err)
	}
	cmd, err := h.cfg.Bus.Execute(r.Context(), agentID, command, params, identity.Username, timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emitAgentCommand(r, identity, cmd)
	if cmd.Status == types.AgentCommandTimeout {
		return nil, httplib.GatewayTimeout("agent %q did not respond within %v", agentID, timeout)
	}
	return cmd, nil
}

type gitPullRequest struct {
	AgentID        string `json:"agent_id"`
	RepositoryPath string `json:"repository_path,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

// agentGitPull tells the agent to update its deployment working copy and
// waits for the result.
func (h *Handler) agentGitPull(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req gitPullRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	params := map[string]any{}
	if req.RepositoryPath != "" {
		params["path"] = req.RepositoryPath
	}
	if req.Branch != "" {
		params["branch"] = req.Branch
	}
	cmd, err := h.executeAgentCommand(r, identity, req.AgentID, types.AgentCommandGitPull, params, defaults.AgentGitPullTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cmd, nil
}

type dockerRestartRequest struct {
	AgentID string `json:"agent_id"`
}

// agentDockerRestart bounces the agent's docker compose stack and waits
// for the result. Restarts take longer than a pull, hence the larger
// timeout.
func (h *Handler) agentDockerRestart(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req dockerRestartRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	cmd, err := h.executeAgentCommand(r, identity, req.AgentID, types.AgentCommandDockerRestart, nil, defaults.AgentDockerRestartTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cmd, nil
}
