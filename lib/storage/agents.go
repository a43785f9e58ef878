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

package storage

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

const agentCommandColumns = "id, agent_id, command_id, command, params, status, output, error, execution_time_ms, sent_at, completed_at, sent_by"

func scanAgentCommand(scan func(dest ...any) error) (*types.AgentCommand, error) {
	var c types.AgentCommand
	var params []byte
	err := scan(&c.ID, &c.AgentID, &c.CommandID, &c.Command, &params, &c.Status,
		&c.Output, &c.Error, &c.ExecutionTimeMS, &c.SentAt, &c.CompletedAt, &c.SentBy)
	if err != nil {
		return nil, convertError(err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &c, nil
}

// InsertAgentCommand records a dispatched command in pending state.
func (s *Store) InsertAgentCommand(ctx context.Context, c *types.AgentCommand) (*types.AgentCommand, error) {
	if c.AgentID == "" || c.CommandID == "" || c.Command == "" {
		return nil, trace.BadParameter("agent command needs agent ID, command ID and a command")
	}
	params := c.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return scanAgentCommand(s.pool.QueryRow(ctx,
		`INSERT INTO agent_commands (agent_id, command_id, command, params, status, sent_at, sent_by)
VALUES ($1, $2, $3, $4, 'pending', $5, $6) RETURNING `+agentCommandColumns,
		c.AgentID, c.CommandID, c.Command, raw, s.now(), c.SentBy,
	).Scan)
}

// GetAgentCommand fetches a command record by its correlation ID.
func (s *Store) GetAgentCommand(ctx context.Context, commandID string) (*types.AgentCommand, error) {
	c, err := scanAgentCommand(s.pool.QueryRow(ctx,
		"SELECT "+agentCommandColumns+" FROM agent_commands WHERE command_id = $1", commandID,
	).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("agent command %q not found", commandID)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// CompleteAgentCommand records the response for a pending command. Late
// responses to already-finalised commands are dropped: the first writer
// wins and the call reports CompareFailed.
func (s *Store) CompleteAgentCommand(ctx context.Context, commandID string, status types.AgentCommandStatus, output, errMsg string, executionTimeMS *int64) error {
	if !status.IsTerminal() {
		return trace.BadParameter("status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_commands SET status = $2, output = $3, error = $4, execution_time_ms = $5, completed_at = $6
WHERE command_id = $1 AND status = 'pending'`,
		commandID, status, output, errMsg, executionTimeMS, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.CompareFailed("agent command %q is not pending", commandID)
	}
	return nil
}

// ListAgentCommands returns the command history for one agent, newest
// first, or for all agents when agentID is empty.
func (s *Store) ListAgentCommands(ctx context.Context, agentID string, limit int) ([]types.AgentCommand, error) {
	query := "SELECT " + agentCommandColumns + " FROM agent_commands"
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = $1"
		args = append(args, agentID)
	}
	query += " ORDER BY sent_at DESC"
	if limit > 0 {
		args = append(args, limit)
		if agentID != "" {
			query += " LIMIT $2"
		} else {
			query += " LIMIT $1"
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.AgentCommand
	for rows.Next() {
		c, err := scanAgentCommand(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, trace.Wrap(rows.Err())
}
