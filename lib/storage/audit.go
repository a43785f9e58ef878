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
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// InsertAuditEvent appends one event to the trail. The trail is append
// only; there are no update or delete operations.
func (s *Store) InsertAuditEvent(ctx context.Context, e *types.AuditEvent) error {
	if e.Type == "" {
		return trace.BadParameter("missing audit event type")
	}
	if e.Severity == "" {
		e.Severity = types.SeverityInfo
	}
	extra := e.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (username, user_id, event_type, message, ip, resource_type, resource_id, resource_name, severity, extra_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Username, e.UserID, e.Type, e.Message, e.IP,
		e.ResourceType, e.ResourceID, e.ResourceName, e.Severity, raw, s.now(),
	)
	return convertError(err)
}

// AuditFilter narrows audit queries. Zero values mean no constraint.
type AuditFilter struct {
	Username string
	Type     string
	Severity types.AuditSeverity
	// Search matches a substring of the message, case insensitively.
	Search string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// ListAuditEvents returns matching events newest first.
func (s *Store) ListAuditEvents(ctx context.Context, f AuditFilter) ([]types.AuditEvent, error) {
	query := "SELECT id, username, user_id, event_type, message, ip, resource_type, resource_id, resource_name, severity, extra_data, created_at FROM audit_logs WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Username != "" {
		query += " AND username = " + arg(f.Username)
	}
	if f.Type != "" {
		query += " AND event_type = " + arg(f.Type)
	}
	if f.Severity != "" {
		query += " AND severity = " + arg(f.Severity)
	}
	if f.Search != "" {
		query += " AND message ILIKE " + arg("%"+f.Search+"%")
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= " + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND created_at < " + arg(f.Until)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Username, &e.UserID, &e.Type, &e.Message, &e.IP,
			&e.ResourceType, &e.ResourceID, &e.ResourceName, &e.Severity, &raw, &e.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Extra); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

// CountAuditEvents counts events matching the filter, for pagination.
func (s *Store) CountAuditEvents(ctx context.Context, f AuditFilter) (int, error) {
	query := "SELECT count(*) FROM audit_logs WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Username != "" {
		query += " AND username = " + arg(f.Username)
	}
	if f.Type != "" {
		query += " AND event_type = " + arg(f.Type)
	}
	if f.Severity != "" {
		query += " AND severity = " + arg(f.Severity)
	}
	if f.Search != "" {
		query += " AND message ILIKE " + arg("%"+f.Search+"%")
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= " + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND created_at < " + arg(f.Until)
	}

	var n int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, convertError(err)
}
