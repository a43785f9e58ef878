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

// AuditSeverity grades audit events.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// Audit event types emitted by the control plane. The set is open; these
// are the ones the engine itself produces.
const (
	EventUserLogin        = "user.login"
	EventUserLoginFailed  = "user.login_failed"
	EventTokenRefresh     = "user.token_refresh"
	EventAPIKeyLogin      = "user.api_key_login"
	EventAPIKeyIssued     = "user.api_key_issued"
	EventAPIKeyRevoked    = "user.api_key_revoked"
	EventUserCreate       = "user.create"
	EventUserUpdate       = "user.update"
	EventUserDelete       = "user.delete"
	EventRoleChange       = "rbac.role_change"
	EventCredentialCreate = "credential.create"
	EventCredentialUpdate = "credential.update"
	EventCredentialDelete = "credential.delete"
	EventKeyRotation      = "credential.key_rotation"
	EventJobStart         = "job.start"
	EventJobCancel        = "job.cancel"
	EventDeviceOffboard   = "device.offboard"
	EventCheckMKSync      = "checkmk.sync"
	EventAgentCommand     = "agent.command"
)

// AuditEvent is one row of the append-only trail. Events are never updated
// or deleted through the API.
type AuditEvent struct {
	ID           int64          `json:"id"`
	Username     string         `json:"username"`
	UserID       *int64         `json:"user_id,omitempty"`
	Type         string         `json:"event_type"`
	Message      string         `json:"message"`
	IP           string         `json:"ip,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceName string         `json:"resource_name,omitempty"`
	Severity     AuditSeverity  `json:"severity"`
	Extra        map[string]any `json:"extra_data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
