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

// Package types defines the entities shared between the storage layer, the
// job engine and the API surface.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

// User is a local account that can authenticate against the API.
type User struct {
	// ID is the database identifier.
	ID int64 `json:"id"`
	// Username is unique across the installation.
	Username string `json:"username"`
	// DisplayName is shown in the UI and audit trail.
	DisplayName string `json:"display_name"`
	// Email is informational only.
	Email string `json:"email,omitempty"`
	// Active gates authentication; inactive users keep their history.
	Active bool `json:"active"`
	// PasswordHash is the encoded PBKDF2 hash, never the plaintext.
	// Format: pbkdf2_sha256$<iterations>$<salt b64>$<digest b64>.
	PasswordHash string `json:"-"`
	// Roles carries the names of assigned roles when loaded with them.
	Roles []string `json:"roles,omitempty"`
	// LastLogin is updated on every successful authentication.
	LastLogin *time.Time `json:"last_login,omitempty"`
	// CreatedAt is set on insert.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is set on every write.
	UpdatedAt time.Time `json:"updated_at"`
}

// Check validates the user entity before it is written.
func (u *User) Check() error {
	if u.Username == "" {
		return trace.BadParameter("missing username")
	}
	if u.PasswordHash == "" {
		return trace.BadParameter("user %q has no password hash", u.Username)
	}
	return nil
}

// Role names a set of permissions.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Builtin roles (admin, viewer) cannot be deleted.
	Builtin   bool      `json:"builtin"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// RoleAdmin grants every permission, including ones created later.
	RoleAdmin = "admin"
	// RoleViewer grants read on every resource.
	RoleViewer = "viewer"
)

// Permission is a (resource, action) tuple.
type Permission struct {
	ID       int64  `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Actions understood by the RBAC layer.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionRun    = "run"
)

// Key returns the canonical "resource:action" form used in JWT claims and
// lookups.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// UserProfile holds per-user API access material. The key itself is shown
// once at creation; only its hash is stored.
type UserProfile struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	APIKeyHash string     `json:"-"`
	KeyName    string     `json:"key_name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}
