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

package auth

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// Resources guarded by RBAC. Every resource carries read, write and
// delete; the runnable ones also carry run.
var Resources = []string{
	"jobs", "templates", "schedules", "credentials", "inventories",
	"git_repositories", "users", "roles", "settings", "agents",
	"devices", "nb2cmk", "audit",
}

// runnableResources additionally get the run action.
var runnableResources = map[string]bool{
	"jobs":   true,
	"agents": true,
	"nb2cmk": true,
}

// BootstrapStore is the slice of the storage layer seeding writes through.
type BootstrapStore interface {
	EnsurePermission(ctx context.Context, resource, action string) (*types.Permission, error)
	CreateRole(ctx context.Context, r *types.Role) (*types.Role, error)
	GetRoleByName(ctx context.Context, name string) (*types.Role, error)
	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	CreateUser(ctx context.Context, u *types.User) (*types.User, error)
	GetUserByName(ctx context.Context, username string) (*types.User, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
}

// BootstrapParams configures first-start seeding.
type BootstrapParams struct {
	// AdminUsername and AdminPassword create the initial admin account when
	// both are set and the user does not exist yet. An existing account is
	// never touched, in particular its password is never reset.
	AdminUsername string
	AdminPassword string
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Bootstrap seeds the permission catalogue and the builtin admin and
// viewer roles, and optionally the initial admin user. Every step is
// idempotent, so running it on every start is safe.
func Bootstrap(ctx context.Context, store BootstrapStore, params BootstrapParams) error {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	perms, err := seedPermissions(ctx, store)
	if err != nil {
		return trace.Wrap(err)
	}

	adminRole, err := ensureRole(ctx, store, types.RoleAdmin, "Full access to everything")
	if err != nil {
		return trace.Wrap(err)
	}
	// The admin role links every permission so the grant graph stays
	// closed even for tooling that inspects it directly.
	for _, p := range perms {
		if err := store.GrantPermission(ctx, adminRole.ID, p.ID); err != nil {
			return trace.Wrap(err)
		}
	}

	viewerRole, err := ensureRole(ctx, store, types.RoleViewer, "Read-only access")
	if err != nil {
		return trace.Wrap(err)
	}
	for _, p := range perms {
		if p.Action != types.ActionRead {
			continue
		}
		if err := store.GrantPermission(ctx, viewerRole.ID, p.ID); err != nil {
			return trace.Wrap(err)
		}
	}

	if params.AdminUsername == "" || params.AdminPassword == "" {
		return nil
	}
	_, err = store.GetUserByName(ctx, params.AdminUsername)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}

	hash, err := HashPassword(params.AdminPassword)
	if err != nil {
		return trace.Wrap(err)
	}
	admin, err := store.CreateUser(ctx, &types.User{
		Username:     params.AdminUsername,
		DisplayName:  "Administrator",
		Active:       true,
		PasswordHash: hash,
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if err := store.AssignRole(ctx, admin.ID, adminRole.ID); err != nil {
		return trace.Wrap(err)
	}
	logger.InfoContext(ctx, "Created initial admin account.", "username", params.AdminUsername)
	return nil
}

func seedPermissions(ctx context.Context, store BootstrapStore) ([]types.Permission, error) {
	var out []types.Permission
	for _, resource := range Resources {
		actions := []string{types.ActionRead, types.ActionWrite, types.ActionDelete}
		if runnableResources[resource] {
			actions = append(actions, types.ActionRun)
		}
		for _, action := range actions {
			p, err := store.EnsurePermission(ctx, resource, action)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			out = append(out, *p)
		}
	}
	return out, nil
}

func ensureRole(ctx context.Context, store BootstrapStore, name, description string) (*types.Role, error) {
	role, err := store.GetRoleByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	role, err = store.CreateRole(ctx, &types.Role{
		Name:        name,
		Description: description,
		Builtin:     true,
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return store.GetRoleByName(ctx, name)
		}
		return nil, trace.Wrap(err)
	}
	return role, nil
}
