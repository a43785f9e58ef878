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
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/netcockpit/cockpit/api/types"
)

const userColumns = "id, username, display_name, email, active, password_hash, last_login, created_at, updated_at"

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Active, &u.PasswordHash, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &u, nil
}

// CreateUser inserts a new user and returns it with the assigned ID.
func (s *Store) CreateUser(ctx context.Context, u *types.User) (*types.User, error) {
	if err := u.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.now()
	return scanUser(s.pool.QueryRow(ctx,
		"INSERT INTO users (username, display_name, email, active, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+userColumns,
		u.Username, u.DisplayName, u.Email, u.Active, u.PasswordHash, now,
	))
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return u, nil
}

// GetUserByName fetches a user by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", username)
		}
		return nil, trace.Wrap(err)
	}
	return u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Active, &u.PasswordHash, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, u)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateUser updates mutable user fields. The username is immutable.
func (s *Store) UpdateUser(ctx context.Context, u *types.User) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET display_name = $2, email = $3, active = $4, updated_at = $5 WHERE id = $1",
		u.ID, u.DisplayName, u.Email, u.Active, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %d not found", u.ID)
	}
	return nil
}

// SetUserPassword replaces the stored password hash.
func (s *Store) SetUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1",
		userID, passwordHash, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %d not found", userID)
	}
	return nil
}

// TouchUserLogin records a successful authentication.
func (s *Store) TouchUserLogin(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, "UPDATE users SET last_login = $2 WHERE id = $1", userID, s.now())
	return convertError(err)
}

// DeleteUser removes a user together with role assignments and API keys.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %d not found", id)
	}
	return nil
}

// CreateRole inserts a role.
func (s *Store) CreateRole(ctx context.Context, r *types.Role) (*types.Role, error) {
	if r.Name == "" {
		return nil, trace.BadParameter("missing role name")
	}
	var out types.Role
	err := s.pool.QueryRow(ctx,
		"INSERT INTO roles (name, description, builtin, created_at) VALUES ($1, $2, $3, $4) RETURNING id, name, description, builtin, created_at",
		r.Name, r.Description, r.Builtin, s.now(),
	).Scan(&out.ID, &out.Name, &out.Description, &out.Builtin, &out.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &out, nil
}

// GetRoleByName fetches a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*types.Role, error) {
	var r types.Role
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, description, builtin, created_at FROM roles WHERE name = $1", name,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Builtin, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("role %q not found", name)
		}
		return nil, convertError(err)
	}
	return &r, nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]types.Role, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, description, builtin, created_at FROM roles ORDER BY name")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Role
	for rows.Next() {
		var r types.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Builtin, &r.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteRole removes a role. Builtin roles are protected.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM roles WHERE id = $1 AND builtin = FALSE", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("role %d not found or builtin", id)
	}
	return nil
}

// AssignRole adds a role to a user, idempotently.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT (user_id, role_id) DO NOTHING",
		userID, roleID,
	)
	return convertError(err)
}

// RevokeRole removes a role from a user.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %d does not have role %d", userID, roleID)
	}
	return nil
}

// GetUserRoles lists the role names assigned to a user.
func (s *Store) GetUserRoles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = $1 ORDER BY r.name",
		userID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, name)
	}
	return out, trace.Wrap(rows.Err())
}

// GetUserPermissions resolves the effective permission set of a user
// through their role assignments.
func (s *Store) GetUserPermissions(ctx context.Context, userID int64) ([]types.Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT p.id, p.resource, p.action
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = $1
ORDER BY p.resource, p.action`,
		userID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Permission
	for rows.Next() {
		var p types.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// EnsurePermission inserts a permission if it does not exist yet and
// returns the stored row either way.
func (s *Store) EnsurePermission(ctx context.Context, resource, action string) (*types.Permission, error) {
	if resource == "" || action == "" {
		return nil, trace.BadParameter("permission needs both resource and action")
	}
	var p types.Permission
	err := s.pool.QueryRow(ctx,
		`INSERT INTO permissions (resource, action) VALUES ($1, $2)
ON CONFLICT (resource, action) DO UPDATE SET resource = EXCLUDED.resource
RETURNING id, resource, action`,
		resource, action,
	).Scan(&p.ID, &p.Resource, &p.Action)
	if err != nil {
		return nil, convertError(err)
	}
	return &p, nil
}

// ListPermissions returns the full permission catalogue.
func (s *Store) ListPermissions(ctx context.Context) ([]types.Permission, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, resource, action FROM permissions ORDER BY resource, action")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Permission
	for rows.Next() {
		var p types.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// GrantPermission attaches a permission to a role, idempotently.
func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT (role_id, permission_id) DO NOTHING",
		roleID, permissionID,
	)
	return convertError(err)
}

// RevokePermission detaches a permission from a role.
func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2",
		roleID, permissionID,
	)
	return convertError(err)
}

// GetRolePermissions lists the permissions attached to a role.
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]types.Permission, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT p.id, p.resource, p.action FROM permissions p JOIN role_permissions rp ON rp.permission_id = p.id WHERE rp.role_id = $1 ORDER BY p.resource, p.action",
		roleID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Permission
	for rows.Next() {
		var p types.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateAPIKey stores the hash of a freshly issued API key.
func (s *Store) CreateAPIKey(ctx context.Context, p *types.UserProfile) (*types.UserProfile, error) {
	if p.APIKeyHash == "" {
		return nil, trace.BadParameter("missing API key hash")
	}
	var out types.UserProfile
	err := s.pool.QueryRow(ctx,
		"INSERT INTO user_profiles (user_id, key_name, api_key_hash, created_at) VALUES ($1, $2, $3, $4) RETURNING id, user_id, key_name, api_key_hash, created_at, last_used",
		p.UserID, p.KeyName, p.APIKeyHash, s.now(),
	).Scan(&out.ID, &out.UserID, &out.KeyName, &out.APIKeyHash, &out.CreatedAt, &out.LastUsed)
	if err != nil {
		return nil, convertError(err)
	}
	return &out, nil
}

// GetProfileByKeyHash resolves an API key hash to its profile. Used on
// every API-key authenticated request.
func (s *Store) GetProfileByKeyHash(ctx context.Context, hash string) (*types.UserProfile, error) {
	var p types.UserProfile
	err := s.pool.QueryRow(ctx,
		"SELECT id, user_id, key_name, api_key_hash, created_at, last_used FROM user_profiles WHERE api_key_hash = $1",
		hash,
	).Scan(&p.ID, &p.UserID, &p.KeyName, &p.APIKeyHash, &p.CreatedAt, &p.LastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("api key not recognised")
		}
		return nil, convertError(err)
	}
	return &p, nil
}

// ListAPIKeys lists the keys issued to a user, hashes included for
// revocation matching but never exposed over the API.
func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]types.UserProfile, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, user_id, key_name, api_key_hash, created_at, last_used FROM user_profiles WHERE user_id = $1 ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.UserProfile
	for rows.Next() {
		var p types.UserProfile
		if err := rows.Scan(&p.ID, &p.UserID, &p.KeyName, &p.APIKeyHash, &p.CreatedAt, &p.LastUsed); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteAPIKey revokes a key by profile ID, scoped to the owning user.
func (s *Store) DeleteAPIKey(ctx context.Context, userID, profileID int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM user_profiles WHERE id = $1 AND user_id = $2", profileID, userID)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("api key %d not found", profileID)
	}
	return nil
}

// TouchAPIKey records the last use of an API key.
func (s *Store) TouchAPIKey(ctx context.Context, profileID int64) error {
	_, err := s.pool.Exec(ctx, "UPDATE user_profiles SET last_used = $2 WHERE id = $1", profileID, s.now())
	return convertError(err)
}
