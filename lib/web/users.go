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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/httplib"
)

// selfOrAccess allows a user through for their own user ID; anyone else
// needs the users permission with the given action.
func (h *Handler) selfOrAccess(r *http.Request, identity *auth.Identity, targetID int64, action string) error {
	if identity.UserID == targetID {
		return nil
	}
	return trace.Wrap(h.cfg.Authorizer.CheckAccess(r.Context(), identity, "users", action))
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	users, err := h.cfg.Store.ListUsers(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range users {
		roles, err := h.cfg.Store.GetUserRoles(r.Context(), users[i].ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		users[i].Roles = roles
	}
	return map[string]any{"items": users}, nil
}

type createUserRequest struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Password    string   `json:"password"`
	Active      *bool    `json:"active,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req createUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := &types.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		Active:       true,
		PasswordHash: hash,
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if err := user.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateUser(r.Context(), user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, name := range req.Roles {
		role, err := h.cfg.Store.GetRoleByName(r.Context(), name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := h.cfg.Store.AssignRole(r.Context(), created.ID, role.ID); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	created.Roles = req.Roles
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventUserCreate,
		Message:      "Created user",
		ResourceType: "user",
		ResourceName: created.Username,
	})
	return created, nil
}

type updateUserRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req updateUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user.DisplayName = req.DisplayName
	user.Email = req.Email
	if req.Active != nil {
		// Deactivating your own account would lock you out mid-session.
		if !*req.Active && id == identity.UserID {
			return nil, trace.BadParameter("cannot deactivate your own account")
		}
		user.Active = *req.Active
	}
	if err := h.cfg.Store.UpdateUser(r.Context(), user); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventUserUpdate,
		Message:      "Updated user",
		ResourceType: "user",
		ResourceName: user.Username,
	})
	return h.cfg.Store.GetUser(r.Context(), id)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if id == identity.UserID {
		return nil, trace.BadParameter("cannot delete your own account")
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.DeleteUser(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventUserDelete,
		Message:      "Deleted user",
		ResourceType: "user",
		ResourceName: user.Username,
	})
	return nil, nil
}

type setPasswordRequest struct {
	// CurrentPassword is required when changing your own password and
	// ignored for administrative resets.
	CurrentPassword string `json:"current_password,omitempty"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) setPassword(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.selfOrAccess(r, identity, id, types.ActionWrite); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req setPasswordRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if id == identity.UserID {
		if err := auth.VerifyPassword(user.PasswordHash, req.CurrentPassword); err != nil {
			return nil, trace.AccessDenied("current password is incorrect")
		}
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetUserPassword(r.Context(), id, hash); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventUserUpdate,
		Message:      "Changed password",
		ResourceType: "user",
		ResourceName: user.Username,
	})
	return map[string]string{"status": "ok"}, nil
}

type roleChangeRequest struct {
	Role string `json:"role"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req roleChangeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	role, err := h.cfg.Store.GetRoleByName(r.Context(), req.Role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.AssignRole(r.Context(), id, role.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Assigned role",
		ResourceType: "user",
		ResourceName: user.Username,
		Extra:        map[string]any{"role": role.Name},
	})
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	role, err := h.cfg.Store.GetRoleByName(r.Context(), p.ByName("role"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.RevokeRole(r.Context(), id, role.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Revoked role",
		ResourceType: "user",
		ResourceName: user.Username,
		Extra:        map[string]any{"role": role.Name},
	})
	return map[string]string{"status": "ok"}, nil
}

// API keys. A user manages their own keys; managing someone else's takes
// the users permission.

func (h *Handler) listAPIKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.selfOrAccess(r, identity, id, types.ActionRead); err != nil {
		return nil, trace.Wrap(err)
	}
	keys, err := h.cfg.Store.ListAPIKeys(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": keys}, nil
}

type issueAPIKeyRequest struct {
	KeyName string `json:"key_name"`
}

type issueAPIKeyResponse struct {
	// Key is the plaintext API key, shown exactly once.
	Key     string             `json:"key"`
	Profile *types.UserProfile `json:"profile"`
}

func (h *Handler) issueAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.selfOrAccess(r, identity, id, types.ActionWrite); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req issueAPIKeyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	key, profile, err := h.cfg.AuthServer.IssueAPIKey(r.Context(), user, req.KeyName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return issueAPIKeyResponse{Key: key, Profile: profile}, nil
}

func (h *Handler) revokeAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.selfOrAccess(r, identity, id, types.ActionWrite); err != nil {
		return nil, trace.Wrap(err)
	}
	keyID, err := pathID(p, "keyID")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Store.GetUser(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.AuthServer.RevokeAPIKey(r.Context(), user, keyID); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// Roles and permissions.

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	roles, err := h.cfg.Store.ListRoles(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": roles}, nil
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var role types.Role
	if err := httplib.ReadJSON(r, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	role.Builtin = false
	created, err := h.cfg.Store.CreateRole(r.Context(), &role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Created role",
		ResourceType: "role",
		ResourceName: created.Name,
	})
	return created, nil
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.DeleteRole(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Deleted role",
		ResourceType: "role",
		ResourceID:   p.ByName("id"),
	})
	return nil, nil
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	permissions, err := h.cfg.Store.GetRolePermissions(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": permissions}, nil
}

type permissionRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req permissionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Resource == "" || req.Action == "" {
		return nil, trace.BadParameter("missing resource or action")
	}
	permission, err := h.cfg.Store.EnsurePermission(r.Context(), req.Resource, req.Action)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.GrantPermission(r.Context(), id, permission.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Granted permission",
		ResourceType: "role",
		ResourceID:   p.ByName("id"),
		Extra:        map[string]any{"permission": permission.Key()},
	})
	return permission, nil
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	permissionID, err := pathID(p, "permissionID")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.RevokePermission(r.Context(), id, permissionID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventRoleChange,
		Message:      "Revoked permission",
		ResourceType: "role",
		ResourceID:   p.ByName("id"),
		Extra:        map[string]any{"permission_id": permissionID},
	})
	return nil, nil
}
