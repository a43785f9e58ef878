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
	"github.com/netcockpit/cockpit/lib/scheduler"
)

// Job templates.

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	templates, err := h.cfg.Store.ListJobTemplates(r.Context(), identity.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": templates}, nil
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var tmpl types.JobTemplate
	if err := httplib.ReadJSON(r, &tmpl); err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl.CreatedBy = identity.Username
	if tmpl.InventorySource == "" {
		tmpl.InventorySource = types.InventoryAll
	}
	if err := tmpl.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateJobTemplate(r.Context(), &tmpl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

// canSeeTemplate hides private templates from everyone but their creator.
// The admin bypass keeps cleanup of orphaned templates possible.
func canSeeTemplate(tmpl *types.JobTemplate, identity *auth.Identity) bool {
	return tmpl.IsGlobal || tmpl.CreatedBy == identity.Username || identity.Admin
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl, err := h.cfg.Store.GetJobTemplate(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !canSeeTemplate(tmpl, identity) {
		return nil, trace.NotFound("job template %d not found", id)
	}
	return tmpl, nil
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetJobTemplate(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !canSeeTemplate(existing, identity) {
		return nil, trace.NotFound("job template %d not found", id)
	}
	var tmpl types.JobTemplate
	if err := httplib.ReadJSON(r, &tmpl); err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl.ID = id
	tmpl.CreatedBy = existing.CreatedBy
	if tmpl.InventorySource == "" {
		tmpl.InventorySource = existing.InventorySource
	}
	if err := tmpl.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.UpdateJobTemplate(r.Context(), &tmpl); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.GetJobTemplate(r.Context(), id)
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetJobTemplate(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !canSeeTemplate(existing, identity) {
		return nil, trace.NotFound("job template %d not found", id)
	}
	if err := h.cfg.Store.DeleteJobTemplate(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// Job schedules.

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	schedules, err := h.cfg.Store.ListJobSchedules(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": schedules}, nil
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var schedule types.JobSchedule
	if err := httplib.ReadJSON(r, &schedule); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := scheduler.ValidateCronSpec(schedule.CronSpec); err != nil {
		return nil, trace.Wrap(err)
	}
	// The template must exist; a dangling schedule would fail on every tick.
	if _, err := h.cfg.Store.GetJobTemplate(r.Context(), schedule.TemplateID); err != nil {
		return nil, trace.Wrap(err)
	}
	schedule.CreatedBy = identity.Username
	created, err := h.cfg.Store.CreateJobSchedule(r.Context(), &schedule)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetJobSchedule(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var schedule types.JobSchedule
	if err := httplib.ReadJSON(r, &schedule); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := scheduler.ValidateCronSpec(schedule.CronSpec); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Store.GetJobTemplate(r.Context(), schedule.TemplateID); err != nil {
		return nil, trace.Wrap(err)
	}
	schedule.ID = id
	schedule.CreatedBy = existing.CreatedBy
	if err := h.cfg.Store.UpdateJobSchedule(r.Context(), &schedule); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.GetJobSchedule(r.Context(), id)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.DeleteJobSchedule(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// Credentials. Secrets travel in requests only; responses never include
// them, and the derived lifecycle status rides along for display.

type credentialRequest struct {
	Name       string               `json:"name"`
	Source     string               `json:"source,omitempty"`
	Username   string               `json:"username,omitempty"`
	Kind       types.CredentialKind `json:"kind"`
	Password   string               `json:"password,omitempty"`
	SSHKey     string               `json:"ssh_key,omitempty"`
	Passphrase string               `json:"passphrase,omitempty"`
	ValidUntil *time.Time           `json:"valid_until,omitempty"`
	Owner      string               `json:"owner,omitempty"`
}

type credentialView struct {
	types.Credential
	Status types.CredentialStatus `json:"status"`
}

func (h *Handler) credentialView(c types.Credential) credentialView {
	return credentialView{
		Credential: c,
		Status:     c.Status(h.cfg.Clock.Now(), defaults.CredentialExpiryWarning),
	}
}

func (h *Handler) listCredentials(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	credentials, err := h.cfg.Store.ListCredentials(r.Context(), identity.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := make([]credentialView, 0, len(credentials))
	for _, c := range credentials {
		items = append(items, h.credentialView(c))
	}
	return map[string]any{"items": items}, nil
}

// encryptSecrets turns the request's plaintext secrets into fernet tokens.
// Empty fields stay empty so callers can distinguish "unset" from "clear".
func (h *Handler) encryptSecrets(req *credentialRequest) (password, sshKey, passphrase string, err error) {
	if req.Password != "" {
		if password, err = h.cfg.Vault.Encrypt(req.Password); err != nil {
			return "", "", "", trace.Wrap(err)
		}
	}
	if req.SSHKey != "" {
		if sshKey, err = h.cfg.Vault.Encrypt(req.SSHKey); err != nil {
			return "", "", "", trace.Wrap(err)
		}
	}
	if req.Passphrase != "" {
		if passphrase, err = h.cfg.Vault.Encrypt(req.Passphrase); err != nil {
			return "", "", "", trace.Wrap(err)
		}
	}
	return password, sshKey, passphrase, nil
}

func (h *Handler) createCredential(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req credentialRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	password, sshKey, passphrase, err := h.encryptSecrets(&req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	credential := &types.Credential{
		Name:                req.Name,
		Source:              req.Source,
		Username:            req.Username,
		Kind:                req.Kind,
		EncryptedPassword:   password,
		EncryptedSSHKey:     sshKey,
		EncryptedPassphrase: passphrase,
		ValidUntil:          req.ValidUntil,
		Owner:               req.Owner,
		CreatedBy:           identity.Username,
	}
	if err := credential.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateCredential(r.Context(), credential)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventCredentialCreate,
		Message:      "Created credential",
		ResourceType: "credential",
		ResourceName: created.Name,
	})
	return h.credentialView(*created), nil
}

func (h *Handler) updateCredential(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetCredential(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req credentialRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	password, sshKey, passphrase, err := h.encryptSecrets(&req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Absent secrets keep their stored ciphertext; only supplied values
	// are re-encrypted.
	if password == "" {
		password = existing.EncryptedPassword
	}
	if sshKey == "" {
		sshKey = existing.EncryptedSSHKey
	}
	if passphrase == "" {
		passphrase = existing.EncryptedPassphrase
	}
	updated := &types.Credential{
		ID:                  id,
		Name:                existing.Name,
		Source:              existing.Source,
		Username:            req.Username,
		Kind:                req.Kind,
		EncryptedPassword:   password,
		EncryptedSSHKey:     sshKey,
		EncryptedPassphrase: passphrase,
		ValidUntil:          req.ValidUntil,
	}
	if updated.Kind == "" {
		updated.Kind = existing.Kind
	}
	if updated.Username == "" {
		updated.Username = existing.Username
	}
	if err := h.cfg.Store.UpdateCredential(r.Context(), updated); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventCredentialUpdate,
		Message:      "Updated credential",
		ResourceType: "credential",
		ResourceName: existing.Name,
	})
	refreshed, err := h.cfg.Store.GetCredential(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.credentialView(*refreshed), nil
}

func (h *Handler) deleteCredential(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetCredential(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.DeleteCredential(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventCredentialDelete,
		Message:      "Deleted credential",
		ResourceType: "credential",
		ResourceName: existing.Name,
	})
	return nil, nil
}

// Inventories.

func (h *Handler) listInventories(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	inventories, err := h.cfg.Store.ListInventories(r.Context(), identity.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": inventories}, nil
}

func (h *Handler) createInventory(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var inv types.Inventory
	if err := httplib.ReadJSON(r, &inv); err != nil {
		return nil, trace.Wrap(err)
	}
	if inv.Scope == "" {
		inv.Scope = types.InventoryGlobal
	}
	inv.CreatedBy = identity.Username
	if err := inv.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.CreateInventory(r.Context(), &inv)
}

func (h *Handler) updateInventory(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetInventory(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !existing.VisibleTo(identity.Username) && !identity.Admin {
		return nil, trace.NotFound("inventory %d not found", id)
	}
	var inv types.Inventory
	if err := httplib.ReadJSON(r, &inv); err != nil {
		return nil, trace.Wrap(err)
	}
	inv.ID = id
	inv.CreatedBy = existing.CreatedBy
	if inv.Scope == "" {
		inv.Scope = existing.Scope
	}
	if err := inv.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.UpdateInventory(r.Context(), &inv); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.GetInventory(r.Context(), id)
}

func (h *Handler) deleteInventory(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.GetInventory(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !existing.VisibleTo(identity.Username) && !identity.Admin {
		return nil, trace.NotFound("inventory %d not found", id)
	}
	if err := h.cfg.Store.DeleteInventory(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// Git repositories.

func (h *Handler) listGitRepositories(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	repos, err := h.cfg.Store.ListGitRepositories(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": repos}, nil
}

// checkGitRepository applies defaults shared by create and update and
// verifies the referenced credential exists before the write.
func (h *Handler) checkGitRepository(r *http.Request, repo *types.GitRepository) error {
	if repo.Branch == "" {
		repo.Branch = "main"
	}
	if repo.AuthType == "" {
		repo.AuthType = types.GitAuthNone
	}
	if err := repo.Check(); err != nil {
		return trace.Wrap(err)
	}
	if repo.AuthType != types.GitAuthNone {
		if _, err := h.cfg.Store.GetCredentialByName(r.Context(), repo.CredentialName, ""); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (h *Handler) createGitRepository(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var repo types.GitRepository
	if err := httplib.ReadJSON(r, &repo); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.checkGitRepository(r, &repo); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.CreateGitRepository(r.Context(), &repo)
}

func (h *Handler) updateGitRepository(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Store.GetGitRepository(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	var repo types.GitRepository
	if err := httplib.ReadJSON(r, &repo); err != nil {
		return nil, trace.Wrap(err)
	}
	repo.ID = id
	if err := h.checkGitRepository(r, &repo); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.UpdateGitRepository(r.Context(), &repo); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Store.GetGitRepository(r.Context(), id)
}

func (h *Handler) deleteGitRepository(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	id, err := pathID(p, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.DeleteGitRepository(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
