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
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/httplib"
	"github.com/netcockpit/cockpit/lib/jobs"
	"github.com/netcockpit/cockpit/lib/storage"
)

type startJobRequest struct {
	TemplateID int64 `json:"template_id"`
	// CredentialName overrides the template credential for this run.
	CredentialName string `json:"credential_name,omitempty"`
}

func (h *Handler) startJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	var req startJobRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.TemplateID <= 0 {
		return nil, trace.BadParameter("missing template_id")
	}
	run, err := h.cfg.Engine.StartRun(r.Context(), jobs.StartParams{
		TemplateID:     req.TemplateID,
		StartedBy:      identity.Username,
		CredentialName: req.CredentialName,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventJobStart,
		Message:      "Started job run",
		ResourceType: "job_run",
		ResourceID:   run.ID,
		Extra:        map[string]any{"template_id": req.TemplateID, "job_type": run.Type},
	})
	return run, nil
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter := storage.RunFilter{
		Status: types.RunStatus(r.URL.Query().Get("status")),
		Type:   types.JobType(r.URL.Query().Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("template_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid template_id %q", raw)
		}
		filter.TemplateID = id
	}
	runs, err := h.cfg.Store.ListJobRuns(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": runs}, nil
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	run, err := h.cfg.Engine.GetRun(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return run, nil
}

func (h *Handler) jobResults(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	runID := p.ByName("id")
	// Resolve the run first so an unknown ID is a 404, not an empty list.
	if _, err := h.cfg.Store.GetJobRun(r.Context(), runID); err != nil {
		return nil, trace.Wrap(err)
	}
	results, err := h.cfg.Store.ListDeviceResults(r.Context(), runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": results}, nil
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	runID := p.ByName("id")
	if err := h.cfg.Engine.CancelRun(r.Context(), runID, identity.Username); err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventJobCancel,
		Message:      "Cancelled job run",
		ResourceType: "job_run",
		ResourceID:   runID,
	})
	return map[string]string{"status": "cancelled"}, nil
}
