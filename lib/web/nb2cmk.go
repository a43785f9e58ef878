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
)

// startNB2CMKSync dispatches a reconciliation job that applies changes to
// CheckMK: hosts are created, updated, moved and changes activated.
func (h *Handler) startNB2CMKSync(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	job, err := h.cfg.Engine.StartNB2CMK(r.Context(), identity.Username, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventCheckMKSync,
		Message:      "Started CheckMK sync",
		ResourceType: "nb2cmk_job",
		ResourceID:   job.ID,
	})
	return job, nil
}

// startNB2CMKCompare dispatches a dry-run reconciliation: differences are
// recorded per host but CheckMK is left untouched.
func (h *Handler) startNB2CMKCompare(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	job, err := h.cfg.Engine.StartNB2CMK(r.Context(), identity.Username, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return job, nil
}

func (h *Handler) listNB2CMKJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	jobs, err := h.cfg.Store.ListNB2CMKJobs(r.Context(), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": jobs}, nil
}

func (h *Handler) getNB2CMKJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	job, err := h.cfg.Store.GetNB2CMKJob(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return job, nil
}

// nb2cmkResults lists per-host outcomes of a reconciliation job. The
// outcome query parameter narrows to one of equal, diff, host_not_found
// or error.
func (h *Handler) nb2cmkResults(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	jobID := p.ByName("id")
	if _, err := h.cfg.Store.GetNB2CMKJob(r.Context(), jobID); err != nil {
		return nil, trace.Wrap(err)
	}
	outcome := types.ComparisonOutcome(r.URL.Query().Get("outcome"))
	results, err := h.cfg.Store.ListNB2CMKJobResults(r.Context(), jobID, outcome)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"items": results}, nil
}
