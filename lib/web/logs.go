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
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/storage"
)

// queryLogs pages through the audit trail. Filters combine with AND;
// search matches the message substring case-insensitively. Dates accept
// RFC 3339 or plain YYYY-MM-DD; a date-only end_date includes that whole
// day.
func (h *Handler) queryLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if page < 1 {
		page = 1
	}
	pageSize, err := queryInt(r, "page_size", defaults.AuditPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if pageSize < 1 || pageSize > defaults.AuditMaxPageSize {
		pageSize = defaults.AuditMaxPageSize
	}

	filter := storage.AuditFilter{
		Username: r.URL.Query().Get("username"),
		Type:     r.URL.Query().Get("event_type"),
		Severity: types.AuditSeverity(r.URL.Query().Get("severity")),
		Search:   r.URL.Query().Get("search"),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	}
	since, _, err := queryDate(r, "start_date")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filter.Since = since
	until, dateOnly, err := queryDate(r, "end_date")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if dateOnly {
		until = until.AddDate(0, 0, 1)
	}
	filter.Until = until

	events, err := h.cfg.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	total, err := h.cfg.Store.CountAuditEvents(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"items":     events,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, nil
}
