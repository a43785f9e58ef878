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
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/auth"
	"github.com/netcockpit/cockpit/lib/httplib"
	"github.com/netcockpit/cockpit/lib/nautobot"
)

// nautobotProxy forwards read-only requests to the Nautobot REST API and
// returns the upstream JSON verbatim. The gateway's response cache
// applies, so hot endpoints such as device lists are served without a
// round trip.
func (h *Handler) nautobotProxy(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	path := p.ByName("path")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	payload, err := h.cfg.Nautobot.Proxy(r.Context(), "/api"+path, r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// offboardDevice takes a device out of service. The request carries the
// offboarding mode and which attached records to release; the response
// itemises what was removed, skipped and what failed.
func (h *Handler) offboardDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	deviceID := p.ByName("id")
	var params nautobot.OffboardParams
	if err := httplib.ReadJSON(r, &params); err != nil {
		return nil, trace.Wrap(err)
	}
	var monitoring nautobot.HostRemover
	if params.RemoveFromCheckMK {
		if h.cfg.CheckMK == nil {
			return nil, trace.BadParameter("CheckMK removal requested but CheckMK is not configured")
		}
		monitoring = h.cfg.CheckMK
	}
	result, err := h.cfg.Nautobot.OffboardDevice(r.Context(), deviceID, params, monitoring)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	severity := types.SeverityInfo
	if len(result.Errors) > 0 {
		severity = types.SeverityWarning
	}
	h.emit(r, identity, &types.AuditEvent{
		Type:         types.EventDeviceOffboard,
		Message:      "Offboarded device",
		Severity:     severity,
		ResourceType: "device",
		ResourceID:   result.DeviceID,
		ResourceName: result.DeviceName,
		Extra: map[string]any{
			"mode":    params.IntegrationMode,
			"removed": len(result.RemovedItems),
			"errors":  len(result.Errors),
		},
	})
	return result, nil
}
