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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/auth"
)

// settingView exposes a settings group with its JSON value inline; the
// entity type keeps Value out of serialization so it cannot leak through
// other responses.
type settingView struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toSettingView(s types.Setting) settingView {
	return settingView{
		Name:      s.Name,
		Value:     json.RawMessage(s.Value),
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: s.UpdatedAt,
	}
}

// checkSettingPayload validates a group's value against its schema.
// Unknown fields are rejected so typos do not silently persist.
func checkSettingPayload(name string, raw json.RawMessage) error {
	var dest any
	switch name {
	case types.SettingsNautobot:
		dest = &types.NautobotSettings{}
	case types.SettingsCheckMK:
		dest = &types.CheckMKSettings{}
	case types.SettingsGit:
		dest = &types.GitSettings{}
	case types.SettingsCache:
		dest = &types.CacheSettings{}
	case types.SettingsBroker:
		dest = &types.BrokerSettings{}
	case types.SettingsNautobotDefaults:
		dest = &types.NautobotDefaults{}
	case types.SettingsOffboarding:
		dest = &types.OffboardingSettings{}
	default:
		return trace.BadParameter("unknown settings group %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return trace.BadParameter("invalid %v settings: %v", name, err)
	}
	return nil
}

func (h *Handler) listSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	settings, err := h.cfg.Store.ListSettings(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := make([]settingView, 0, len(settings))
	for _, s := range settings {
		items = append(items, toSettingView(s))
	}
	return map[string]any{"items": items}, nil
}

func (h *Handler) getSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	setting, err := h.cfg.Store.GetSetting(r.Context(), p.ByName("name"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return toSettingView(*setting), nil
}

// updateSetting replaces one settings group. The request body is the
// group's JSON value itself.
func (h *Handler) updateSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (any, error) {
	name := p.ByName("name")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkSettingPayload(name, raw); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.UpsertSetting(r.Context(), name, json.RawMessage(raw), identity.Username); err != nil {
		return nil, trace.Wrap(err)
	}
	setting, err := h.cfg.Store.GetSetting(r.Context(), name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return toSettingView(*setting), nil
}
