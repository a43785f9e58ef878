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

	"github.com/netcockpit/cockpit/lib/httplib"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login exchanges a username and password for an access token. All
// failure modes answer 401 so the endpoint cannot be used to probe for
// accounts.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Username == "" || req.Password == "" {
		return nil, trace.BadParameter("missing username or password")
	}
	session, err := h.cfg.AuthServer.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, httplib.Unauthorized("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// refresh trades the presented bearer token for a fresh one. The token
// may be expired as long as its signature still verifies.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, httplib.Unauthorized("missing bearer token")
	}
	session, err := h.cfg.AuthServer.Refresh(r.Context(), token, clientIP(r))
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, httplib.Unauthorized("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// apiKeyLogin exchanges an API key, presented in X-Api-Key, for a
// regular session token.
func (h *Handler) apiKeyLogin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		return nil, httplib.Unauthorized("missing X-Api-Key header")
	}
	session, err := h.cfg.AuthServer.LoginWithAPIKey(r.Context(), key, clientIP(r))
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, httplib.Unauthorized("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	return session, nil
}
