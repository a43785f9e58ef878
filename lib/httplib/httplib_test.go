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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestMakeHandlerSuccess(t *testing.T) {
	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})

	rec := httptest.NewRecorder()
	handle(rec, httptest.NewRequest("GET", "/test", nil), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMakeHandlerNilResult(t *testing.T) {
	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return nil, nil
	})

	rec := httptest.NewRecorder()
	handle(rec, httptest.NewRequest("GET", "/test", nil), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{}`, rec.Body.String())
}

func TestReplyErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"bad parameter", trace.BadParameter("bad input"), http.StatusBadRequest},
		{"not found", trace.NotFound("no such run"), http.StatusNotFound},
		{"access denied", trace.AccessDenied("missing permission"), http.StatusForbidden},
		{"unauthorized", Unauthorized("bad token"), http.StatusUnauthorized},
		{"already exists", trace.AlreadyExists("duplicate"), http.StatusConflict},
		{"compare failed", trace.CompareFailed("stale etag"), http.StatusPreconditionFailed},
		{"limit exceeded", trace.LimitExceeded("slow down"), http.StatusTooManyRequests},
		{"connection problem", trace.ConnectionProblem(nil, "nautobot unreachable"), http.StatusBadGateway},
		{"unavailable", ServiceUnavailable("Agent is offline or not responding"), http.StatusServiceUnavailable},
		{"gateway timeout", GatewayTimeout("agent did not answer"), http.StatusGatewayTimeout},
		{"internal", trace.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReplyError(rec, tt.err)
			require.Equal(t, tt.code, rec.Code)

			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			require.NotEmpty(t, payload.Detail)
			require.NotEmpty(t, payload.Code)
		})
	}
}

func TestReplyErrorSetsWWWAuthenticate(t *testing.T) {
	rec := httptest.NewRecorder()
	ReplyError(rec, Unauthorized("invalid token"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestUnauthorizedSurvivesWrapping(t *testing.T) {
	err := trace.Wrap(Unauthorized("expired"))
	require.True(t, IsUnauthorized(err))
	require.False(t, IsUnauthorized(trace.AccessDenied("plain denial")))
}

func TestStatusMarkersSurviveWrapping(t *testing.T) {
	require.True(t, IsServiceUnavailable(trace.Wrap(ServiceUnavailable("offline"))))
	require.False(t, IsServiceUnavailable(trace.ConnectionProblem(nil, "down")))
	require.True(t, IsGatewayTimeout(trace.Wrap(GatewayTimeout("no answer"))))
	require.False(t, IsGatewayTimeout(trace.ConnectionProblem(nil, "down")))
}

func TestReadJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/test", strings.NewReader(`{"name": "backup-daily"}`))
	var body struct {
		Name string `json:"name"`
	}
	require.NoError(t, ReadJSON(r, &body))
	require.Equal(t, "backup-daily", body.Name)

	r = httptest.NewRequest("POST", "/test", strings.NewReader(`{not json`))
	err := ReadJSON(r, &body)
	require.True(t, trace.IsBadParameter(err))
}
