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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestSize bounds decoded request bodies. Nothing the API accepts
// comes close to this.
const maxRequestSize = 8 << 20 // 8 MiB

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serialisable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out == nil {
			out = struct{}{}
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON decodes an HTTP JSON request body into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ErrorPayload is the wire form of every API error.
type ErrorPayload struct {
	// Detail is the human readable message.
	Detail string `json:"detail"`
	// Code is a stable machine readable identifier, optional.
	Code string `json:"code,omitempty"`
}

// ReplyError maps the error onto a status code and writes the
// {detail, code} payload.
func ReplyError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cockpit"`)
	}
	roundtrip.ReplyJSON(w, code, ErrorPayload{
		Detail: trace.UserMessage(err),
		Code:   errorLabel(code),
	})
}

// Unauthorized marks an access denied error so it is reported as 401
// rather than 403. Authentication failures use this; permission failures
// stay plain AccessDenied.
func Unauthorized(format string, args ...any) error {
	return trace.Wrap(&unauthorizedError{trace.AccessDenied(format, args...)})
}

type unauthorizedError struct {
	error
}

func (e *unauthorizedError) Unwrap() error { return e.error }

// IsUnauthorized reports whether err carries the 401 marker.
func IsUnauthorized(err error) bool {
	var u *unauthorizedError
	return errors.As(err, &u)
}

// ServiceUnavailable marks an error as a 503: the dependency exists but
// cannot serve right now, e.g. an offline agent.
func ServiceUnavailable(format string, args ...any) error {
	return trace.Wrap(&unavailableError{trace.ConnectionProblem(nil, format, args...)})
}

type unavailableError struct {
	error
}

func (e *unavailableError) Unwrap() error { return e.error }

// IsServiceUnavailable reports whether err carries the 503 marker.
func IsServiceUnavailable(err error) bool {
	var u *unavailableError
	return errors.As(err, &u)
}

// GatewayTimeout marks an error as a 504, used when a downstream agent
// or upstream system does not answer within the endpoint's deadline.
func GatewayTimeout(format string, args ...any) error {
	return trace.Wrap(&timeoutError{trace.ConnectionProblem(nil, format, args...)})
}

type timeoutError struct {
	error
}

func (e *timeoutError) Unwrap() error { return e.error }

// IsGatewayTimeout reports whether err carries the 504 marker.
func IsGatewayTimeout(err error) bool {
	var t *timeoutError
	return errors.As(err, &t)
}

func errorCode(err error) int {
	switch {
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsServiceUnavailable(err):
		return http.StatusServiceUnavailable
	case IsGatewayTimeout(err):
		return http.StatusGatewayTimeout
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsCompareFailed(err):
		return http.StatusPreconditionFailed
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorLabel(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad_parameter"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "access_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "already_exists"
	case http.StatusPreconditionFailed:
		return "compare_failed"
	case http.StatusTooManyRequests:
		return "limit_exceeded"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "upstream_timeout"
	default:
		return "internal"
	}
}

// ConvertResponse converts an HTTP error response to an internal error
// type based on the response code and body.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.ConnectionProblem(err, "request failed")
	}
	code := re.Code()
	if code >= 200 && code <= 299 {
		return re, nil
	}
	detail := string(re.Bytes())
	var payload ErrorPayload
	if jsonErr := json.Unmarshal(re.Bytes(), &payload); jsonErr == nil && payload.Detail != "" {
		detail = payload.Detail
	}
	switch code {
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", detail)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, trace.AccessDenied("%s", detail)
	case http.StatusConflict:
		return nil, trace.AlreadyExists("%s", detail)
	case http.StatusPreconditionFailed:
		return nil, trace.CompareFailed("%s", detail)
	case http.StatusTooManyRequests:
		return nil, trace.LimitExceeded("%s", detail)
	default:
		return nil, trace.BadParameter("unrecognized error: %v %v", code, detail)
	}
}
