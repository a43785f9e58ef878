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

// Package checkmk is the gateway to the monitoring system's REST API.
// Hosts are written with ETag preconditions (the remote enforces them);
// folder paths use "~" as separator on the wire and "/" everywhere else
// in the engine. Stale-ETag recovery is the caller's job: a 412 surfaces
// as trace.CompareFailed and the reconciler refetches once.
package checkmk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/utils"
)

// ClientConfig configures the gateway.
type ClientConfig struct {
	// BaseURL is the server root, e.g. https://cmk.example.com.
	BaseURL string
	// Site is the OMD site name; API paths live under it.
	Site string
	// Username is the automation user.
	Username string
	// Secret is the automation secret.
	Secret string
	// InsecureSkipVerify disables TLS verification (verify_ssl=false).
	InsecureSkipVerify bool
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
	// RetryAttempts is how many tries transient failures get.
	RetryAttempts int
	// RetryBase is the first backoff step; doubled per attempt.
	RetryBase time.Duration
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
	// Clock paces retries.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	if c.Site == "" {
		return trace.BadParameter("missing parameter Site")
	}
	if c.Username == "" || c.Secret == "" {
		return trace.BadParameter("missing checkmk automation credentials")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = defaults.HTTPRequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.GatewayRetryAttempts
	}
	if c.RetryBase == 0 {
		c.RetryBase = defaults.GatewayRetryBase
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify},
				IdleConnTimeout: defaults.HTTPIdleTimeout,
			},
			// Activation returns 303 to its wait endpoint; the gateway
			// follows explicitly to keep the If-Match header handling ours.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentCheckMK)
	}
	return nil
}

// Client is the CheckMK gateway.
type Client struct {
	c      ClientConfig
	jitter utils.Jitter
}

// NewClient returns a gateway client for the configured CheckMK site.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{c: cfg, jitter: utils.NewHalfJitter()}, nil
}

// apiURL joins the REST API base with a path.
func (c *Client) apiURL(path string) string {
	return c.c.BaseURL + "/" + c.c.Site + "/check_mk/api/1.0" + path
}

// ToWireFolder converts a UI folder path (/net/europe) to the API's
// tilde form (~net~europe). The root is "~".
func ToWireFolder(folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return "~"
	}
	return "~" + strings.ReplaceAll(folder, "/", "~")
}

// ToUIFolder converts a wire folder path back to the "/" form.
func ToUIFolder(folder string) string {
	folder = strings.TrimPrefix(folder, "~")
	folder = strings.ReplaceAll(folder, "~", "/")
	if !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	return folder
}

// response carries one decoded reply plus the headers callers need.
type response struct {
	status   int
	etag     string
	location string
	body     []byte
}

// do runs one REST round trip with retries on transient failures.
// headers are added to the request verbatim (If-Match and friends).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, body any) (*response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	target := c.apiURL(path)
	if len(query) != 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.c.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.jitter(c.c.RetryBase << (attempt - 1))
			select {
			case <-c.c.Clock.After(backoff):
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			}
		}
		var resp *response
		var retryable bool
		resp, retryable, lastErr = c.roundTrip(ctx, method, target, headers, payload)
		if lastErr == nil {
			return resp, nil
		}
		if !retryable {
			return nil, trace.Wrap(lastErr)
		}
		c.c.Logger.DebugContext(ctx, "CheckMK call failed, retrying.",
			"method", method, "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return nil, trace.Wrap(lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, target string, headers map[string]string, payload []byte) (*response, bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.c.Username+" "+c.c.Secret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.c.HTTPClient.Do(req)
	if err != nil {
		return nil, true, trace.ConnectionProblem(err, "checkmk unreachable")
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024*1024))
	if err != nil {
		return nil, true, trace.ConnectionProblem(err, "reading checkmk response")
	}
	resp := &response{
		status:   httpResp.StatusCode,
		etag:     httpResp.Header.Get("ETag"),
		location: httpResp.Header.Get("Location"),
		body:     data,
	}
	if httpResp.StatusCode >= 500 {
		return nil, true, trace.ConnectionProblem(nil, "checkmk returned %v: %v", httpResp.StatusCode, truncate(data))
	}
	if err := statusError(httpResp.StatusCode, data); err != nil {
		return nil, false, trace.Wrap(err)
	}
	return resp, false, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusNotFound:
		return trace.NotFound("checkmk: %v", truncate(body))
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return trace.AccessDenied("checkmk rejected the automation user: %v", truncate(body))
	case status == http.StatusPreconditionFailed:
		return trace.CompareFailed("checkmk precondition failed (stale ETag): %v", truncate(body))
	case status == http.StatusConflict:
		return trace.AlreadyExists("checkmk: %v", truncate(body))
	case status == http.StatusBadRequest && bytes.Contains(bytes.ToLower(body), []byte("already exists")):
		return trace.AlreadyExists("checkmk: %v", truncate(body))
	default:
		return trace.BadParameter("checkmk returned %v: %v", status, truncate(body))
	}
}

func truncate(data []byte) string {
	const max = 512
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
