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

// Package nautobot is the gateway to the inventory source of truth. It
// speaks GraphQL for bulk device reads and REST for everything else,
// caches reads in redis with a bounded TTL, and resolves human names to
// UUIDs. Nautobot owns the data; nothing here is authoritative.
package nautobot

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
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
	// BaseURL is the Nautobot root, e.g. https://nautobot.example.com.
	BaseURL string
	// Token is the API token sent as "Authorization: Token <token>".
	Token string
	// InsecureSkipVerify disables TLS verification (verify_ssl=false).
	InsecureSkipVerify bool
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
	// RetryAttempts is how many tries transient failures get.
	RetryAttempts int
	// RetryBase is the first backoff step; doubled per attempt.
	RetryBase time.Duration
	// Cache holds recently fetched entities. Optional; nil disables.
	Cache *Cache
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
	if _, err := url.Parse(c.BaseURL); err != nil {
		return trace.BadParameter("invalid BaseURL %q: %v", c.BaseURL, err)
	}
	if c.Token == "" {
		return trace.BadParameter("missing parameter Token")
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
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentNautobot)
	}
	return nil
}

// Client is the Nautobot gateway.
type Client struct {
	c      ClientConfig
	jitter utils.Jitter
}

// NewClient returns a gateway client for the configured Nautobot.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{c: cfg, jitter: utils.NewHalfJitter()}, nil
}

// do runs one REST round trip with retries on transient failures.
// out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	target := c.c.BaseURL + path
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
				return trace.Wrap(ctx.Err())
			}
		}
		var retryable bool
		retryable, lastErr = c.roundTrip(ctx, method, target, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable {
			return trace.Wrap(lastErr)
		}
		c.c.Logger.DebugContext(ctx, "Nautobot call failed, retrying.",
			"method", method, "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return trace.Wrap(lastErr)
}

// roundTrip performs a single attempt. The bool reports whether the
// failure is worth retrying.
func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte, out any) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return false, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Token "+c.c.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.c.HTTPClient.Do(req)
	if err != nil {
		return true, trace.ConnectionProblem(err, "nautobot unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return true, trace.ConnectionProblem(err, "reading nautobot response")
	}
	if resp.StatusCode >= 500 {
		return true, trace.ConnectionProblem(nil, "nautobot returned %v: %v", resp.StatusCode, truncate(data))
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return false, trace.Wrap(err)
	}
	if out != nil && len(data) != 0 && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(data, out); err != nil {
			return false, trace.BadParameter("malformed nautobot response: %v", err)
		}
	}
	return false, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return trace.NotFound("nautobot: %v", truncate(body))
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return trace.AccessDenied("nautobot rejected the token: %v", truncate(body))
	case status == http.StatusConflict:
		return trace.AlreadyExists("nautobot: %v", truncate(body))
	default:
		return trace.BadParameter("nautobot returned %v: %v", status, truncate(body))
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

// restList pages through a Nautobot list endpoint, decoding every
// results element into T.
func restList[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", fmt.Sprint(defaults.NautobotPageSize))
	query.Set("offset", "0")

	var all []T
	offset := 0
	for {
		query.Set("offset", fmt.Sprint(offset))
		var page struct {
			Count   int             `json:"count"`
			Next    *string         `json:"next"`
			Results json.RawMessage `json:"results"`
		}
		if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, trace.Wrap(err)
		}
		var batch []T
		if len(page.Results) != 0 {
			if err := json.Unmarshal(page.Results, &batch); err != nil {
				return nil, trace.BadParameter("malformed nautobot list page: %v", err)
			}
		}
		all = append(all, batch...)
		if page.Next == nil || len(batch) == 0 {
			return all, nil
		}
		offset += len(batch)
	}
}

// graphql runs one GraphQL query against /api/graphql/ and decodes the
// data object into out. GraphQL-level errors are surfaced as BadParameter
// since they indicate a malformed query, not an unreachable upstream.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	body := map[string]any{"query": query}
	if len(variables) != 0 {
		body["variables"] = variables
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/graphql/", nil, body, &envelope); err != nil {
		return trace.Wrap(err)
	}
	if len(envelope.Errors) != 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return trace.BadParameter("graphql query failed: %v", strings.Join(messages, "; "))
	}
	if out != nil && len(envelope.Data) != 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return trace.BadParameter("malformed graphql data: %v", err)
		}
	}
	return nil
}

// Proxy forwards a GET to the given Nautobot API path and returns the
// raw JSON body. The API passthrough endpoints use it; everything else
// goes through the typed methods.
func (c *Client) Proxy(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/api/") {
		return nil, trace.BadParameter("proxy path must start with /api/")
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
