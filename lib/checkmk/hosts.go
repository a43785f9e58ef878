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

package checkmk

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
)

// Host is a monitoring host configuration. Folder is kept in UI form
// ("/net/europe"); conversion to the wire form happens at the edge.
type Host struct {
	Name       string         `json:"host_name"`
	Folder     string         `json:"folder"`
	Attributes map[string]any `json:"attributes"`
}

// GetHost fetches a host plus the ETag required for writes.
func (c *Client) GetHost(ctx context.Context, hostname string) (*Host, string, error) {
	if hostname == "" {
		return nil, "", trace.BadParameter("missing hostname")
	}
	resp, err := c.do(ctx, http.MethodGet, "/objects/host_config/"+hostname, nil, nil, nil)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	var body struct {
		ID         string `json:"id"`
		Extensions struct {
			Folder     string         `json:"folder"`
			Attributes map[string]any `json:"attributes"`
		} `json:"extensions"`
	}
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, "", trace.BadParameter("malformed checkmk host response: %v", err)
	}
	host := &Host{
		Name:       body.ID,
		Folder:     ToUIFolder(body.Extensions.Folder),
		Attributes: body.Extensions.Attributes,
	}
	if host.Attributes == nil {
		host.Attributes = map[string]any{}
	}
	return host, resp.etag, nil
}

// CreateHost creates a host in the given folder. Duplicate hosts surface
// as trace.AlreadyExists; callers with idempotent intent treat that as
// success.
func (c *Client) CreateHost(ctx context.Context, host Host) error {
	if host.Name == "" {
		return trace.BadParameter("missing hostname")
	}
	body := map[string]any{
		"host_name":  host.Name,
		"folder":     ToWireFolder(host.Folder),
		"attributes": host.Attributes,
	}
	_, err := c.do(ctx, http.MethodPost, "/domain-types/host_config/collections/all", nil, nil, body)
	return trace.Wrap(err)
}

// UpdateHost replaces the host's attribute set. etag must come from a
// GetHost immediately before; a stale value fails with CompareFailed.
func (c *Client) UpdateHost(ctx context.Context, hostname string, attributes map[string]any, etag string) error {
	if hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	if etag == "" {
		return trace.BadParameter("missing etag for host update")
	}
	headers := map[string]string{"If-Match": etag}
	body := map[string]any{"attributes": attributes}
	_, err := c.do(ctx, http.MethodPut, "/objects/host_config/"+hostname, nil, headers, body)
	return trace.Wrap(err)
}

// MoveHost relocates the host to another folder (UI form path).
func (c *Client) MoveHost(ctx context.Context, hostname, targetFolder, etag string) error {
	if hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	if etag == "" {
		return trace.BadParameter("missing etag for host move")
	}
	headers := map[string]string{"If-Match": etag}
	body := map[string]any{"target_folder": ToWireFolder(targetFolder)}
	_, err := c.do(ctx, http.MethodPost, "/objects/host_config/"+hostname+"/actions/move/invoke", nil, headers, body)
	return trace.Wrap(err)
}

// DeleteHost removes the host configuration.
func (c *Client) DeleteHost(ctx context.Context, hostname string) error {
	if hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	_, err := c.do(ctx, http.MethodDelete, "/objects/host_config/"+hostname, nil, nil, nil)
	return trace.Wrap(err)
}

// EnsureFolderPath creates every missing folder along a UI-form path,
// parents first. Folders that already exist are fine; the operation is
// idempotent.
func (c *Client) EnsureFolderPath(ctx context.Context, folder string) error {
	parts := strings.Split(strings.Trim(folder, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil // root always exists
	}
	parent := "/"
	for _, name := range parts {
		if name == "" {
			continue
		}
		body := map[string]any{
			"name":   name,
			"title":  name,
			"parent": ToWireFolder(parent),
		}
		_, err := c.do(ctx, http.MethodPost, "/domain-types/folder_config/collections/all", nil, nil, body)
		if err != nil && !trace.IsAlreadyExists(err) {
			return trace.Wrap(err, "creating folder %v under %v", name, parent)
		}
		if parent == "/" {
			parent = "/" + name
		} else {
			parent = parent + "/" + name
		}
	}
	return nil
}

// ActivateChanges activates pending configuration changes for the given
// sites (the client's own site when empty). The remote answers 303 with
// a wait endpoint; the gateway follows it once to confirm the activation
// run was accepted.
func (c *Client) ActivateChanges(ctx context.Context, sites []string) error {
	if len(sites) == 0 {
		sites = []string{c.c.Site}
	}
	headers := map[string]string{"If-Match": "*"}
	body := map[string]any{
		"redirect":              false,
		"sites":                 sites,
		"force_foreign_changes": false,
	}
	resp, err := c.do(ctx, http.MethodPost, "/domain-types/activation_run/actions/activate-changes/invoke", nil, headers, body)
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.status == http.StatusSeeOther && resp.location != "" {
		if err := c.followActivation(ctx, resp.location); err != nil {
			return trace.Wrap(err)
		}
	}
	c.c.Logger.InfoContext(ctx, "Activated pending changes.", "sites", sites)
	return nil
}

// followActivation polls the redirect target once. The activation
// completes server-side regardless; this only confirms acceptance.
func (c *Client) followActivation(ctx context.Context, location string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.c.Username+" "+c.c.Secret)
	req.Header.Set("Accept", "application/json")
	resp, err := c.c.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "following activation redirect")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return trace.ConnectionProblem(nil, "activation wait returned %v", resp.StatusCode)
	}
	return nil
}

// TriggerDiscovery starts a service discovery run on the host.
func (c *Client) TriggerDiscovery(ctx context.Context, hostname string) error {
	if hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	body := map[string]any{
		"host_name": hostname,
		"mode":      "refresh",
	}
	_, err := c.do(ctx, http.MethodPost, "/domain-types/service_discovery_run/actions/start/invoke", nil, nil, body)
	return trace.Wrap(err)
}
