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

package nautobot

import (
	"context"
	"net/url"

	"github.com/gravitational/trace"
)

// Content types scoping status and role lookups.
const (
	ContentTypeDevice    = "dcim.device"
	ContentTypeInterface = "dcim.interface"
	ContentTypeIPAddress = "ipam.ipaddress"
	ContentTypePrefix    = "ipam.prefix"
)

// Resolvers translate human names into UUIDs. A name that does not exist
// resolves to ("", nil), never to an error: whether a missing name is a
// problem is the caller's decision (typically it degrades to skipped).

// ResolveStatus resolves a status name scoped to a content type.
func (c *Client) ResolveStatus(ctx context.Context, name, contentType string) (string, error) {
	return c.resolve(ctx, "/api/extras/statuses/", name, contentType)
}

// ResolveRole resolves a role name scoped to a content type.
func (c *Client) ResolveRole(ctx context.Context, name, contentType string) (string, error) {
	return c.resolve(ctx, "/api/extras/roles/", name, contentType)
}

// ResolveTag resolves a tag name.
func (c *Client) ResolveTag(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "/api/extras/tags/", name, "")
}

// ResolvePlatform resolves a platform name.
func (c *Client) ResolvePlatform(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "/api/dcim/platforms/", name, "")
}

// ResolveLocation resolves a location name.
func (c *Client) ResolveLocation(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "/api/dcim/locations/", name, "")
}

// ResolveNamespace resolves an IPAM namespace name.
func (c *Client) ResolveNamespace(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "/api/ipam/namespaces/", name, "")
}

func (c *Client) resolve(ctx context.Context, path, name, contentType string) (string, error) {
	if name == "" {
		return "", nil
	}
	cacheID := path + name + ":" + contentType
	if c.c.Cache != nil {
		var cached string
		if c.c.Cache.get(ctx, kindResolver, cacheID, &cached) {
			return cached, nil
		}
	}

	query := url.Values{"name": []string{name}}
	if contentType != "" {
		query.Set("content_types", contentType)
	}
	rows, err := restList[gqlNamed](ctx, c, path, query)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(rows) == 0 {
		c.c.Logger.DebugContext(ctx, "Name did not resolve.",
			"path", path, "name", name, "content_type", contentType)
		return "", nil
	}
	id := rows[0].ID
	if c.c.Cache != nil {
		c.c.Cache.set(ctx, kindResolver, cacheID, id)
	}
	return id, nil
}
