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
	"net/http"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// depthQuery asks the REST API to inline one level of relations so
// status, tags and namespaces arrive as objects instead of URLs.
func depthQuery() url.Values {
	return url.Values{"depth": []string{"1"}}
}

type restIP struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	Status      gqlNamed `json:"status"`
	DNSName     string   `json:"dns_name"`
	Description string   `json:"description"`
	Tags        []gqlNamed `json:"tags"`
	Interfaces  []gqlNamed `json:"interfaces"`
	CustomFields map[string]any `json:"custom_fields"`
	LastUpdated  string         `json:"last_updated"`
}

func (r *restIP) toIPAddress() types.IPAddress {
	ip := types.IPAddress{
		ID:           r.ID,
		Address:      r.Address,
		Status:       types.Named{ID: r.Status.ID, Name: r.Status.Name},
		DNSName:      r.DNSName,
		Description:  r.Description,
		CustomFields: r.CustomFields,
		LastUpdated:  r.LastUpdated,
	}
	for _, t := range r.Tags {
		ip.Tags = append(ip.Tags, types.Named{ID: t.ID, Name: t.Name})
	}
	for _, iface := range r.Interfaces {
		ip.Interfaces = append(ip.Interfaces, types.Named{ID: iface.ID, Name: iface.Name})
	}
	return ip
}

// ListIPAddresses queries /api/ipam/ip-addresses/ with the given filter.
// Filter keys pass through verbatim, including operator suffixes such as
// last_updated__lte; the maintenance executor builds them.
func (c *Client) ListIPAddresses(ctx context.Context, filter url.Values) ([]types.IPAddress, error) {
	query := depthQuery()
	for k, vs := range filter {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	rows, err := restList[restIP](ctx, c, "/api/ipam/ip-addresses/", query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.IPAddress, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toIPAddress())
	}
	return out, nil
}

// CreateIPAddress creates an address record. fields is the REST body,
// e.g. {"address": "10.0.0.5/24", "status": "<uuid>", "namespace": "<uuid>"}.
func (c *Client) CreateIPAddress(ctx context.Context, fields map[string]any) (*types.IPAddress, error) {
	if len(fields) == 0 {
		return nil, trace.BadParameter("missing ip address fields")
	}
	var row restIP
	if err := c.do(ctx, http.MethodPost, "/api/ipam/ip-addresses/", nil, fields, &row); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindIP, row.ID)
	}
	ip := row.toIPAddress()
	return &ip, nil
}

// UpdateIPAddress patches fields on an address: status, description,
// tags, custom_fields.
func (c *Client) UpdateIPAddress(ctx context.Context, id string, fields map[string]any) error {
	if id == "" {
		return trace.BadParameter("missing ip address id")
	}
	if len(fields) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPatch, "/api/ipam/ip-addresses/"+id+"/", nil, fields, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindIP, id)
	}
	return nil
}

// DeleteIPAddress removes an address record.
func (c *Client) DeleteIPAddress(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing ip address id")
	}
	if err := c.do(ctx, http.MethodDelete, "/api/ipam/ip-addresses/"+id+"/", nil, nil, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindIP, id)
	}
	return nil
}

type restPrefix struct {
	ID          string   `json:"id"`
	Prefix      string   `json:"prefix"`
	Status      gqlNamed `json:"status"`
	Namespace   gqlNamed `json:"namespace"`
	Description string   `json:"description"`
	CustomFields map[string]any `json:"custom_fields"`
}

// ListPrefixes queries /api/ipam/prefixes/ with the given filter.
func (c *Client) ListPrefixes(ctx context.Context, filter url.Values) ([]types.Prefix, error) {
	query := depthQuery()
	for k, vs := range filter {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	rows, err := restList[restPrefix](ctx, c, "/api/ipam/prefixes/", query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.Prefix, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Prefix{
			ID:           r.ID,
			Prefix:       r.Prefix,
			Status:       types.Named{ID: r.Status.ID, Name: r.Status.Name},
			Namespace:    types.Named{ID: r.Namespace.ID, Name: r.Namespace.Name},
			Description:  r.Description,
			CustomFields: r.CustomFields,
		})
	}
	return out, nil
}

// GetPrefix fetches one prefix by UUID.
func (c *Client) GetPrefix(ctx context.Context, id string) (*types.Prefix, error) {
	if id == "" {
		return nil, trace.BadParameter("missing prefix id")
	}
	if c.c.Cache != nil {
		var cached types.Prefix
		if c.c.Cache.get(ctx, kindPrefix, id, &cached) {
			return &cached, nil
		}
	}
	var row restPrefix
	if err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/"+id+"/", depthQuery(), nil, &row); err != nil {
		return nil, trace.Wrap(err)
	}
	prefix := types.Prefix{
		ID:           row.ID,
		Prefix:       row.Prefix,
		Status:       types.Named{ID: row.Status.ID, Name: row.Status.Name},
		Namespace:    types.Named{ID: row.Namespace.ID, Name: row.Namespace.Name},
		Description:  row.Description,
		CustomFields: row.CustomFields,
	}
	if c.c.Cache != nil {
		c.c.Cache.set(ctx, kindPrefix, id, prefix)
	}
	return &prefix, nil
}

// SetPrefixCustomFields merges custom field values on a prefix, used for
// scan summaries.
func (c *Client) SetPrefixCustomFields(ctx context.Context, id string, fields map[string]any) error {
	if id == "" {
		return trace.BadParameter("missing prefix id")
	}
	if len(fields) == 0 {
		return nil
	}
	body := map[string]any{"custom_fields": fields}
	if err := c.do(ctx, http.MethodPatch, "/api/ipam/prefixes/"+id+"/", nil, body, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindPrefix, id)
	}
	return nil
}
