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

package types

import (
	"encoding/json"
	"strings"
)

// IPAddress is the slim IPAM view used by the maintenance and scan
// executors. Address is CIDR form as Nautobot returns it.
type IPAddress struct {
	ID          string         `json:"id"`
	Address     string         `json:"address"`
	Status      Named          `json:"status"`
	DNSName     string         `json:"dns_name,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []Named        `json:"tags,omitempty"`
	// Interfaces lists assigned interfaces; non-empty means the address
	// is in use by a device.
	Interfaces   []Named        `json:"interfaces,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	LastUpdated  string         `json:"last_updated,omitempty"`
}

// Host strips the prefix length from Address.
func (a *IPAddress) Host() string {
	if i := strings.IndexByte(a.Address, '/'); i >= 0 {
		return a.Address[:i]
	}
	return a.Address
}

// Assigned reports whether the address has interface assignments.
func (a *IPAddress) Assigned() bool {
	return len(a.Interfaces) > 0
}

// Prefix is a Nautobot network prefix, the unit scan jobs sweep.
type Prefix struct {
	ID           string         `json:"id"`
	Prefix       string         `json:"prefix"`
	Status       Named          `json:"status"`
	Namespace    Named          `json:"namespace,omitempty"`
	Description  string         `json:"description,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// Attrs renders the prefix as the generic attribute map inventory
// conditions evaluate against, mirroring Device.Attrs.
func (p *Prefix) Attrs() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"prefix": p.Prefix}
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return map[string]any{"prefix": p.Prefix}
	}
	if p.CustomFields != nil {
		attrs["_custom_field_data"] = attrs["custom_fields"]
	}
	return attrs
}
