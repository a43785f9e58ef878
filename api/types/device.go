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

// Device is the Nautobot device view the engine works with. It is fetched
// once per run, evaluated against inventory conditions and handed to
// executors; it is never a source of truth.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// PrimaryIP4 is the management address in CIDR form, e.g. 10.0.0.1/24.
	PrimaryIP4   string    `json:"primary_ip4,omitempty"`
	PrimaryIP4ID string    `json:"primary_ip4_id,omitempty"`
	Platform     Named     `json:"platform"`
	// NetworkDriver is the platform's driver hint (cisco_ios, arista_eos).
	NetworkDriver string    `json:"network_driver,omitempty"`
	Location      Location  `json:"location"`
	Role          Named     `json:"role"`
	Status        Named     `json:"status"`
	DeviceType    Named     `json:"device_type"`
	Serial        string    `json:"serial,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Interfaces    []DeviceInterface `json:"interfaces,omitempty"`
	// CustomFields carries Nautobot's _custom_field_data verbatim.
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// Named is a reference with both UUID and display name, the common shape of
// Nautobot relations.
type Named struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Location is a site/location node with one level of ancestry, enough for
// folder path rendering.
type Location struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Parent *Named `json:"parent,omitempty"`
}

// DeviceInterface is the slim interface view used by offboarding.
type DeviceInterface struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	// IPAddressIDs are the addresses assigned to this interface.
	IPAddressIDs []string `json:"ip_address_ids,omitempty"`
}

// ManagementIP strips the prefix length from PrimaryIP4.
func (d *Device) ManagementIP() string {
	if i := strings.IndexByte(d.PrimaryIP4, '/'); i >= 0 {
		return d.PrimaryIP4[:i]
	}
	return d.PrimaryIP4
}

// Attrs renders the device as a generic attribute map, the shape
// inventory conditions and path templates evaluate against. Custom
// fields appear both under custom_fields and _custom_field_data, the
// latter matching Nautobot's GraphQL spelling used in templates.
func (d *Device) Attrs() map[string]any {
	data, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"name": d.Name}
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return map[string]any{"name": d.Name}
	}
	if d.CustomFields != nil {
		attrs["_custom_field_data"] = attrs["custom_fields"]
	}
	return attrs
}

// SNMPCommunityType discriminates the SNMP credential union.
type SNMPCommunityType string

const (
	// SNMPV1V2 carries a plain community string.
	SNMPV1V2 SNMPCommunityType = "v1_v2_community"
	// SNMPV3 carries the v3 security parameters.
	SNMPV3 SNMPCommunityType = "v3"
)

// SNMPCommunity is the tagged union handed to CheckMK as the snmp_community
// host attribute. Only the fields of the active variant are populated.
type SNMPCommunity struct {
	Type SNMPCommunityType `json:"type" yaml:"type"`

	// v1/v2 variant.
	Community string `json:"community,omitempty" yaml:"community,omitempty"`

	// v3 variant.
	SecurityLevel string `json:"security_level,omitempty" yaml:"security_level,omitempty"`
	AuthProtocol  string `json:"auth_protocol,omitempty" yaml:"auth_protocol,omitempty"`
	AuthPassword  string `json:"auth_password,omitempty" yaml:"auth_password,omitempty"`
	PrivProtocol  string `json:"priv_protocol,omitempty" yaml:"priv_protocol,omitempty"`
	PrivPassword  string `json:"priv_password,omitempty" yaml:"priv_password,omitempty"`
	SecurityName  string `json:"security_name,omitempty" yaml:"security_name,omitempty"`
}

// SNMPv3 security levels.
const (
	SNMPNoAuthNoPriv = "noAuthNoPriv"
	SNMPAuthNoPriv   = "authNoPriv"
	SNMPAuthPriv     = "authPriv"
)

// Equal is structural equality on the discriminant plus the active
// variant's fields. Communities are compared as whole values.
func (c SNMPCommunity) Equal(other SNMPCommunity) bool {
	if c.Type != other.Type {
		return false
	}
	switch c.Type {
	case SNMPV1V2:
		return c.Community == other.Community
	case SNMPV3:
		return c.SecurityLevel == other.SecurityLevel &&
			c.AuthProtocol == other.AuthProtocol &&
			c.AuthPassword == other.AuthPassword &&
			c.PrivProtocol == other.PrivProtocol &&
			c.PrivPassword == other.PrivPassword &&
			c.SecurityName == other.SecurityName
	}
	return false
}

// IsZero reports whether no variant is set.
func (c SNMPCommunity) IsZero() bool {
	return c.Type == ""
}
