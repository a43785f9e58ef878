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

package reconciler

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/checkmk"
	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// SNMPMapping resolves a device's SNMP credentials from the value of a
// configured Nautobot custom field. Loaded from a YAML file the operator
// maintains next to the config.
type SNMPMapping struct {
	// Default applies when the device's custom field is empty or has no
	// profile entry. Optional; without it such devices get no community.
	Default *types.SNMPCommunity `yaml:"default,omitempty"`
	// Profiles maps custom-field values to communities.
	Profiles map[string]types.SNMPCommunity `yaml:"profiles"`
}

// LoadSNMPMapping reads the mapping file.
func LoadSNMPMapping(path string) (*SNMPMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var m SNMPMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, trace.BadParameter("malformed snmp mapping file %v: %v", path, err)
	}
	for key, community := range m.Profiles {
		if err := checkCommunity(community); err != nil {
			return nil, trace.Wrap(err, "snmp profile %q", key)
		}
	}
	if m.Default != nil {
		if err := checkCommunity(*m.Default); err != nil {
			return nil, trace.Wrap(err, "snmp default profile")
		}
	}
	return &m, nil
}

func checkCommunity(c types.SNMPCommunity) error {
	switch c.Type {
	case types.SNMPV1V2:
		if c.Community == "" {
			return trace.BadParameter("v1/v2 profile needs a community string")
		}
	case types.SNMPV3:
		switch c.SecurityLevel {
		case types.SNMPNoAuthNoPriv, types.SNMPAuthNoPriv, types.SNMPAuthPriv:
		default:
			return trace.BadParameter("unsupported v3 security level %q", c.SecurityLevel)
		}
	default:
		return trace.BadParameter("unsupported community type %q", c.Type)
	}
	return nil
}

// Lookup returns the community for a custom-field value, falling back to
// the default profile. The bool is false when neither matches.
func (m *SNMPMapping) Lookup(key string) (types.SNMPCommunity, bool) {
	if m == nil {
		return types.SNMPCommunity{}, false
	}
	if key != "" {
		if community, ok := m.Profiles[key]; ok {
			return community, true
		}
	}
	if m.Default != nil {
		return *m.Default, true
	}
	return types.SNMPCommunity{}, false
}

// communityAttr renders the tagged union the way the monitoring side
// stores it, with only the active variant's fields present.
func communityAttr(c types.SNMPCommunity) map[string]any {
	attr := map[string]any{"type": string(c.Type)}
	switch c.Type {
	case types.SNMPV1V2:
		attr["community"] = c.Community
	case types.SNMPV3:
		attr["security_level"] = c.SecurityLevel
		if c.AuthProtocol != "" {
			attr["auth_protocol"] = c.AuthProtocol
		}
		if c.AuthPassword != "" {
			attr["auth_password"] = c.AuthPassword
		}
		if c.PrivProtocol != "" {
			attr["priv_protocol"] = c.PrivProtocol
		}
		if c.PrivPassword != "" {
			attr["priv_password"] = c.PrivPassword
		}
		if c.SecurityName != "" {
			attr["security_name"] = c.SecurityName
		}
	}
	return attr
}

// Normalize derives the desired CheckMK host configuration from a
// Nautobot device. Devices without a name or a primary IP cannot be
// monitored and fail normalisation.
func (r *Reconciler) Normalize(device *types.Device) (*checkmk.Host, error) {
	if device.Name == "" {
		return nil, trace.BadParameter("device %v has no name", device.ID)
	}
	ip := device.ManagementIP()
	if ip == "" {
		return nil, trace.BadParameter("device %v has no primary IPv4", device.Name)
	}

	folder := "/"
	if r.c.FolderTemplate != "" {
		rendered, err := parse.ExpandDeviceTemplate(r.c.FolderTemplate, device.Attrs())
		if err != nil {
			return nil, trace.Wrap(err, "rendering folder for %v", device.Name)
		}
		folder = checkmk.ToUIFolder(checkmk.ToWireFolder(rendered))
	}

	attributes := map[string]any{
		"site":      r.c.Site,
		"ipaddress": ip,
		"alias":     device.Name,
	}
	if device.Location.Name != "" {
		attributes["location"] = device.Location.Name
	}
	if device.Role.Name != "" {
		attributes["tag_role"] = device.Role.Name
	}

	if r.c.SNMPMapping != nil {
		key := ""
		if device.CustomFields != nil {
			if v, ok := parse.ScalarString(device.CustomFields[r.c.SNMPCustomField]); ok {
				key = v
			}
		}
		if community, ok := r.c.SNMPMapping.Lookup(key); ok {
			attributes["snmp_community"] = communityAttr(community)
			attributes["tag_agent"] = "no-agent"
			attributes["tag_snmp_ds"] = "snmp-v2"
		}
	}

	return &checkmk.Host{
		Name:       device.Name,
		Folder:     folder,
		Attributes: attributes,
	}, nil
}
