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

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// deviceFields is the GraphQL selection shared by all device queries.
// It matches what executors and the reconciler consume; anything more is
// fetched ad hoc via GetDeviceDetails.
const deviceFields = `
    id
    name
    serial
    primary_ip4 { id address }
    platform { id name network_driver }
    location { id name parent { id name } }
    role { id name }
    status { id name }
    device_type { id model }
    tags { name }
    _custom_field_data
    interfaces { id name ip_addresses { id } }
`

type gqlNamed struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type gqlDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Serial     string `json:"serial"`
	PrimaryIP4 *struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	} `json:"primary_ip4"`
	Platform *struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		NetworkDriver string `json:"network_driver"`
	} `json:"platform"`
	Location *struct {
		ID     string    `json:"id"`
		Name   string    `json:"name"`
		Parent *gqlNamed `json:"parent"`
	} `json:"location"`
	Role       *gqlNamed `json:"role"`
	Status     *gqlNamed `json:"status"`
	DeviceType *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"device_type"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	CustomFieldData map[string]any `json:"_custom_field_data"`
	Interfaces      []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		IPAddresses []struct {
			ID string `json:"id"`
		} `json:"ip_addresses"`
	} `json:"interfaces"`
}

func (g *gqlDevice) toDevice() types.Device {
	d := types.Device{
		ID:           g.ID,
		Name:         g.Name,
		Serial:       g.Serial,
		CustomFields: g.CustomFieldData,
	}
	if g.PrimaryIP4 != nil {
		d.PrimaryIP4 = g.PrimaryIP4.Address
		d.PrimaryIP4ID = g.PrimaryIP4.ID
	}
	if g.Platform != nil {
		d.Platform = types.Named{ID: g.Platform.ID, Name: g.Platform.Name}
		d.NetworkDriver = g.Platform.NetworkDriver
	}
	if g.Location != nil {
		d.Location = types.Location{ID: g.Location.ID, Name: g.Location.Name}
		if g.Location.Parent != nil {
			d.Location.Parent = &types.Named{ID: g.Location.Parent.ID, Name: g.Location.Parent.Name}
		}
	}
	if g.Role != nil {
		d.Role = types.Named{ID: g.Role.ID, Name: g.Role.Name}
	}
	if g.Status != nil {
		d.Status = types.Named{ID: g.Status.ID, Name: g.Status.Name}
	}
	if g.DeviceType != nil {
		d.DeviceType = types.Named{ID: g.DeviceType.ID, Name: g.DeviceType.Model}
	}
	for _, t := range g.Tags {
		d.Tags = append(d.Tags, t.Name)
	}
	for _, iface := range g.Interfaces {
		di := types.DeviceInterface{ID: iface.ID, Name: iface.Name}
		for _, ip := range iface.IPAddresses {
			di.IPAddressIDs = append(di.IPAddressIDs, ip.ID)
		}
		d.Interfaces = append(d.Interfaces, di)
	}
	return d
}

// ListDevices fetches every device. The full set is cached as one entry;
// runs resolve their device sets against this snapshot.
func (c *Client) ListDevices(ctx context.Context) ([]types.Device, error) {
	if c.c.Cache != nil {
		var cached []types.Device
		if c.c.Cache.get(ctx, kindDevice, listID, &cached) {
			return cached, nil
		}
	}

	var data struct {
		Devices []gqlDevice `json:"devices"`
	}
	if err := c.graphql(ctx, "query { devices {"+deviceFields+"} }", nil, &data); err != nil {
		return nil, trace.Wrap(err)
	}
	devices := make([]types.Device, 0, len(data.Devices))
	for i := range data.Devices {
		devices = append(devices, data.Devices[i].toDevice())
	}
	if c.c.Cache != nil {
		c.c.Cache.set(ctx, kindDevice, listID, devices)
	}
	return devices, nil
}

// GetDevice fetches one device by UUID.
func (c *Client) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	if id == "" {
		return nil, trace.BadParameter("missing device id")
	}
	if c.c.Cache != nil {
		var cached types.Device
		if c.c.Cache.get(ctx, kindDevice, id, &cached) {
			return &cached, nil
		}
	}

	var data struct {
		Device *gqlDevice `json:"device"`
	}
	query := "query ($id: ID!) { device(id: $id) {" + deviceFields + "} }"
	if err := c.graphql(ctx, query, map[string]any{"id": id}, &data); err != nil {
		return nil, trace.Wrap(err)
	}
	if data.Device == nil {
		return nil, trace.NotFound("device %v not found", id)
	}
	device := data.Device.toDevice()
	if c.c.Cache != nil {
		c.c.Cache.set(ctx, kindDevice, id, device)
	}
	return &device, nil
}

// GetDeviceDetails returns the raw REST representation of a device as a
// generic map, the shape agent deployment templates render against.
func (c *Client) GetDeviceDetails(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, trace.BadParameter("missing device id")
	}
	var details map[string]any
	err := c.do(ctx, http.MethodGet, "/api/dcim/devices/"+id+"/", depthQuery(), nil, &details)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return details, nil
}

// SetDeviceCustomFields merges custom field values on a device, used by
// backup timestamps and scan summaries.
func (c *Client) SetDeviceCustomFields(ctx context.Context, id string, fields map[string]any) error {
	if id == "" {
		return trace.BadParameter("missing device id")
	}
	if len(fields) == 0 {
		return nil
	}
	body := map[string]any{"custom_fields": fields}
	if err := c.do(ctx, http.MethodPatch, "/api/dcim/devices/"+id+"/", nil, body, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindDevice, id)
	}
	return nil
}

// SetDeviceStatus updates the device status by status UUID.
func (c *Client) SetDeviceStatus(ctx context.Context, id, statusID string) error {
	if id == "" || statusID == "" {
		return trace.BadParameter("missing device or status id")
	}
	body := map[string]any{"status": statusID}
	if err := c.do(ctx, http.MethodPatch, "/api/dcim/devices/"+id+"/", nil, body, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindDevice, id)
	}
	return nil
}

// DeleteDevice removes the device record entirely.
func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing device id")
	}
	if err := c.do(ctx, http.MethodDelete, "/api/dcim/devices/"+id+"/", nil, nil, nil); err != nil {
		return trace.Wrap(err)
	}
	if c.c.Cache != nil {
		c.c.Cache.invalidate(ctx, kindDevice, id)
	}
	return nil
}
