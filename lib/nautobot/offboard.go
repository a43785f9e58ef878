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
	"fmt"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// HostRemover is the monitoring-side removal hook, implemented by the
// CheckMK gateway. Kept as an interface so offboarding does not depend
// on the monitoring package.
type HostRemover interface {
	DeleteHost(ctx context.Context, hostname string) error
}

// OffboardParams selects what offboarding removes.
type OffboardParams struct {
	// IntegrationMode is types.OffboardRemove (delete the device record)
	// or types.OffboardSetOffboarding (flip its status, keep the record).
	IntegrationMode string `json:"nautobot_integration_mode"`
	// OffboardingStatus is the status name applied in set-offboarding
	// mode. Defaults to "Offboarding".
	OffboardingStatus  string `json:"offboarding_status,omitempty"`
	RemovePrimaryIP    bool   `json:"remove_primary_ip"`
	RemoveInterfaceIPs bool   `json:"remove_interface_ips"`
	RemoveFromCheckMK  bool   `json:"remove_from_checkmk"`
}

// Check validates the parameters.
func (p *OffboardParams) Check() error {
	switch p.IntegrationMode {
	case types.OffboardRemove, types.OffboardSetOffboarding:
		return nil
	default:
		return trace.BadParameter("unsupported integration mode %q", p.IntegrationMode)
	}
}

// OffboardResult itemises what happened. Partial failures do not abort
// the operation; each failed item lands in Errors and the rest proceeds.
type OffboardResult struct {
	DeviceID     string   `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	RemovedItems []string `json:"removed_items"`
	SkippedItems []string `json:"skipped_items"`
	Errors       []string `json:"errors"`
	Summary      string   `json:"summary"`
}

func (r *OffboardResult) removed(format string, args ...any) {
	r.RemovedItems = append(r.RemovedItems, fmt.Sprintf(format, args...))
}

func (r *OffboardResult) skipped(format string, args ...any) {
	r.SkippedItems = append(r.SkippedItems, fmt.Sprintf(format, args...))
}

func (r *OffboardResult) failed(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// OffboardDevice takes a device out of service: optionally releases its
// IP addresses, removes it from monitoring, then either deletes the
// record or parks it in an offboarding status. monitoring may be nil
// when CheckMK removal is not requested.
func (c *Client) OffboardDevice(ctx context.Context, deviceID string, params OffboardParams, monitoring HostRemover) (*OffboardResult, error) {
	if err := params.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := &OffboardResult{DeviceID: device.ID, DeviceName: device.Name}

	deletedIPs := make(map[string]bool)
	if params.RemoveInterfaceIPs {
		for _, iface := range device.Interfaces {
			for _, ipID := range iface.IPAddressIDs {
				if deletedIPs[ipID] {
					continue
				}
				switch err := c.DeleteIPAddress(ctx, ipID); {
				case err == nil:
					deletedIPs[ipID] = true
					result.removed("interface IP %v (%v)", ipID, iface.Name)
				case trace.IsNotFound(err):
					result.skipped("interface IP %v already absent", ipID)
				default:
					result.failed("interface IP %v: %v", ipID, err)
				}
			}
		}
	}

	if params.RemovePrimaryIP {
		switch {
		case device.PrimaryIP4ID == "":
			result.skipped("device has no primary IP")
		case deletedIPs[device.PrimaryIP4ID]:
			result.skipped("primary IP removed with its interface")
		default:
			switch err := c.DeleteIPAddress(ctx, device.PrimaryIP4ID); {
			case err == nil:
				result.removed("primary IP %v", device.PrimaryIP4)
			case trace.IsNotFound(err):
				result.skipped("primary IP already absent")
			default:
				result.failed("primary IP: %v", err)
			}
		}
	}

	if params.RemoveFromCheckMK {
		if monitoring == nil {
			result.skipped("checkmk removal requested but no monitoring gateway configured")
		} else {
			switch err := monitoring.DeleteHost(ctx, device.Name); {
			case err == nil:
				result.removed("checkmk host %v", device.Name)
			case trace.IsNotFound(err):
				result.skipped("checkmk host %v not present", device.Name)
			default:
				result.failed("checkmk host %v: %v", device.Name, err)
			}
		}
	}

	switch params.IntegrationMode {
	case types.OffboardRemove:
		if err := c.DeleteDevice(ctx, device.ID); err != nil {
			result.failed("device record: %v", err)
		} else {
			result.removed("device %v", device.Name)
		}
	case types.OffboardSetOffboarding:
		statusName := params.OffboardingStatus
		if statusName == "" {
			statusName = "Offboarding"
		}
		statusID, err := c.ResolveStatus(ctx, statusName, ContentTypeDevice)
		switch {
		case err != nil:
			result.failed("resolving status %q: %v", statusName, err)
		case statusID == "":
			result.failed("status %q does not exist, device status unchanged", statusName)
		default:
			if err := c.SetDeviceStatus(ctx, device.ID, statusID); err != nil {
				result.failed("setting status %q: %v", statusName, err)
			} else {
				result.removed("device parked in status %q", statusName)
			}
		}
	}

	result.Summary = fmt.Sprintf("offboarded %v: %d removed, %d skipped, %d errors",
		device.Name, len(result.RemovedItems), len(result.SkippedItems), len(result.Errors))
	return result, nil
}
