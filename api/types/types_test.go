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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeRunStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []DeviceResultStatus
		expect   RunStatus
	}{
		{"all ok", []DeviceResultStatus{DeviceOK, DeviceOK, DeviceOK}, RunSuccess},
		{"empty set", nil, RunSuccess},
		{"all failed", []DeviceResultStatus{DeviceError, DeviceError}, RunFailed},
		{"mixed", []DeviceResultStatus{DeviceOK, DeviceError, DeviceOK}, RunPartial},
		{"skips do not fail a run", []DeviceResultStatus{DeviceOK, DeviceSkipped}, RunSuccess},
		{"skips alone succeed", []DeviceResultStatus{DeviceSkipped}, RunSuccess},
		{"skip plus error fails", []DeviceResultStatus{DeviceSkipped, DeviceError}, RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []DeviceResult
			for _, s := range tt.statuses {
				results = append(results, DeviceResult{Status: s})
			}
			require.Equal(t, tt.expect, ComputeRunStatus(results))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	require.False(t, RunPending.IsTerminal())
	require.False(t, RunRunning.IsTerminal())
	for _, s := range []RunStatus{RunSuccess, RunFailed, RunPartial, RunCancelled} {
		require.True(t, s.IsTerminal(), "%v should be terminal", s)
	}
}

func TestCredentialStatus(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	warning := 7 * 24 * time.Hour

	c := Credential{Name: "lab"}
	require.Equal(t, CredentialActive, c.Status(now, warning))

	in30d := now.Add(30 * 24 * time.Hour)
	c.ValidUntil = &in30d
	require.Equal(t, CredentialActive, c.Status(now, warning))

	in3d := now.Add(3 * 24 * time.Hour)
	c.ValidUntil = &in3d
	require.Equal(t, CredentialExpiring, c.Status(now, warning))

	past := now.Add(-time.Hour)
	c.ValidUntil = &past
	require.Equal(t, CredentialExpired, c.Status(now, warning))
}

func TestSNMPCommunityEqual(t *testing.T) {
	v2a := SNMPCommunity{Type: SNMPV1V2, Community: "public"}
	v2b := SNMPCommunity{Type: SNMPV1V2, Community: "public"}
	v2c := SNMPCommunity{Type: SNMPV1V2, Community: "private"}
	require.True(t, v2a.Equal(v2b))
	require.False(t, v2a.Equal(v2c))

	v3a := SNMPCommunity{
		Type:          SNMPV3,
		SecurityLevel: SNMPAuthPriv,
		AuthProtocol:  "SHA",
		AuthPassword:  "secret",
		PrivProtocol:  "AES",
		PrivPassword:  "secret2",
	}
	v3b := v3a
	require.True(t, v3a.Equal(v3b))

	v3b.PrivPassword = "other"
	require.False(t, v3a.Equal(v3b))

	// Different discriminants never compare equal, even with overlapping
	// field values.
	require.False(t, v2a.Equal(SNMPCommunity{Type: SNMPV3}))
}

func TestJobTemplateCheck(t *testing.T) {
	base := func() JobTemplate {
		return JobTemplate{
			Name:            "nightly",
			JobType:         JobBackup,
			InventorySource: InventoryAll,
			Backup:          &BackupConfig{Repository: "backups", PathTemplate: "{name}.cfg"},
		}
	}

	tpl := base()
	require.NoError(t, tpl.Check())

	tpl = base()
	tpl.Name = ""
	require.Error(t, tpl.Check())

	tpl = base()
	tpl.InventorySource = InventoryNamed
	require.Error(t, tpl.Check(), "named inventory without a name must fail")
	tpl.InventoryName = "core-switches"
	require.NoError(t, tpl.Check())

	tpl = base()
	tpl.Backup = nil
	require.Error(t, tpl.Check())

	// scan_prefixes templates must resolve the on_reachable policy
	// explicitly; there is no default.
	tpl = JobTemplate{
		Name:            "sweep",
		JobType:         JobScanPrefixes,
		InventorySource: InventoryAll,
		Scan:            &ScanConfig{},
	}
	require.Error(t, tpl.Check())
	tpl.Scan.OnReachable = OnReachableSetActive
	require.NoError(t, tpl.Check())

	tpl = JobTemplate{
		Name:            "cleanup",
		JobType:         JobIPAddresses,
		InventorySource: InventoryAll,
		IPAM:            &IPAddressesConfig{Action: IPActionRemove, FilterField: "cf_last_scan__lte", FilterValue: "{today-14}"},
	}
	require.NoError(t, tpl.Check())
	tpl.IPAM.Action = "purge"
	require.Error(t, tpl.Check())
}

func TestAgentCommandStatus(t *testing.T) {
	require.False(t, AgentCommandPending.IsTerminal())
	for _, s := range []AgentCommandStatus{AgentCommandSuccess, AgentCommandError, AgentCommandTimeout} {
		require.True(t, s.IsTerminal())
	}
}

func TestDeviceManagementIP(t *testing.T) {
	d := Device{PrimaryIP4: "10.20.30.40/24"}
	require.Equal(t, "10.20.30.40", d.ManagementIP())
	d.PrimaryIP4 = "10.20.30.40"
	require.Equal(t, "10.20.30.40", d.ManagementIP())
	d.PrimaryIP4 = ""
	require.Equal(t, "", d.ManagementIP())
}
