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
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/checkmk"
)

type fakeDevices struct {
	devices []types.Device
	err     error
}

func (f *fakeDevices) ListDevices(ctx context.Context) ([]types.Device, error) {
	return f.devices, f.err
}

func (f *fakeDevices) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	for i := range f.devices {
		if f.devices[i].ID == id {
			return &f.devices[i], nil
		}
	}
	return nil, trace.NotFound("device %v not found", id)
}

type fakeMonitoring struct {
	mu    sync.Mutex
	hosts map[string]*checkmk.Host
	etags map[string]string
	// staleWrites fails that many leading writes with CompareFailed.
	staleWrites int

	folders []string
	created []string
	updated []string
	moved   []string
	deleted []string
}

func newFakeMonitoring() *fakeMonitoring {
	return &fakeMonitoring{
		hosts: make(map[string]*checkmk.Host),
		etags: make(map[string]string),
	}
}

func (f *fakeMonitoring) put(host checkmk.Host, etag string) {
	f.hosts[host.Name] = &host
	f.etags[host.Name] = etag
}

func (f *fakeMonitoring) GetHost(ctx context.Context, hostname string) (*checkmk.Host, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	host, ok := f.hosts[hostname]
	if !ok {
		return nil, "", trace.NotFound("host %v not found", hostname)
	}
	copied := *host
	return &copied, f.etags[hostname], nil
}

func (f *fakeMonitoring) checkETag(hostname, etag string) error {
	if f.staleWrites > 0 {
		f.staleWrites--
		return trace.CompareFailed("precondition failed for %v", hostname)
	}
	if f.etags[hostname] != etag {
		return trace.CompareFailed("precondition failed for %v", hostname)
	}
	return nil
}

func (f *fakeMonitoring) CreateHost(ctx context.Context, host checkmk.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hosts[host.Name]; ok {
		return trace.AlreadyExists("host %v already exists", host.Name)
	}
	copied := host
	f.hosts[host.Name] = &copied
	f.etags[host.Name] = "v1"
	f.created = append(f.created, host.Name)
	return nil
}

func (f *fakeMonitoring) UpdateHost(ctx context.Context, hostname string, attributes map[string]any, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	host, ok := f.hosts[hostname]
	if !ok {
		return trace.NotFound("host %v not found", hostname)
	}
	if err := f.checkETag(hostname, etag); err != nil {
		return err
	}
	host.Attributes = attributes
	f.etags[hostname] = f.etags[hostname] + "'"
	f.updated = append(f.updated, hostname)
	return nil
}

func (f *fakeMonitoring) MoveHost(ctx context.Context, hostname, targetFolder, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	host, ok := f.hosts[hostname]
	if !ok {
		return trace.NotFound("host %v not found", hostname)
	}
	if err := f.checkETag(hostname, etag); err != nil {
		return err
	}
	host.Folder = targetFolder
	f.etags[hostname] = f.etags[hostname] + "'"
	f.moved = append(f.moved, hostname)
	return nil
}

func (f *fakeMonitoring) DeleteHost(ctx context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hosts[hostname]; !ok {
		return trace.NotFound("host %v not found", hostname)
	}
	delete(f.hosts, hostname)
	delete(f.etags, hostname)
	f.deleted = append(f.deleted, hostname)
	return nil
}

func (f *fakeMonitoring) EnsureFolderPath(ctx context.Context, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	return nil
}

func (f *fakeMonitoring) ActivateChanges(ctx context.Context, sites []string) error {
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	started  []string
	progress []int
	results  []types.NB2CMKJobResult
	status   types.RunStatus
	errMsg   string
}

func (f *fakeSink) MarkNB2CMKJobStarted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSink) UpdateNB2CMKJobProgress(ctx context.Context, id string, processed, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, processed)
	return nil
}

func (f *fakeSink) CompleteNB2CMKJob(ctx context.Context, id string, status types.RunStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.errMsg = errMsg
	return nil
}

func (f *fakeSink) AddNB2CMKJobResult(ctx context.Context, r *types.NB2CMKJobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, *r)
	return nil
}

func (f *fakeSink) resultFor(t *testing.T, device string) types.NB2CMKJobResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.DeviceName == device {
			return r
		}
	}
	t.Fatalf("no result recorded for device %v", device)
	return types.NB2CMKJobResult{}
}

func testDevice(name, ip, location string) types.Device {
	return types.Device{
		ID:         "id-" + name,
		Name:       name,
		PrimaryIP4: ip,
		Location:   types.Location{ID: "loc-1", Name: location},
		Role:       types.Named{ID: "role-1", Name: "switch"},
		Status:     types.Named{ID: "status-1", Name: "Active"},
	}
}

func newTestReconciler(t *testing.T, cfg Config) *Reconciler {
	t.Helper()
	if cfg.Site == "" {
		cfg.Site = "main"
	}
	if cfg.FolderTemplate == "" {
		cfg.FolderTemplate = "/network/{location.name}"
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	mapping := &SNMPMapping{
		Default: &types.SNMPCommunity{Type: types.SNMPV1V2, Community: "public"},
		Profiles: map[string]types.SNMPCommunity{
			"dc": {Type: types.SNMPV3, SecurityLevel: types.SNMPAuthPriv, AuthProtocol: "SHA", AuthPassword: "a", PrivProtocol: "AES", PrivPassword: "p"},
		},
	}
	r := newTestReconciler(t, Config{
		Devices:         &fakeDevices{},
		Monitoring:      newFakeMonitoring(),
		SNMPMapping:     mapping,
		SNMPCustomField: "snmp_profile",
	})

	device := testDevice("sw1", "10.0.0.1/24", "fra")
	host, err := r.Normalize(&device)
	require.NoError(t, err)
	require.Equal(t, "sw1", host.Name)
	require.Equal(t, "/network/fra", host.Folder)
	require.Equal(t, "10.0.0.1", host.Attributes["ipaddress"])
	require.Equal(t, "main", host.Attributes["site"])
	require.Equal(t, "sw1", host.Attributes["alias"])
	require.Equal(t, "fra", host.Attributes["location"])
	require.Equal(t, "switch", host.Attributes["tag_role"])
	// No profile match falls back to the default community.
	require.Equal(t, map[string]any{"type": "v1_v2_community", "community": "public"}, host.Attributes["snmp_community"])
	require.Equal(t, "no-agent", host.Attributes["tag_agent"])

	device.CustomFields = map[string]any{"snmp_profile": "dc"}
	host, err = r.Normalize(&device)
	require.NoError(t, err)
	community, ok := host.Attributes["snmp_community"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "v3", community["type"])
	require.Equal(t, types.SNMPAuthPriv, community["security_level"])
}

func TestNormalizeRejectsUnmonitorable(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: newFakeMonitoring()})

	noIP := testDevice("sw1", "", "fra")
	_, err := r.Normalize(&noIP)
	require.True(t, trace.IsBadParameter(err))

	noName := testDevice("", "10.0.0.1/24", "fra")
	_, err = r.Normalize(&noName)
	require.True(t, trace.IsBadParameter(err))
}

func TestCompareIgnoresConfiguredAttributes(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, Config{
		Devices:          &fakeDevices{},
		Monitoring:       newFakeMonitoring(),
		IgnoreAttributes: []string{"labels"},
	})

	desired := &checkmk.Host{
		Name:   "sw1",
		Folder: "/network/fra",
		Attributes: map[string]any{
			"ipaddress": "10.0.0.1",
			"alias":     "sw1",
		},
	}
	actual := &checkmk.Host{
		Name:   "sw1",
		Folder: "/network/fra",
		Attributes: map[string]any{
			"ipaddress": "10.0.0.1",
			"alias":     "sw1",
			"meta_data": map[string]any{"created_at": "2024-01-01"},
			"labels":    map[string]any{"managed": "manually"},
		},
	}
	equal, diff := r.Compare(desired, actual)
	require.True(t, equal, "diff: %v", diff)

	actual.Attributes["alias"] = "switch-one"
	equal, diff = r.Compare(desired, actual)
	require.False(t, equal)
	require.Equal(t, []string{`alias: "sw1" != "switch-one"`}, diff)
}

func TestCompareJSONNormalisesValues(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: newFakeMonitoring()})

	// Wire-decoded values arrive as float64/map[string]any; in-memory
	// values as int/typed maps. They must still compare equal.
	desired := &checkmk.Host{Folder: "/", Attributes: map[string]any{
		"port": 8080,
		"snmp": map[string]any{"type": "v1_v2_community", "community": "public"},
	}}
	actual := &checkmk.Host{Folder: "/", Attributes: map[string]any{
		"port": float64(8080),
		"snmp": map[string]any{"community": "public", "type": "v1_v2_community"},
	}}
	equal, diff := r.Compare(desired, actual)
	require.True(t, equal, "diff: %v", diff)
}

func TestCompareDevice(t *testing.T) {
	t.Parallel()

	device := testDevice("sw1", "10.0.0.1/24", "fra")

	t.Run("equal", func(t *testing.T) {
		monitoring := newFakeMonitoring()
		r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
		desired, err := r.Normalize(&device)
		require.NoError(t, err)
		monitoring.put(*desired, "v1")

		outcome := r.CompareDevice(context.Background(), &device)
		require.NoError(t, outcome.Err)
		require.Equal(t, types.ComparisonEqual, outcome.Result)
		require.Empty(t, outcome.Diff)
	})

	t.Run("diff", func(t *testing.T) {
		monitoring := newFakeMonitoring()
		r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
		desired, err := r.Normalize(&device)
		require.NoError(t, err)
		drifted := *desired
		drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9", "site": "main", "alias": "sw1", "location": "fra", "tag_role": "switch"}
		monitoring.put(drifted, "v1")

		outcome := r.CompareDevice(context.Background(), &device)
		require.Equal(t, types.ComparisonDiff, outcome.Result)
		require.Equal(t, []string{`ipaddress: "10.0.0.1" != "10.9.9.9"`}, outcome.Diff)
	})

	t.Run("host not found", func(t *testing.T) {
		r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: newFakeMonitoring()})
		outcome := r.CompareDevice(context.Background(), &device)
		require.Equal(t, types.ComparisonHostNotFound, outcome.Result)
	})

	t.Run("unmonitorable is an error outcome", func(t *testing.T) {
		r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: newFakeMonitoring()})
		broken := testDevice("sw9", "", "fra")
		outcome := r.CompareDevice(context.Background(), &broken)
		require.Equal(t, types.ComparisonError, outcome.Result)
		require.Error(t, outcome.Err)
	})
}

func TestSyncDeviceAdd(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
	device := testDevice("sw1", "10.0.0.1/24", "fra")

	outcome := r.SyncDevice(context.Background(), &device)
	require.NoError(t, outcome.Err)
	require.Equal(t, types.ComparisonHostNotFound, outcome.Result)
	require.Equal(t, types.SyncActionAdd, outcome.Action)
	require.Equal(t, []string{"/network/fra"}, monitoring.folders)
	require.Equal(t, []string{"sw1"}, monitoring.created)

	created, _, err := monitoring.GetHost(context.Background(), "sw1")
	require.NoError(t, err)
	require.Equal(t, "/network/fra", created.Folder)
}

func TestSyncDeviceUpdate(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
	device := testDevice("sw1", "10.0.0.1/24", "fra")
	desired, err := r.Normalize(&device)
	require.NoError(t, err)
	drifted := *desired
	drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9"}
	monitoring.put(drifted, "v1")

	outcome := r.SyncDevice(context.Background(), &device)
	require.NoError(t, outcome.Err)
	require.Equal(t, types.ComparisonDiff, outcome.Result)
	require.Equal(t, types.SyncActionUpdate, outcome.Action)
	require.Equal(t, []string{"sw1"}, monitoring.updated)
	require.Empty(t, monitoring.moved)

	converged, _, err := monitoring.GetHost(context.Background(), "sw1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", converged.Attributes["ipaddress"])
}

func TestSyncDeviceMove(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
	device := testDevice("sw1", "10.0.0.1/24", "fra")
	desired, err := r.Normalize(&device)
	require.NoError(t, err)
	relocated := *desired
	relocated.Folder = "/network/old"
	monitoring.put(relocated, "v1")

	outcome := r.SyncDevice(context.Background(), &device)
	require.NoError(t, outcome.Err)
	require.Equal(t, types.SyncActionMove, outcome.Action)
	require.Equal(t, []string{"sw1"}, monitoring.moved)

	converged, _, err := monitoring.GetHost(context.Background(), "sw1")
	require.NoError(t, err)
	require.Equal(t, "/network/fra", converged.Folder)
}

func TestSyncDeviceStaleETagRetriesOnce(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
	device := testDevice("sw1", "10.0.0.1/24", "fra")
	desired, err := r.Normalize(&device)
	require.NoError(t, err)
	drifted := *desired
	drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9"}
	monitoring.put(drifted, "v1")
	monitoring.staleWrites = 1

	outcome := r.SyncDevice(context.Background(), &device)
	require.NoError(t, outcome.Err)
	require.Equal(t, types.SyncActionUpdate, outcome.Action)
	require.Equal(t, []string{"sw1"}, monitoring.updated)
}

func TestSyncDeviceStaleETagSurfacesAfterOneRetry(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})
	device := testDevice("sw1", "10.0.0.1/24", "fra")
	desired, err := r.Normalize(&device)
	require.NoError(t, err)
	drifted := *desired
	drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9"}
	monitoring.put(drifted, "v1")
	monitoring.staleWrites = 2

	outcome := r.SyncDevice(context.Background(), &device)
	require.Equal(t, types.ComparisonError, outcome.Result)
	require.True(t, trace.IsCompareFailed(outcome.Err))
	require.Empty(t, monitoring.updated)
}

func TestRemoveHost(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	monitoring.put(checkmk.Host{Name: "sw1", Folder: "/"}, "v1")
	r := newTestReconciler(t, Config{Devices: &fakeDevices{}, Monitoring: monitoring})

	require.NoError(t, r.RemoveHost(context.Background(), "sw1"))
	require.Equal(t, []string{"sw1"}, monitoring.deleted)
	// Absence satisfies the intent.
	require.NoError(t, r.RemoveHost(context.Background(), "sw1"))
}

func TestRunJobCompareOnly(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	sink := &fakeSink{}
	equalDevice := testDevice("sw-equal", "10.0.0.1/24", "fra")
	driftDevice := testDevice("sw-drift", "10.0.0.2/24", "fra")
	missingDevice := testDevice("sw-missing", "10.0.0.3/24", "fra")
	brokenDevice := testDevice("sw-broken", "", "fra")

	devices := &fakeDevices{devices: []types.Device{equalDevice, driftDevice, missingDevice, brokenDevice}}
	r := newTestReconciler(t, Config{Devices: devices, Monitoring: monitoring, Results: sink, Concurrency: 2})

	desired, err := r.Normalize(&equalDevice)
	require.NoError(t, err)
	monitoring.put(*desired, "v1")

	desired, err = r.Normalize(&driftDevice)
	require.NoError(t, err)
	drifted := *desired
	drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9"}
	monitoring.put(drifted, "v1")

	job := &types.NB2CMKJob{ID: "job-1", Apply: false}
	require.NoError(t, r.RunJob(context.Background(), job))

	require.Equal(t, []string{"job-1"}, sink.started)
	require.Len(t, sink.results, 4)
	require.Equal(t, types.ComparisonEqual, sink.resultFor(t, "sw-equal").Outcome)
	require.Equal(t, types.ComparisonDiff, sink.resultFor(t, "sw-drift").Outcome)
	require.Equal(t, types.ComparisonHostNotFound, sink.resultFor(t, "sw-missing").Outcome)
	broken := sink.resultFor(t, "sw-broken")
	require.Equal(t, types.ComparisonError, broken.Outcome)
	require.NotEmpty(t, broken.Error)

	// One broken device makes the pass partial, not failed.
	require.Equal(t, types.RunPartial, sink.status)
	// Compare-only passes never touch the monitoring side.
	require.Empty(t, monitoring.created)
	require.Empty(t, monitoring.updated)
	require.Empty(t, monitoring.moved)
	// Progress ends at the device count.
	require.Contains(t, sink.progress, 4)
}

func TestRunJobApply(t *testing.T) {
	t.Parallel()

	monitoring := newFakeMonitoring()
	sink := &fakeSink{}
	missingDevice := testDevice("sw-missing", "10.0.0.3/24", "fra")
	driftDevice := testDevice("sw-drift", "10.0.0.2/24", "fra")
	devices := &fakeDevices{devices: []types.Device{missingDevice, driftDevice}}
	r := newTestReconciler(t, Config{Devices: devices, Monitoring: monitoring, Results: sink})

	desired, err := r.Normalize(&driftDevice)
	require.NoError(t, err)
	drifted := *desired
	drifted.Attributes = map[string]any{"ipaddress": "10.9.9.9"}
	monitoring.put(drifted, "v1")

	job := &types.NB2CMKJob{ID: "job-2", Apply: true}
	require.NoError(t, r.RunJob(context.Background(), job))

	require.Equal(t, types.RunSuccess, sink.status)
	require.Equal(t, types.SyncActionAdd, sink.resultFor(t, "sw-missing").Action)
	require.Equal(t, types.SyncActionUpdate, sink.resultFor(t, "sw-drift").Action)
	require.Equal(t, []string{"sw-missing"}, monitoring.created)
	require.Equal(t, []string{"sw-drift"}, monitoring.updated)
}

func TestRunJobAllFailuresIsFailed(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	broken := testDevice("sw-broken", "", "fra")
	devices := &fakeDevices{devices: []types.Device{broken}}
	r := newTestReconciler(t, Config{Devices: devices, Monitoring: newFakeMonitoring(), Results: sink})

	job := &types.NB2CMKJob{ID: "job-3"}
	require.NoError(t, r.RunJob(context.Background(), job))
	require.Equal(t, types.RunFailed, sink.status)
}

func TestRunJobListFailure(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	devices := &fakeDevices{err: trace.ConnectionProblem(nil, "nautobot unreachable")}
	r := newTestReconciler(t, Config{Devices: devices, Monitoring: newFakeMonitoring(), Results: sink})

	job := &types.NB2CMKJob{ID: "job-4"}
	err := r.RunJob(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, types.RunFailed, sink.status)
	require.Contains(t, sink.errMsg, "nautobot unreachable")
}

func TestLoadSNMPMapping(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "snmp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  type: v1_v2_community
  community: public
profiles:
  dc:
    type: v3
    security_level: authPriv
    auth_protocol: SHA
    auth_password: secret1
    priv_protocol: AES
    priv_password: secret2
`), 0o600))

	mapping, err := LoadSNMPMapping(path)
	require.NoError(t, err)

	community, ok := mapping.Lookup("dc")
	require.True(t, ok)
	require.Equal(t, types.SNMPV3, community.Type)
	require.Equal(t, types.SNMPAuthPriv, community.SecurityLevel)

	community, ok = mapping.Lookup("unknown")
	require.True(t, ok)
	require.Equal(t, "public", community.Community)

	_, err = LoadSNMPMapping(filepath.Join(dir, "missing.yaml"))
	require.True(t, trace.IsNotFound(err))
}

func TestLoadSNMPMappingRejectsBadProfiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "snmp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  bad:
    type: v3
    security_level: superSecure
`), 0o600))

	_, err := LoadSNMPMapping(path)
	require.True(t, trace.IsBadParameter(err))
}
