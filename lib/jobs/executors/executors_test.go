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

package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/gitrepos"
	"github.com/netcockpit/cockpit/lib/nautobot"
	"github.com/netcockpit/cockpit/lib/netssh"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/utils"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// apiCall is one captured request to the fake Nautobot server.
type apiCall struct {
	method string
	path   string
	query  url.Values
	body   map[string]any
}

type fakeAPI struct {
	mu      sync.Mutex
	handler func(call apiCall) (status int, body string)
	calls   []apiCall
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := apiCall{method: r.Method, path: r.URL.Path, query: r.URL.Query()}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &call.body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.handler
	f.mu.Unlock()
	status, body := handler(call)
	w.WriteHeader(status)
	if body != "" {
		fmt.Fprint(w, body)
	}
}

func (f *fakeAPI) recorded(method, pathPrefix string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method && strings.HasPrefix(c.path, pathPrefix) {
			out = append(out, c)
		}
	}
	return out
}

func newFakeAPI(t *testing.T, handler func(call apiCall) (int, string)) (*fakeAPI, *nautobot.Client) {
	t.Helper()
	api := &fakeAPI{handler: handler}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	client, err := nautobot.NewClient(nautobot.ClientConfig{
		BaseURL:   srv.URL,
		Token:     "test-token",
		RetryBase: time.Millisecond,
	})
	require.NoError(t, err)
	return api, client
}

func restPage(rows ...string) (int, string) {
	return http.StatusOK, fmt.Sprintf(`{"count": %d, "next": null, "results": [%s]}`,
		len(rows), strings.Join(rows, ","))
}

func testDeps(t *testing.T, client *nautobot.Client) (*Deps, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clock := clockwork.NewFakeClockAt(testTime)
	deps := &Deps{
		Store:    storage.NewWithPool(mock, clock),
		Nautobot: client,
		SSHDial: func(ctx context.Context, cfg netssh.ClientConfig) (SSHClient, error) {
			return nil, trace.NotImplemented("no ssh session in this test")
		},
		Ping: func(ctx context.Context, addr string, probe Probe) (bool, time.Duration, error) {
			return false, 0, nil
		},
		ResolveAddr: func(ctx context.Context, addr string) ([]string, error) {
			return nil, nil
		},
		Clock: clock,
	}
	require.NoError(t, deps.CheckAndSetDefaults())
	return deps, mock
}

type sshRecorder struct {
	mu     sync.Mutex
	dials  []netssh.ClientConfig
	runs   []string
	output string
	err    error
}

func (s *sshRecorder) dial(ctx context.Context, cfg netssh.ClientConfig) (SSHClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.dials = append(s.dials, cfg)
	return &sshSession{rec: s}, nil
}

type sshSession struct{ rec *sshRecorder }

func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.runs = append(s.rec.runs, command)
	return s.rec.output, nil
}

func (s *sshSession) Close() error { return nil }

type fakeRecorder struct {
	mu        sync.Mutex
	total     int
	results   []types.DeviceResult
	cancelled bool
}

func (r *fakeRecorder) SetTotal(ctx context.Context, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	return nil
}

func (r *fakeRecorder) Record(ctx context.Context, result *types.DeviceResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *result)
	return nil
}

func (r *fakeRecorder) Cancelled(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func TestExpandPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   []string
		errFn  func(error) bool
	}{
		{prefix: "10.0.0.0/30", want: []string{"10.0.0.1", "10.0.0.2"}},
		{prefix: "10.0.0.0/31", want: []string{"10.0.0.0", "10.0.0.1"}},
		{prefix: "10.0.0.5/32", want: []string{"10.0.0.5"}},
		{prefix: "10.0.0.0/8", errFn: trace.IsLimitExceeded},
		{prefix: "2001:db8::/120", errFn: trace.IsBadParameter},
		{prefix: "bogus", errFn: trace.IsBadParameter},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			hosts, err := expandPrefix(tt.prefix)
			if tt.errFn != nil {
				require.Error(t, err)
				require.True(t, tt.errFn(err), "unexpected error class: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, hosts)
		})
	}
}

func TestExpandPrefixFullSubnet(t *testing.T) {
	hosts, err := expandPrefix("192.168.1.0/24")
	require.NoError(t, err)
	require.Len(t, hosts, 254)
	require.Equal(t, "192.168.1.1", hosts[0])
	require.Equal(t, "192.168.1.254", hosts[253])
}

func TestProbedAddress(t *testing.T) {
	require.Equal(t, "10.0.0.5/24", probedAddress("10.0.0.5", "10.0.0.0/24"))
	require.Equal(t, "10.0.0.5/32", probedAddress("10.0.0.5", "no-slash"))
}

func TestBaseFilterField(t *testing.T) {
	require.Equal(t, "last_updated", baseFilterField("last_updated__lte"))
	require.Equal(t, "dns_name", baseFilterField("dns_name"))
	require.Equal(t, "description", baseFilterField("description__contains"))
}

func TestRunUnits(t *testing.T) {
	run := &types.JobRun{ID: "run-1", Metadata: map[string]any{
		"units": []any{
			map[string]any{"id": "dev-1", "name": "sw1"},
			map[string]any{"id": "dev-2", "name": "sw2"},
		},
	}}
	units, err := RunUnits(run)
	require.NoError(t, err)
	require.Equal(t, []Unit{{ID: "dev-1", Name: "sw1"}, {ID: "dev-2", Name: "sw2"}}, units)

	units, err = RunUnits(&types.JobRun{ID: "run-2"})
	require.NoError(t, err)
	require.Nil(t, units)

	_, err = RunUnits(&types.JobRun{ID: "run-3", Metadata: map[string]any{"units": "bogus"}})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestRunCommandsExecute(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, _ := testDeps(t, client)
	ssh := &sshRecorder{output: "Cisco IOS XE Software, Version 17.9"}
	deps.SSHDial = ssh.dial

	req := &Request{
		Run: &types.JobRun{ID: "run-1"},
		Template: &types.JobTemplate{
			Name:    "show-version",
			JobType: types.JobRunCommands,
			Cmds:    &types.RunCommandsConfig{CommandTemplate: "show run | include {name}"},
		},
		Device: &types.Device{ID: "dev-1", Name: "sw1", PrimaryIP4: "10.0.0.1/24"},
		Secret: &Secret{Username: "netops", Password: "swordfish"},
	}
	outcome, err := (&RunCommands{}).Execute(ctx, deps, req)
	require.NoError(t, err)
	require.Equal(t, types.DeviceOK, outcome.Status)
	require.Equal(t, "show run | include sw1", outcome.Result["command"])
	require.Equal(t, ssh.output, outcome.Result["output"])

	require.Len(t, ssh.dials, 1)
	require.Equal(t, "10.0.0.1", ssh.dials[0].Addr)
	require.Equal(t, "netops", ssh.dials[0].Username)
	require.Equal(t, []string{"show run | include sw1"}, ssh.runs)
}

func TestRunCommandsGuards(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, _ := testDeps(t, client)
	tmpl := &types.JobTemplate{
		Name:    "show-version",
		JobType: types.JobRunCommands,
		Cmds:    &types.RunCommandsConfig{CommandTemplate: "show version"},
	}

	// a device without a management address is skipped, not failed
	outcome, err := (&RunCommands{}).Execute(ctx, deps, &Request{
		Template: tmpl,
		Device:   &types.Device{ID: "dev-1", Name: "sw1"},
		Secret:   &Secret{Username: "netops"},
	})
	require.NoError(t, err)
	require.Equal(t, types.DeviceSkipped, outcome.Status)

	// a missing credential is a template problem and fails the device
	_, err = (&RunCommands{}).Execute(ctx, deps, &Request{
		Template: tmpl,
		Device:   &types.Device{ID: "dev-1", Name: "sw1", PrimaryIP4: "10.0.0.1/24"},
	})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestRunCommandsTextFSM(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, _ := testDeps(t, client)
	ssh := &sshRecorder{output: "Uptime: 42w\n"}
	deps.SSHDial = ssh.dial

	device := &types.Device{ID: "dev-1", Name: "sw1", PrimaryIP4: "10.0.0.1/24"}
	secret := &Secret{Username: "netops"}

	outcome, err := (&RunCommands{}).Execute(ctx, deps, &Request{
		Template: &types.JobTemplate{
			Name:    "uptime",
			JobType: types.JobRunCommands,
			Cmds: &types.RunCommandsConfig{
				CommandTemplate: "show version | include Uptime",
				TextFSMTemplate: "Value UPTIME (\\S+)\n\nStart\n  ^Uptime: ${UPTIME} -> Record\n",
			},
		},
		Device: device,
		Secret: secret,
	})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"UPTIME": "42w"}}, outcome.Result["parsed"])

	// a broken parser template keeps the raw output and records the error
	outcome, err = (&RunCommands{}).Execute(ctx, deps, &Request{
		Template: &types.JobTemplate{
			Name:    "uptime",
			JobType: types.JobRunCommands,
			Cmds: &types.RunCommandsConfig{
				CommandTemplate: "show version | include Uptime",
				TextFSMTemplate: "Value BROKEN",
			},
		},
		Device: device,
		Secret: secret,
	})
	require.NoError(t, err)
	require.Equal(t, ssh.output, outcome.Result["output"])
	require.NotEmpty(t, outcome.Result["parse_error"])
	_, parsed := outcome.Result["parsed"]
	require.False(t, parsed)
}

// newGitOrigin creates a bare repository seeded with one commit on master,
// usable as a clone URL.
func newGitOrigin(t *testing.T) string {
	t.Helper()
	originDir := t.TempDir()
	_, err := git.PlainInit(originDir, true)
	require.NoError(t, err)

	seedDir := t.TempDir()
	seed, err := git.PlainInit(seedDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("seed\n"), 0o600))
	wt, err := seed.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@test", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = seed.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{originDir},
	})
	require.NoError(t, err)
	require.NoError(t, seed.Push(&git.PushOptions{RemoteName: git.DefaultRemoteName}))
	return originDir
}

func gitRepoRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "url", "branch", "category", "credential_name", "auth_type",
		"verify_ssl", "path", "active", "created_at", "updated_at",
	})
}

func expectBackupsRepo(mock pgxmock.PgxPoolIface, origin string) {
	mock.ExpectQuery("SELECT (.+) FROM git_repositories WHERE name").
		WithArgs("backups").
		WillReturnRows(gitRepoRows().AddRow(
			int64(1), "backups", origin, "master", "", "", types.GitAuthNone,
			true, "", true, testTime, testTime))
}

func TestBackupExecuteAndFinalize(t *testing.T) {
	ctx := context.Background()
	origin := newGitOrigin(t)

	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		if call.method == http.MethodPatch && strings.HasPrefix(call.path, "/api/dcim/devices/") {
			return http.StatusOK, `{}`
		}
		return http.StatusNotFound, ""
	})
	deps, mock := testDeps(t, client)
	ssh := &sshRecorder{output: "Building configuration...\nhostname sw1\nend\n"}
	deps.SSHDial = ssh.dial
	mgr, err := gitrepos.NewManager(gitrepos.ManagerConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	deps.Git = mgr

	tmpl := &types.JobTemplate{
		Name:    "nightly-backup",
		JobType: types.JobBackup,
		Backup: &types.BackupConfig{
			Repository:     "backups",
			PathTemplate:   "{location.name}/{name}.cfg",
			TimestampField: "last_backup",
		},
	}
	device := &types.Device{
		ID:            "dev-1",
		Name:          "sw1",
		PrimaryIP4:    "10.0.0.1/24",
		NetworkDriver: "cisco_ios",
		Location:      types.Location{Name: "lab"},
	}
	run := &types.JobRun{ID: "run-1", Type: types.JobBackup}

	expectBackupsRepo(mock, origin)
	outcome, err := (&Backup{}).Execute(ctx, deps, &Request{
		Run:      run,
		Template: tmpl,
		Device:   device,
		Secret:   &Secret{Username: "netops", Password: "swordfish"},
	})
	require.NoError(t, err)
	require.Equal(t, types.DeviceOK, outcome.Status)
	require.Equal(t, "lab/sw1.cfg", outcome.Result["path"])
	// include_startup is off, so only the running config is collected
	require.Equal(t, []string{"show running-config"}, ssh.runs)

	// the backup timestamp landed on the device
	stamps := api.recorded(http.MethodPatch, "/api/dcim/devices/dev-1/")
	require.Len(t, stamps, 1)
	fields := stamps[0].body["custom_fields"].(map[string]any)
	require.Equal(t, testTime.Format(time.RFC3339), fields["last_backup"])

	// the finaliser commits and pushes the run's files in one commit
	expectBackupsRepo(mock, origin)
	summary, err := (&Backup{}).Finalize(ctx, deps, run, tmpl, []types.DeviceResult{
		{DeviceName: "sw1", Status: types.DeviceOK},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(summary, "1 configurations committed as "), summary)

	bare, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := bare.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	commit, err := bare.CommitObject(ref.Hash())
	require.NoError(t, err)
	file, err := commit.File("lab/sw1.cfg")
	require.NoError(t, err)
	content, err := file.Contents()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(content, "! show running-config"))
	require.Contains(t, content, "hostname sw1")
	// volatile header lines must not produce spurious diffs
	require.NotContains(t, content, "Building configuration")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupExecuteGuards(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, _ := testDeps(t, client)
	tmpl := &types.JobTemplate{
		Name:    "nightly-backup",
		JobType: types.JobBackup,
		Backup:  &types.BackupConfig{Repository: "backups", PathTemplate: "{name}.cfg"},
	}

	outcome, err := (&Backup{}).Execute(ctx, deps, &Request{
		Template: tmpl,
		Device:   &types.Device{ID: "dev-1", Name: "sw1"},
		Secret:   &Secret{Username: "netops"},
	})
	require.NoError(t, err)
	require.Equal(t, types.DeviceSkipped, outcome.Status)

	_, err = (&Backup{}).Execute(ctx, deps, &Request{
		Template: tmpl,
		Device:   &types.Device{ID: "dev-1", Name: "sw1", PrimaryIP4: "10.0.0.1/24"},
	})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestBackupFinalizeNothingCollected(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, mock := testDeps(t, client)

	summary, err := (&Backup{}).Finalize(ctx, deps,
		&types.JobRun{ID: "run-1"},
		&types.JobTemplate{Backup: &types.BackupConfig{Repository: "backups"}},
		[]types.DeviceResult{{DeviceName: "sw1", Status: types.DeviceError}})
	require.NoError(t, err)
	require.Equal(t, "no configurations collected", summary)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncDevicesRequiresReconciler(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(apiCall) (int, string) { return http.StatusNotFound, "" })
	deps, _ := testDeps(t, client)

	_, err := (&SyncDevices{}).Execute(ctx, deps, &Request{
		Template: &types.JobTemplate{Name: "sync", JobType: types.JobSyncDevices},
		Device:   &types.Device{ID: "dev-1", Name: "sw1"},
	})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	// compare runs never activate anything
	summary, err := (&SyncDevices{CompareOnly: true}).Finalize(ctx, deps,
		&types.JobRun{ID: "run-1"}, &types.JobTemplate{}, nil)
	require.NoError(t, err)
	require.Empty(t, summary)
}

func TestScanPrefixesCreatesReachable(t *testing.T) {
	ctx := context.Background()
	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		switch {
		case call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/":
			return restPage()
		case call.method == http.MethodPost && call.path == "/api/ipam/ip-addresses/":
			return http.StatusCreated, `{"id": "ip-new", "address": "10.1.1.1/30", "status": {"id": "st-1", "name": "Active"}}`
		case call.method == http.MethodPatch && strings.HasPrefix(call.path, "/api/ipam/prefixes/"):
			return http.StatusOK, `{}`
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)
	deps.Ping = func(ctx context.Context, addr string, probe Probe) (bool, time.Duration, error) {
		return addr == "10.1.1.1", time.Millisecond, nil
	}

	outcome, err := (&ScanPrefixes{}).Execute(ctx, deps, &Request{
		Run: &types.JobRun{ID: "run-1"},
		Template: &types.JobTemplate{
			Name:    "sweep",
			JobType: types.JobScanPrefixes,
			Scan: &types.ScanConfig{
				OnReachable:    types.OnReachableSetActive,
				ReachableField: "last_seen",
				SummaryField:   "scan_summary",
			},
		},
		Prefix: &types.Prefix{ID: "pfx-1", Prefix: "10.1.1.0/30", Namespace: types.Named{Name: "Global"}},
	})
	require.NoError(t, err)
	require.Equal(t, types.DeviceOK, outcome.Status)
	require.Equal(t, 2, outcome.Result["hosts"])
	require.Equal(t, 1, outcome.Result["reachable"])
	require.Equal(t, 1, outcome.Result["created"])
	require.Equal(t, 0, outcome.Result["updated"])
	require.Equal(t, []string{"10.1.1.1"}, outcome.Result["addresses"])

	// the IPAM lookup was scoped to the prefix namespace
	lookups := api.recorded(http.MethodGet, "/api/ipam/ip-addresses/")
	require.Len(t, lookups, 1)
	require.Equal(t, "10.1.1.1", lookups[0].query.Get("address"))
	require.Equal(t, "Global", lookups[0].query.Get("namespace"))

	// the new entry carries the prefix length, the namespace and the
	// reachable stamp
	creates := api.recorded(http.MethodPost, "/api/ipam/ip-addresses/")
	require.Len(t, creates, 1)
	require.Equal(t, "10.1.1.1/30", creates[0].body["address"])
	require.Equal(t, "Active", creates[0].body["status"])
	require.Equal(t, map[string]any{"name": "Global"}, creates[0].body["namespace"])
	fields := creates[0].body["custom_fields"].(map[string]any)
	require.Equal(t, testTime.Format(time.RFC3339), fields["last_seen"])

	summaries := api.recorded(http.MethodPatch, "/api/ipam/prefixes/pfx-1/")
	require.Len(t, summaries, 1)
	summaryFields := summaries[0].body["custom_fields"].(map[string]any)
	require.Equal(t, "1/2 reachable at 2024-06-01 12:00", summaryFields["scan_summary"])
}

func TestScanPrefixesUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		switch {
		case call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/":
			return restPage(`{"id": "ip-1", "address": "10.2.0.0/31", "status": {"id": "st-dep", "name": "Deprecated"}}`)
		case call.method == http.MethodGet && call.path == "/api/extras/statuses/":
			return restPage(`{"id": "st-active", "name": "Active"}`)
		case call.method == http.MethodPatch && call.path == "/api/ipam/ip-addresses/ip-1/":
			return http.StatusOK, `{}`
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)
	deps.Ping = func(ctx context.Context, addr string, probe Probe) (bool, time.Duration, error) {
		return addr == "10.2.0.0", time.Millisecond, nil
	}
	deps.ResolveAddr = func(ctx context.Context, addr string) ([]string, error) {
		return []string{"gw.example.net."}, nil
	}

	outcome, err := (&ScanPrefixes{}).Execute(ctx, deps, &Request{
		Run: &types.JobRun{ID: "run-1"},
		Template: &types.JobTemplate{
			Name:    "sweep",
			JobType: types.JobScanPrefixes,
			Scan: &types.ScanConfig{
				OnReachable: types.OnReachableSetActive,
				ResolveDNS:  true,
			},
		},
		Prefix: &types.Prefix{ID: "pfx-1", Prefix: "10.2.0.0/31"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Result["updated"])
	require.Equal(t, 0, outcome.Result["created"])

	patches := api.recorded(http.MethodPatch, "/api/ipam/ip-addresses/ip-1/")
	require.Len(t, patches, 1)
	require.Equal(t, "st-active", patches[0].body["status"])
	require.Equal(t, "gw.example.net", patches[0].body["dns_name"])
}

func TestScanPrefixesOnReachableNone(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(call apiCall) (int, string) {
		t.Errorf("unexpected API call %s %s", call.method, call.path)
		return http.StatusInternalServerError, ""
	})
	deps, _ := testDeps(t, client)
	deps.Ping = func(ctx context.Context, addr string, probe Probe) (bool, time.Duration, error) {
		return true, time.Millisecond, nil
	}

	outcome, err := (&ScanPrefixes{}).Execute(ctx, deps, &Request{
		Run: &types.JobRun{ID: "run-1"},
		Template: &types.JobTemplate{
			Name:    "sweep",
			JobType: types.JobScanPrefixes,
			Scan:    &types.ScanConfig{OnReachable: types.OnReachableNone},
		},
		Prefix: &types.Prefix{ID: "pfx-1", Prefix: "10.3.0.0/31"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Result["reachable"])
	require.Equal(t, 0, outcome.Result["updated"])
	require.Equal(t, 0, outcome.Result["created"])
}

func TestIPAddressesList(t *testing.T) {
	ctx := context.Background()
	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		if call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/" {
			return restPage(
				`{"id": "ip-1", "address": "10.9.0.4/24", "status": {"id": "st-1", "name": "Active"}, "dns_name": "old.example.net"}`,
				`{"id": "ip-2", "address": "10.9.0.5/24", "status": {"id": "st-2", "name": "Deprecated"}, "interfaces": [{"id": "if-1", "name": "eth0"}]}`,
			)
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)

	rec := &fakeRecorder{}
	summary, err := (&IPAddresses{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-9"},
		&types.JobTemplate{
			Name:    "stale-ips",
			JobType: types.JobIPAddresses,
			IPAM: &types.IPAddressesConfig{
				Action:      types.IPActionList,
				FilterField: "last_updated__lte",
				FilterValue: "{today-30}",
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "2 addresses listed", summary)
	require.Equal(t, 2, rec.total)
	require.Len(t, rec.results, 2)
	require.Equal(t, types.DeviceOK, rec.results[0].Status)
	require.Equal(t, "10.9.0.4/24", rec.results[0].DeviceName)
	require.Equal(t, "Active", rec.results[0].Result["status"])
	require.Equal(t, false, rec.results[0].Result["assigned"])
	require.Equal(t, true, rec.results[1].Result["assigned"])

	// the date template resolved against the fake clock
	lists := api.recorded(http.MethodGet, "/api/ipam/ip-addresses/")
	require.Len(t, lists, 1)
	require.Equal(t, "2024-05-02", lists[0].query.Get("last_updated__lte"))
}

func TestIPAddressesRemoveSkipsAssigned(t *testing.T) {
	ctx := context.Background()
	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		switch {
		case call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/":
			return restPage(
				`{"id": "ip-1", "address": "10.9.0.4/24", "status": {"id": "st-1", "name": "Active"}}`,
				`{"id": "ip-2", "address": "10.9.0.5/24", "status": {"id": "st-1", "name": "Active"}, "interfaces": [{"id": "if-1", "name": "eth0"}]}`,
			)
		case call.method == http.MethodDelete && call.path == "/api/ipam/ip-addresses/ip-1/":
			return http.StatusNoContent, ""
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)

	rec := &fakeRecorder{}
	summary, err := (&IPAddresses{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-9"},
		&types.JobTemplate{
			Name:    "purge",
			JobType: types.JobIPAddresses,
			IPAM: &types.IPAddressesConfig{
				Action:       types.IPActionRemove,
				FilterField:  "dns_name",
				FilterValue:  "old.example.net",
				SkipAssigned: true,
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "1 addresses removed, 1 skipped", summary)

	require.Len(t, api.recorded(http.MethodDelete, "/api/ipam/ip-addresses/"), 1)
	require.Equal(t, types.DeviceOK, rec.results[0].Status)
	require.Equal(t, true, rec.results[0].Result["removed"])
	require.Equal(t, types.DeviceSkipped, rec.results[1].Status)
	require.Equal(t, "address has interface assignments", rec.results[1].Result["reason"])
}

func TestIPAddressesMarkIncludeNull(t *testing.T) {
	ctx := context.Background()
	api, client := newFakeAPI(t, func(call apiCall) (int, string) {
		switch {
		case call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/":
			if call.query.Get("last_updated__isnull") == "true" {
				// ip-1 matches both queries and must be deduplicated
				return restPage(
					`{"id": "ip-1", "address": "10.9.0.4/24", "status": {"id": "st-1", "name": "Active"}}`,
					`{"id": "ip-2", "address": "10.9.0.5/24", "status": {"id": "st-1", "name": "Active"}, "tags": [{"id": "tag-1", "name": "prod"}]}`,
				)
			}
			return restPage(`{"id": "ip-1", "address": "10.9.0.4/24", "status": {"id": "st-1", "name": "Active"}}`)
		case call.method == http.MethodPatch && strings.HasPrefix(call.path, "/api/ipam/ip-addresses/"):
			return http.StatusOK, `{}`
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)

	rec := &fakeRecorder{}
	summary, err := (&IPAddresses{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-9"},
		&types.JobTemplate{
			Name:    "mark-stale",
			JobType: types.JobIPAddresses,
			IPAM: &types.IPAddressesConfig{
				Action:      types.IPActionMark,
				FilterField: "last_updated__lte",
				FilterValue: "{today-30}",
				IncludeNull: true,
				SetTag:      "stale",
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "2 addresses marked", summary)
	require.Equal(t, 2, rec.total)

	patches := api.recorded(http.MethodPatch, "/api/ipam/ip-addresses/")
	require.Len(t, patches, 2)
	require.Equal(t, "/api/ipam/ip-addresses/ip-1/", patches[0].path)
	require.Equal(t, []any{map[string]any{"name": "stale"}}, patches[0].body["tags"])
	// existing tags survive the mark
	require.Equal(t, "/api/ipam/ip-addresses/ip-2/", patches[1].path)
	require.Equal(t, []any{map[string]any{"name": "prod"}, map[string]any{"name": "stale"}}, patches[1].body["tags"])
}

func TestIPAddressesCancelled(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, func(call apiCall) (int, string) {
		if call.method == http.MethodGet && call.path == "/api/ipam/ip-addresses/" {
			return restPage(
				`{"id": "ip-1", "address": "10.9.0.4/24", "status": {"id": "st-1", "name": "Active"}}`,
				`{"id": "ip-2", "address": "10.9.0.5/24", "status": {"id": "st-1", "name": "Active"}}`,
			)
		}
		return http.StatusNotFound, ""
	})
	deps, _ := testDeps(t, client)

	rec := &fakeRecorder{cancelled: true}
	summary, err := (&IPAddresses{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-9"},
		&types.JobTemplate{
			Name:    "purge",
			JobType: types.JobIPAddresses,
			IPAM: &types.IPAddressesConfig{
				Action:      types.IPActionRemove,
				FilterField: "dns_name",
				FilterValue: "old.example.net",
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "cancelled after 0 of 2 addresses", summary)
	require.Empty(t, rec.results)
}

func deployDeviceJSON() string {
	return `{"id": "dev-1", "name": "sw1", "primary_ip4": {"id": "ip-1", "address": "10.0.0.1/24"}, "role": {"id": "role-1", "name": "core"}, "status": {"id": "st-1", "name": "Active"}}`
}

func deployHandler(deviceBody string) func(apiCall) (int, string) {
	return func(call apiCall) (int, string) {
		switch {
		case call.method == http.MethodPost && call.path == "/api/graphql/":
			vars, _ := call.body["variables"].(map[string]any)
			if id, _ := vars["id"].(string); id == "dev-1" && deviceBody != "" {
				return http.StatusOK, `{"data": {"device": ` + deviceBody + `}}`
			}
			return http.StatusOK, `{"data": {"device": null}}`
		case call.method == http.MethodGet && strings.HasPrefix(call.path, "/api/dcim/devices/"):
			// no extended detail document for this device
			return http.StatusNotFound, `{"detail": "Not found."}`
		}
		return http.StatusNotFound, ""
	}
}

func TestDeployAgentRendersLocalFiles(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, deployHandler(deployDeviceJSON()))
	deps, _ := testDeps(t, client)
	dir := t.TempDir()

	rec := &fakeRecorder{}
	summary, err := (&DeployAgent{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-1", Metadata: map[string]any{
			"units": []any{map[string]any{"id": "dev-1", "name": "sw1"}},
		}},
		&types.JobTemplate{
			Name:    "agent-config",
			JobType: types.JobDeployAgent,
			Deploy: &types.DeployConfig{
				Templates: map[string]string{
					"{name}.cfg": "host {{ .Device.name }} ip {{ .Device.primary_ip4 }}\n",
				},
				DeploymentPath: dir,
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "1 files rendered for 1 devices", summary)
	require.Equal(t, 1, rec.total)
	require.Len(t, rec.results, 1)
	require.Equal(t, types.DeviceOK, rec.results[0].Status)
	require.Equal(t, []string{"sw1.cfg"}, rec.results[0].Result["files"])

	content, err := os.ReadFile(filepath.Join(dir, "sw1.cfg"))
	require.NoError(t, err)
	require.Equal(t, "host sw1 ip 10.0.0.1/24\n", string(content))
}

func TestDeployAgentSkipsMissingDevice(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, deployHandler(""))
	deps, _ := testDeps(t, client)

	rec := &fakeRecorder{}
	summary, err := (&DeployAgent{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-1", Metadata: map[string]any{
			"units": []any{map[string]any{"id": "dev-1", "name": "sw1"}},
		}},
		&types.JobTemplate{
			Name:    "agent-config",
			JobType: types.JobDeployAgent,
			Deploy: &types.DeployConfig{
				Templates:      map[string]string{"{name}.cfg": "host {{ .Device.name }}\n"},
				DeploymentPath: t.TempDir(),
			},
		}, rec)
	require.NoError(t, err)
	require.Equal(t, "0 files rendered for 0 devices, 1 skipped", summary)
	require.Equal(t, types.DeviceSkipped, rec.results[0].Status)
}

func TestDeployAgentActivateRequiresBus(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeAPI(t, deployHandler(deployDeviceJSON()))
	deps, _ := testDeps(t, client)
	deps.Bus = nil

	rec := &fakeRecorder{}
	_, err := (&DeployAgent{}).ExecuteRun(ctx, deps,
		&types.JobRun{ID: "run-1", Metadata: map[string]any{
			"units": []any{map[string]any{"id": "dev-1", "name": "sw1"}},
		}},
		&types.JobTemplate{
			Name:    "agent-config",
			JobType: types.JobDeployAgent,
			Deploy: &types.DeployConfig{
				Templates:           map[string]string{"{name}.cfg": "host {{ .Device.name }}\n"},
				DeploymentPath:      t.TempDir(),
				ActivateAfterDeploy: true,
				AgentID:             "site-1",
			},
		}, rec)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "no agent bus")
}

func TestPingAddressCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reachable, _, err := pingAddress(ctx, "192.0.2.1", Probe{Count: 1, Timeout: time.Millisecond})
	require.Error(t, err)
	require.False(t, reachable)
}
