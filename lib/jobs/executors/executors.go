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

// Package executors implements the per-job-type work: backup, command
// runs, device sync, prefix scans, IP maintenance and agent deployment.
// The jobs engine decodes the queued task, resolves the device and the
// credential, and hands both to the executor matching the template's job
// type. Device failures are results, not errors: an executor returns an
// error only for per-device faults the engine should record as a failed
// device, while infrastructure faults (store, queue) surface from the
// engine itself.
package executors

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/agentbus"
	"github.com/netcockpit/cockpit/lib/checkmk"
	"github.com/netcockpit/cockpit/lib/gitrepos"
	"github.com/netcockpit/cockpit/lib/nautobot"
	"github.com/netcockpit/cockpit/lib/netssh"
	"github.com/netcockpit/cockpit/lib/reconciler"
	"github.com/netcockpit/cockpit/lib/storage"
	"github.com/netcockpit/cockpit/lib/vault"
)

// SSHClient is the slice of netssh.Client the executors use, split out so
// tests can fake device sessions.
type SSHClient interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// SSHDialFunc opens a device session. The default wraps netssh.Dial.
type SSHDialFunc func(ctx context.Context, cfg netssh.ClientConfig) (SSHClient, error)

// PingFunc probes one address and reports whether it answered. The default
// wraps pro-bing.
type PingFunc func(ctx context.Context, addr string, probe Probe) (reachable bool, rtt time.Duration, err error)

// ResolveAddrFunc reverse-resolves an address. The default wraps
// net.Resolver.
type ResolveAddrFunc func(ctx context.Context, addr string) ([]string, error)

// Probe is the per-address ping configuration of a prefix scan.
type Probe struct {
	Count    int
	Timeout  time.Duration
	Retries  int
	Interval time.Duration
}

// Deps carries the shared services executors run against. It is built once
// at worker boot and shared by every task; everything on it is safe for
// concurrent use.
type Deps struct {
	// Store persists device results read back by finalisers.
	Store *storage.Store
	// Vault decrypts device and repository credentials.
	Vault *vault.Vault
	// Nautobot is the source-of-truth gateway.
	Nautobot *nautobot.Client
	// CheckMK is the monitoring gateway.
	CheckMK *checkmk.Client
	// Git manages repository working copies for backup and deploy output.
	Git *gitrepos.Manager
	// Bus reaches remote site agents.
	Bus *agentbus.Bus
	// Reconciler drives sync_devices and compare_devices.
	Reconciler *reconciler.Reconciler
	// SSHDial opens device sessions; nil selects netssh.Dial.
	SSHDial SSHDialFunc
	// Ping probes addresses; nil selects pro-bing.
	Ping PingFunc
	// ResolveAddr reverse-resolves addresses; nil selects net.Resolver.
	ResolveAddr ResolveAddrFunc
	// Clock stamps results and timestamp custom fields.
	Clock clockwork.Clock
	// Log is the executor logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the dependency set and installs the real
// network seams where tests have not replaced them.
func (d *Deps) CheckAndSetDefaults() error {
	if d.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if d.SSHDial == nil {
		d.SSHDial = func(ctx context.Context, cfg netssh.ClientConfig) (SSHClient, error) {
			return netssh.Dial(ctx, cfg)
		}
	}
	if d.Ping == nil {
		d.Ping = pingAddress
	}
	if d.ResolveAddr == nil {
		d.ResolveAddr = resolveAddr
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return nil
}

// Secret is decrypted device credential material.
type Secret struct {
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string
}

// Request is one unit of work handed to an executor: a device for most job
// types, a prefix for scans.
type Request struct {
	// Run is the job run the unit belongs to.
	Run *types.JobRun
	// Template carries the per-type configuration.
	Template *types.JobTemplate
	// Device is set for device-oriented job types.
	Device *types.Device
	// Prefix is set for scan_prefixes units.
	Prefix *types.Prefix
	// Secret is the decrypted device credential, nil when the template
	// names none.
	Secret *Secret
}

// Outcome is what an executor reports for one unit.
type Outcome struct {
	// Status defaults to ok when empty.
	Status types.DeviceResultStatus
	// Result is stored as the device result payload.
	Result map[string]any
}

func okOutcome(result map[string]any) (*Outcome, error) {
	return &Outcome{Status: types.DeviceOK, Result: result}, nil
}

func skipOutcome(reason string) (*Outcome, error) {
	return &Outcome{Status: types.DeviceSkipped, Result: map[string]any{"reason": reason}}, nil
}

// Executor processes one unit per call. Returning an error records the
// unit as failed with the error message; the run continues.
type Executor interface {
	Execute(ctx context.Context, deps *Deps, req *Request) (*Outcome, error)
}

// Finalizer is implemented by executors with once-per-run side effects,
// run by the finaliser task after every unit reported: the backup commit
// and push, the post-sync activation. The returned summary is appended to
// the run summary.
type Finalizer interface {
	Finalize(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, results []types.DeviceResult) (summary string, err error)
}

// Recorder is how a bulk executor reports units as it discovers them. The
// engine backs it with the device-result table and the live progress
// counters.
type Recorder interface {
	// SetTotal publishes the unit count once known.
	SetTotal(ctx context.Context, total int) error
	// Record stores one unit outcome and advances progress.
	Record(ctx context.Context, result *types.DeviceResult) error
	// Cancelled reports whether the run's cancel flag is raised. Bulk
	// executors check it between units.
	Cancelled(ctx context.Context) bool
}

// BulkExecutor processes the whole run in a single task. Job types whose
// unit set is only known at execution time (IP maintenance with lazy date
// filters, aggregate agent deployment) implement this instead of Executor.
type BulkExecutor interface {
	ExecuteRun(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, rec Recorder) (summary string, err error)
}

// For returns the executor implementing a job type. The second return
// names the bulk variant when the type runs as a single task.
func For(jobType types.JobType) (Executor, BulkExecutor, error) {
	switch jobType {
	case types.JobBackup:
		return &Backup{}, nil, nil
	case types.JobRunCommands:
		return &RunCommands{}, nil, nil
	case types.JobSyncDevices:
		return &SyncDevices{}, nil, nil
	case types.JobCompareDevices:
		return &SyncDevices{CompareOnly: true}, nil, nil
	case types.JobScanPrefixes:
		return &ScanPrefixes{}, nil, nil
	case types.JobIPAddresses:
		return nil, &IPAddresses{}, nil
	case types.JobDeployAgent:
		return nil, &DeployAgent{}, nil
	default:
		return nil, nil, trace.BadParameter("no executor for job type %q", jobType)
	}
}

// Unit is one dispatch unit recorded in the run metadata: a device for
// device jobs, a prefix for scans, the render set for deployments.
type Unit struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RunUnits decodes the unit list the dispatcher stored in the run
// metadata. Runs dispatched before any unit resolution decode to nil.
func RunUnits(run *types.JobRun) ([]Unit, error) {
	raw, ok := run.Metadata["units"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var units []Unit
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, trace.BadParameter("run %v has malformed units metadata: %v", run.ID, err)
	}
	return units, nil
}

// pingAddress is the production PingFunc. Unprivileged UDP ping works in
// containers without CAP_NET_RAW; retries re-run the whole probe.
func pingAddress(ctx context.Context, addr string, probe Probe) (bool, time.Duration, error) {
	attempts := probe.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return false, 0, trace.Wrap(ctx.Err())
		}
		pinger, err := probing.NewPinger(addr)
		if err != nil {
			return false, 0, trace.Wrap(err)
		}
		pinger.Count = probe.Count
		pinger.Timeout = probe.Timeout
		if probe.Interval > 0 {
			pinger.Interval = probe.Interval
		}
		if err := pinger.RunWithContext(ctx); err != nil {
			return false, 0, trace.Wrap(err)
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv > 0 {
			return true, stats.AvgRtt, nil
		}
	}
	return false, 0, nil
}
