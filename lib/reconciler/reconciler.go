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

// Package reconciler converges CheckMK host configuration towards what
// Nautobot says a device should look like. Each device runs through
// normalise → fetch → compare; a sync pass additionally applies the
// resulting add/update/move. Per-device failures are recorded and never
// abort the aggregate pass.
package reconciler

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/checkmk"
)

// DeviceSource is the slice of the Nautobot gateway the reconciler reads.
type DeviceSource interface {
	ListDevices(ctx context.Context) ([]types.Device, error)
	GetDevice(ctx context.Context, id string) (*types.Device, error)
}

// MonitoringGateway is the slice of the CheckMK gateway the reconciler
// writes through.
type MonitoringGateway interface {
	GetHost(ctx context.Context, hostname string) (*checkmk.Host, string, error)
	CreateHost(ctx context.Context, host checkmk.Host) error
	UpdateHost(ctx context.Context, hostname string, attributes map[string]any, etag string) error
	MoveHost(ctx context.Context, hostname, targetFolder, etag string) error
	DeleteHost(ctx context.Context, hostname string) error
	EnsureFolderPath(ctx context.Context, folder string) error
	ActivateChanges(ctx context.Context, sites []string) error
}

// ResultSink persists aggregate job state, implemented by *storage.Store.
type ResultSink interface {
	MarkNB2CMKJobStarted(ctx context.Context, id string) error
	UpdateNB2CMKJobProgress(ctx context.Context, id string, processed, total int) error
	CompleteNB2CMKJob(ctx context.Context, id string, status types.RunStatus, errMsg string) error
	AddNB2CMKJobResult(ctx context.Context, r *types.NB2CMKJobResult) error
}

// Config assembles a Reconciler.
type Config struct {
	// Devices reads the source of truth.
	Devices DeviceSource
	// Monitoring is the CheckMK side.
	Monitoring MonitoringGateway
	// Results persists job rows. Optional for one-shot comparisons.
	Results ResultSink
	// Site is the monitoring site hosts are assigned to.
	Site string
	// FolderTemplate renders the target folder from device attributes.
	FolderTemplate string
	// IgnoreAttributes are excluded from comparison in addition to
	// meta_data.
	IgnoreAttributes []string
	// SNMPMapping resolves SNMP credentials. Optional.
	SNMPMapping *SNMPMapping
	// SNMPCustomField is the device custom field keying the mapping.
	SNMPCustomField string
	// Concurrency bounds in-flight devices during an aggregate pass.
	Concurrency int
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Devices == nil {
		return trace.BadParameter("missing parameter Devices")
	}
	if c.Monitoring == nil {
		return trace.BadParameter("missing parameter Monitoring")
	}
	if c.Site == "" {
		return trace.BadParameter("missing parameter Site")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentReconciler)
	}
	return nil
}

// Reconciler drives the comparison and sync state machine.
type Reconciler struct {
	c Config
}

// New returns a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reconciler{c: cfg}, nil
}

// Outcome is one device's comparison (and optional sync) result.
type Outcome struct {
	DeviceName string
	Result     types.ComparisonOutcome
	Diff       []string
	Action     string
	Err        error
}

// CompareDevice runs normalise → get host → compare for one device.
// Infrastructure and normalisation failures land in Outcome.Err with
// Result=error; they are data for the caller, not control flow.
func (r *Reconciler) CompareDevice(ctx context.Context, device *types.Device) Outcome {
	outcome := Outcome{DeviceName: device.Name, Action: types.SyncActionNone}

	desired, err := r.Normalize(device)
	if err != nil {
		outcome.Result = types.ComparisonError
		outcome.Err = trace.Wrap(err)
		return outcome
	}

	actual, _, err := r.c.Monitoring.GetHost(ctx, desired.Name)
	switch {
	case trace.IsNotFound(err):
		outcome.Result = types.ComparisonHostNotFound
		return outcome
	case err != nil:
		outcome.Result = types.ComparisonError
		outcome.Err = trace.Wrap(err)
		return outcome
	}

	equal, diff := r.Compare(desired, actual)
	if equal {
		outcome.Result = types.ComparisonEqual
		return outcome
	}
	outcome.Result = types.ComparisonDiff
	outcome.Diff = diff
	return outcome
}

// SyncDevice compares one device and applies the resulting action:
// host_not_found becomes an add, diff becomes update and/or move. The
// returned outcome carries what was done.
func (r *Reconciler) SyncDevice(ctx context.Context, device *types.Device) Outcome {
	outcome := r.CompareDevice(ctx, device)
	if outcome.Result != types.ComparisonDiff && outcome.Result != types.ComparisonHostNotFound {
		return outcome
	}

	desired, err := r.Normalize(device)
	if err != nil {
		outcome.Result = types.ComparisonError
		outcome.Err = trace.Wrap(err)
		return outcome
	}

	switch outcome.Result {
	case types.ComparisonHostNotFound:
		if err := r.addHost(ctx, desired); err != nil {
			outcome.Result = types.ComparisonError
			outcome.Err = trace.Wrap(err)
			return outcome
		}
		outcome.Action = types.SyncActionAdd
	case types.ComparisonDiff:
		action, err := r.updateHost(ctx, desired)
		if err != nil {
			outcome.Result = types.ComparisonError
			outcome.Err = trace.Wrap(err)
			return outcome
		}
		outcome.Action = action
	}
	return outcome
}

// addHost creates the host, building missing folders first. A host that
// appeared in the meantime satisfies the idempotent intent.
func (r *Reconciler) addHost(ctx context.Context, desired *checkmk.Host) error {
	if err := r.c.Monitoring.EnsureFolderPath(ctx, desired.Folder); err != nil {
		return trace.Wrap(err)
	}
	err := r.c.Monitoring.CreateHost(ctx, *desired)
	if err != nil && !trace.IsAlreadyExists(err) {
		return trace.Wrap(err)
	}
	return nil
}

// updateHost converges an existing host: attributes first, then folder.
// Writes carry the ETag fetched immediately before; a stale ETag
// (CompareFailed) is refetched once and retried, then surfaced.
func (r *Reconciler) updateHost(ctx context.Context, desired *checkmk.Host) (string, error) {
	actual, etag, err := r.c.Monitoring.GetHost(ctx, desired.Name)
	if err != nil {
		return types.SyncActionNone, trace.Wrap(err)
	}
	action := types.SyncActionNone

	if err := r.withETagRetry(ctx, desired.Name, etag, func(etag string) error {
		return r.c.Monitoring.UpdateHost(ctx, desired.Name, desired.Attributes, etag)
	}); err != nil {
		return action, trace.Wrap(err)
	}
	action = types.SyncActionUpdate

	if desired.Folder != actual.Folder {
		if err := r.c.Monitoring.EnsureFolderPath(ctx, desired.Folder); err != nil {
			return action, trace.Wrap(err)
		}
		// The update consumed the ETag; the move needs a fresh one.
		_, moveETag, err := r.c.Monitoring.GetHost(ctx, desired.Name)
		if err != nil {
			return action, trace.Wrap(err)
		}
		if err := r.withETagRetry(ctx, desired.Name, moveETag, func(etag string) error {
			return r.c.Monitoring.MoveHost(ctx, desired.Name, desired.Folder, etag)
		}); err != nil {
			return action, trace.Wrap(err)
		}
		action = types.SyncActionMove
	}
	return action, nil
}

// withETagRetry runs the write once and, on a stale-ETag failure,
// refetches the host exactly once and retries.
func (r *Reconciler) withETagRetry(ctx context.Context, hostname, etag string, write func(etag string) error) error {
	err := write(etag)
	if err == nil || !trace.IsCompareFailed(err) {
		return trace.Wrap(err)
	}
	r.c.Logger.DebugContext(ctx, "Stale ETag, refetching once.", "host", hostname)
	_, fresh, err := r.c.Monitoring.GetHost(ctx, hostname)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(write(fresh))
}

// RemoveHost deletes a device's monitoring host, used by offboarding and
// by explicit removal requests. Absence satisfies the intent.
func (r *Reconciler) RemoveHost(ctx context.Context, hostname string) error {
	err := r.c.Monitoring.DeleteHost(ctx, hostname)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// RunJob executes an aggregate pass over every device: comparison only,
// or comparison plus sync when the job requests apply. Devices run with
// bounded concurrency; every device gets a result row and the job always
// reaches a terminal status.
func (r *Reconciler) RunJob(ctx context.Context, job *types.NB2CMKJob) error {
	if r.c.Results == nil {
		return trace.BadParameter("reconciler has no result sink configured")
	}
	if err := r.c.Results.MarkNB2CMKJobStarted(ctx, job.ID); err != nil {
		return trace.Wrap(err)
	}

	devices, err := r.c.Devices.ListDevices(ctx)
	if err != nil {
		completeErr := r.c.Results.CompleteNB2CMKJob(ctx, job.ID, types.RunFailed, err.Error())
		return trace.NewAggregate(err, completeErr)
	}
	total := len(devices)
	if err := r.c.Results.UpdateNB2CMKJobProgress(ctx, job.ID, 0, total); err != nil {
		r.c.Logger.WarnContext(ctx, "Failed to write initial progress.", "job_id", job.ID, "error", err)
	}

	var processed atomic.Int64
	var failures atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.c.Concurrency)
	for i := range devices {
		device := &devices[i]
		group.Go(func() error {
			var outcome Outcome
			if job.Apply {
				outcome = r.SyncDevice(groupCtx, device)
			} else {
				outcome = r.CompareDevice(groupCtx, device)
			}
			if outcome.Result == types.ComparisonError {
				failures.Add(1)
			}

			result := &types.NB2CMKJobResult{
				JobID:      job.ID,
				DeviceName: outcome.DeviceName,
				Outcome:    outcome.Result,
				Diff:       outcome.Diff,
				Action:     outcome.Action,
			}
			if outcome.Err != nil {
				result.Error = outcome.Err.Error()
			}
			if err := r.c.Results.AddNB2CMKJobResult(groupCtx, result); err != nil {
				r.c.Logger.ErrorContext(groupCtx, "Failed to record device outcome.",
					"job_id", job.ID, "device", outcome.DeviceName, "error", err)
			}
			done := int(processed.Add(1))
			if err := r.c.Results.UpdateNB2CMKJobProgress(groupCtx, job.ID, done, total); err != nil {
				r.c.Logger.WarnContext(groupCtx, "Failed to write progress.", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	// Workers never return errors; failures are data in result rows.
	_ = group.Wait()

	status := types.RunSuccess
	if failed := failures.Load(); failed > 0 {
		if failed == int64(total) {
			status = types.RunFailed
		} else {
			status = types.RunPartial
		}
	}
	if err := r.c.Results.CompleteNB2CMKJob(ctx, job.ID, status, ""); err != nil {
		return trace.Wrap(err)
	}
	r.c.Logger.InfoContext(ctx, "Reconciliation pass finished.",
		"job_id", job.ID, "devices", total, "failures", failures.Load(), "status", status)
	return nil
}
