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

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/reconciler"
)

// SyncDevices reconciles devices into CheckMK. With CompareOnly it reports
// differences without writing, which is the compare_devices job type.
type SyncDevices struct {
	CompareOnly bool
}

// Execute runs the reconciler pipeline for one device.
func (e *SyncDevices) Execute(ctx context.Context, deps *Deps, req *Request) (*Outcome, error) {
	if deps.Reconciler == nil {
		return nil, trace.BadParameter("reconciler is not configured on this worker")
	}

	var outcome reconciler.Outcome
	if e.CompareOnly {
		outcome = deps.Reconciler.CompareDevice(ctx, req.Device)
	} else {
		outcome = deps.Reconciler.SyncDevice(ctx, req.Device)
	}
	if outcome.Err != nil {
		return nil, trace.Wrap(outcome.Err)
	}

	result := map[string]any{
		"outcome": string(outcome.Result),
		"action":  outcome.Action,
	}
	if len(outcome.Diff) > 0 {
		result["diff"] = outcome.Diff
	}
	return okOutcome(result)
}

// Finalize activates pending CheckMK changes once per run when the
// template asks for it. Compare runs write nothing, so there is nothing
// to activate.
func (e *SyncDevices) Finalize(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, results []types.DeviceResult) (string, error) {
	if e.CompareOnly || tmpl.Sync == nil || !tmpl.Sync.ActivateChangesAfterSync {
		return "", nil
	}
	var changed int
	for _, r := range results {
		if r.Status == types.DeviceOK {
			changed++
		}
	}
	if changed == 0 {
		return "no changes to activate", nil
	}
	if deps.CheckMK == nil {
		return "", trace.BadParameter("checkmk gateway is not configured on this worker")
	}
	if err := deps.CheckMK.ActivateChanges(ctx, nil); err != nil {
		return "", trace.Wrap(err)
	}
	return "changes activated", nil
}
