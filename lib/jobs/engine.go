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

// Package jobs turns job templates into queued task work and back into
// recorded runs. The Engine owns both ends of the queue: the dispatch
// side resolves the device set, creates the run row and enqueues tasks;
// the worker side registers the task handlers that execute units, record
// per-device results and finalise the run.
//
// Parallel templates fan out one task per unit with a chord whose
// callback finalises the run after the last unit reports. Sequential
// templates and bulk job types run as a single orchestrator task.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/broker"
	"github.com/netcockpit/cockpit/lib/inventory"
	"github.com/netcockpit/cockpit/lib/jobs/executors"
	"github.com/netcockpit/cockpit/lib/utils"
	"github.com/netcockpit/cockpit/lib/worker"
)

var (
	runsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_jobs_runs_dispatched_total",
			Help: "Job runs dispatched onto the queue, by job type.",
		},
		[]string{"type"},
	)
	runsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_jobs_runs_completed_total",
			Help: "Job runs finished, by job type and terminal status.",
		},
		[]string{"type", "status"},
	)
)

// TaskFinalizeRun is the chord callback reducing per-device results into
// the run's terminal status.
const TaskFinalizeRun = "jobs.finalize_run"

// TaskNB2CMKRun executes a full Nautobot to CheckMK reconciliation pass
// as a single worker task.
const TaskNB2CMKRun = "nb2cmk.run_job"

// unitTaskNames maps each fan-out job type to its per-unit task. The
// names are stable wire identifiers: queue routes match on them.
var unitTaskNames = map[types.JobType]string{
	types.JobBackup:         "jobs.backup_device",
	types.JobRunCommands:    "jobs.run_commands_device",
	types.JobSyncDevices:    "jobs.sync_device",
	types.JobCompareDevices: "jobs.compare_device",
	types.JobScanPrefixes:   "jobs.scan_prefix",
}

// runTaskNames maps each job type to its single-task orchestrator, used
// for sequential templates and for bulk job types.
var runTaskNames = map[types.JobType]string{
	types.JobBackup:         "jobs.backup_run",
	types.JobRunCommands:    "jobs.run_commands_run",
	types.JobSyncDevices:    "jobs.sync_devices_run",
	types.JobCompareDevices: "jobs.compare_devices_run",
	types.JobScanPrefixes:   "jobs.scan_prefixes_run",
	types.JobIPAddresses:    "jobs.ip_addresses_run",
	types.JobDeployAgent:    "jobs.deploy_agent_run",
}

// taskKwargs is the parameter payload shared by every job task. Unit
// tasks carry the unit reference; run-level tasks only the run ID.
type taskKwargs struct {
	RunID    string `json:"run_id"`
	UnitID   string `json:"unit_id,omitempty"`
	UnitName string `json:"unit_name,omitempty"`
}

// Config holds the engine dependencies.
type Config struct {
	// Broker is the task queue.
	Broker *broker.Broker
	// Deps bundles what executors need: the store, the vault, the
	// Nautobot and CheckMK gateways, git, the agent bus.
	Deps *executors.Deps
	// Clock is propagated to executors that have none set, fake in tests.
	Clock clockwork.Clock
	// Log is the logger the engine hangs its component field on.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Deps == nil {
		return trace.BadParameter("missing parameter Deps")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Deps.Clock == nil {
		c.Deps.Clock = c.Clock
	}
	if err := c.Deps.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Engine dispatches job runs and executes their tasks.
type Engine struct {
	broker *broker.Broker
	deps   *executors.Deps
	log    *slog.Logger
}

// New creates an Engine from the given config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(runsDispatched, runsCompleted); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		broker: cfg.Broker,
		deps:   cfg.Deps,
		log:    cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentJobs),
	}, nil
}

// StartParams describes a run dispatch request.
type StartParams struct {
	// TemplateID selects the template to run.
	TemplateID int64
	// StartedBy is recorded on the run: a username, "schedule:<id>", or
	// an API key label.
	StartedBy string
	// CredentialName overrides the template credential when set.
	CredentialName string
}

// StartRun resolves a template into a run and puts its work on the
// queue. For non-overlapping templates it returns trace.AlreadyExists
// while a previous run is still pending or running.
func (e *Engine) StartRun(ctx context.Context, params StartParams) (*types.JobRun, error) {
	if params.StartedBy == "" {
		return nil, trace.BadParameter("missing parameter StartedBy")
	}
	tmpl, err := e.deps.Store.GetJobTemplate(ctx, params.TemplateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := tmpl.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	if tmpl.NonOverlapping {
		active, err := e.deps.Store.CountActiveRunsForTemplate(ctx, tmpl.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if active > 0 {
			return nil, trace.AlreadyExists("template %q already has an active run", tmpl.Name)
		}
	}

	credential := params.CredentialName
	if credential == "" {
		credential = tmpl.CredentialName
	}
	if credential != "" {
		// A dangling credential reference fails the dispatch, not every
		// device three minutes later.
		if _, err := e.deps.Store.GetCredentialByName(ctx, credential, ""); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	units, err := e.resolveUnits(ctx, tmpl)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	metadata := map[string]any{"template_name": tmpl.Name}
	if credential != "" {
		metadata["credential"] = credential
	}
	if len(units) > 0 {
		metadata["units"] = units
	}

	run, err := e.deps.Store.CreateJobRun(ctx, &types.JobRun{
		ID:         uuid.NewString(),
		TemplateID: tmpl.ID,
		Type:       tmpl.JobType,
		Status:     types.RunPending,
		StartedBy:  params.StartedBy,
		Progress:   types.Progress{Total: len(units)},
		Metadata:   metadata,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.broker.InitProgress(ctx, run.ID, len(units)); err != nil {
		return nil, trace.Wrap(err)
	}

	_, bulk, err := executors.For(tmpl.JobType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if bulk == nil && len(units) == 0 {
		summary := "no devices matched the inventory"
		if tmpl.JobType == types.JobScanPrefixes {
			summary = "no prefixes matched the inventory"
		}
		if err := e.deps.Store.CompleteJobRun(ctx, run.ID, types.RunSuccess, summary, ""); err != nil {
			return nil, trace.Wrap(err)
		}
		e.log.InfoContext(ctx, "Dispatched empty run.", "run", run.ID, "template", tmpl.Name)
		return e.deps.Store.GetJobRun(ctx, run.ID)
	}

	if err := e.dispatch(ctx, run, tmpl, units); err != nil {
		// Roll the run into failed so it does not hang pending forever;
		// tasks that did make it onto the queue see the cancel flag.
		if cerr := e.broker.Cancel(ctx, run.ID); cerr != nil {
			e.log.WarnContext(ctx, "Failed to flag partial dispatch cancelled.", "run", run.ID, "error", cerr)
		}
		e.completeRun(ctx, run, types.RunFailed, "", trace.UserMessage(err))
		return nil, trace.Wrap(err)
	}

	runsDispatched.WithLabelValues(string(tmpl.JobType)).Inc()
	e.log.InfoContext(ctx, "Dispatched run.",
		"run", run.ID,
		"template", tmpl.Name,
		"type", tmpl.JobType,
		"units", len(units),
		"parallel", tmpl.Parallel,
	)
	return run, nil
}

// dispatch enqueues the run's work: a chord of unit tasks for parallel
// templates, a single orchestrator task otherwise.
func (e *Engine) dispatch(ctx context.Context, run *types.JobRun, tmpl *types.JobTemplate, units []executors.Unit) error {
	_, bulk, err := executors.For(tmpl.JobType)
	if err != nil {
		return trace.Wrap(err)
	}

	if bulk != nil || !tmpl.Parallel {
		// The task ID doubles as the run ID so result polling works with
		// the run ID alone.
		_, err := e.broker.EnqueueWithID(ctx, run.ID, runTaskNames[tmpl.JobType], taskKwargs{RunID: run.ID})
		return trace.Wrap(err)
	}

	// The chord is armed before the first member enqueue: a member must
	// never report against a chord that does not exist yet.
	if err := e.broker.CreateChord(ctx, run.ID, len(units), TaskFinalizeRun, taskKwargs{RunID: run.ID}); err != nil {
		return trace.Wrap(err)
	}
	name := unitTaskNames[tmpl.JobType]
	for _, unit := range units {
		_, err := e.broker.Enqueue(ctx, name, taskKwargs{RunID: run.ID, UnitID: unit.ID, UnitName: unit.Name})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// resolveUnits expands the template's inventory into dispatch units:
// prefixes for scans, devices for the other fan-out types, nothing for
// job types that resolve their own set at execution time.
func (e *Engine) resolveUnits(ctx context.Context, tmpl *types.JobTemplate) ([]executors.Unit, error) {
	if tmpl.JobType == types.JobIPAddresses {
		return nil, nil
	}

	var conditions *inventory.Conditions
	if tmpl.InventorySource == types.InventoryNamed {
		inv, err := e.deps.Store.GetInventoryByName(ctx, tmpl.InventoryName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		conditions, err = inventory.Parse(inv.Conditions)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	var units []executors.Unit
	if tmpl.JobType == types.JobScanPrefixes {
		prefixes, err := e.deps.Nautobot.ListPrefixes(ctx, nil)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for i := range prefixes {
			if conditions != nil && !conditions.Matches(prefixes[i].Attrs()) {
				continue
			}
			units = append(units, executors.Unit{ID: prefixes[i].ID, Name: prefixes[i].Prefix})
		}
		return units, nil
	}

	devices, err := e.deps.Nautobot.ListDevices(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range devices {
		if conditions != nil && !conditions.Matches(devices[i].Attrs()) {
			continue
		}
		units = append(units, executors.Unit{ID: devices[i].ID, Name: devices[i].Name})
	}
	return units, nil
}

// DispatchSchedule implements the scheduler's dispatcher: it starts a
// run for the schedule's template, applying the schedule's credential
// override when one is set.
func (e *Engine) DispatchSchedule(ctx context.Context, schedule types.JobSchedule) (string, error) {
	params := StartParams{
		TemplateID: schedule.TemplateID,
		StartedBy:  fmt.Sprintf("schedule:%d", schedule.ID),
	}
	if schedule.CredentialID != nil {
		cred, err := e.deps.Store.GetCredential(ctx, *schedule.CredentialID)
		if err != nil {
			return "", trace.Wrap(err)
		}
		params.CredentialName = cred.Name
	}
	run, err := e.StartRun(ctx, params)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return run.ID, nil
}

// StartNB2CMK creates a Nautobot to CheckMK reconciliation job and puts
// it on the queue as a single task. With apply set the pass writes its
// changes to CheckMK; without it the pass only records comparisons.
func (e *Engine) StartNB2CMK(ctx context.Context, startedBy string, apply bool) (*types.NB2CMKJob, error) {
	if startedBy == "" {
		return nil, trace.BadParameter("missing parameter startedBy")
	}
	job, err := e.deps.Store.CreateNB2CMKJob(ctx, &types.NB2CMKJob{
		ID:        uuid.NewString(),
		Status:    types.RunPending,
		StartedBy: startedBy,
		Apply:     apply,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.broker.EnqueueWithID(ctx, job.ID, TaskNB2CMKRun, taskKwargs{RunID: job.ID}); err != nil {
		if cerr := e.deps.Store.CompleteNB2CMKJob(ctx, job.ID, types.RunFailed, trace.UserMessage(err)); cerr != nil {
			e.log.WarnContext(ctx, "Failed to close undispatched reconciliation job.", "job", job.ID, "error", cerr)
		}
		return nil, trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Dispatched reconciliation job.", "job", job.ID, "apply", apply, "started_by", startedBy)
	return job, nil
}

// CancelRun raises the run's cancel flag and closes the run. In-flight
// unit tasks observe the flag between devices and stop; their late
// result rows are kept, but the terminal status is final from here.
func (e *Engine) CancelRun(ctx context.Context, runID, cancelledBy string) error {
	run, err := e.deps.Store.GetJobRun(ctx, runID)
	if err != nil {
		return trace.Wrap(err)
	}
	if run.Status.IsTerminal() {
		return trace.CompareFailed("job run %v is already %v", runID, run.Status)
	}
	if err := e.broker.Cancel(ctx, runID); err != nil {
		return trace.Wrap(err)
	}
	summary := "cancelled"
	if cancelledBy != "" {
		summary = "cancelled by " + cancelledBy
	}
	err = e.deps.Store.CompleteJobRun(ctx, runID, types.RunCancelled, summary, "")
	if err != nil && !trace.IsCompareFailed(err) {
		return trace.Wrap(err)
	}
	if err == nil {
		runsCompleted.WithLabelValues(string(run.Type), string(types.RunCancelled)).Inc()
	}
	e.log.InfoContext(ctx, "Cancelled run.", "run", runID, "cancelled_by", cancelledBy)
	return nil
}

// GetRun returns the run with live progress overlaid while it is still
// active. Terminal runs come straight from the store.
func (e *Engine) GetRun(ctx context.Context, runID string) (*types.JobRun, error) {
	run, err := e.deps.Store.GetJobRun(ctx, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	progress, ok, err := e.broker.GetProgress(ctx, runID)
	if err != nil {
		e.log.DebugContext(ctx, "Failed to read live progress.", "run", runID, "error", err)
		return run, nil
	}
	if ok {
		if progress.Processed > run.Progress.Processed {
			run.Progress.Processed = progress.Processed
		}
		if progress.Total > run.Progress.Total {
			run.Progress.Total = progress.Total
		}
	}
	return run, nil
}

// RegisterHandlers registers every job task on the worker registry.
func (e *Engine) RegisterHandlers(registry *worker.Registry) error {
	for _, jobType := range types.AllJobTypes {
		if name, ok := unitTaskNames[jobType]; ok {
			err := registry.Register(name, func(ctx context.Context, task *broker.Task) (any, error) {
				return e.handleUnit(ctx, jobType, task)
			})
			if err != nil {
				return trace.Wrap(err)
			}
		}
		err := registry.Register(runTaskNames[jobType], func(ctx context.Context, task *broker.Task) (any, error) {
			return e.handleRun(ctx, jobType, task)
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if err := registry.Register(TaskNB2CMKRun, e.handleNB2CMK); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(registry.Register(TaskFinalizeRun, e.handleFinalize))
}

// handleNB2CMK runs one reconciliation pass. The reconciler owns the job
// lifecycle from started to terminal; the handler only locates the job
// and hands it over.
func (e *Engine) handleNB2CMK(ctx context.Context, task *broker.Task) (any, error) {
	kw, err := decodeKwargs(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if e.deps.Reconciler == nil {
		return nil, trace.BadParameter("reconciler is not configured on this worker")
	}
	job, err := e.deps.Store.GetNB2CMKJob(ctx, kw.RunID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.deps.Reconciler.RunJob(ctx, job); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"job": job.ID}, nil
}

// handleUnit executes one parallel fan-out unit: load the run, execute
// the unit, record the result, advance the chord.
func (e *Engine) handleUnit(ctx context.Context, jobType types.JobType, task *broker.Task) (any, error) {
	kw, err := decodeKwargs(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The chord member is completed on every exit path. A member that
	// fails without reporting would leave the run running forever.
	resultCtx := context.WithoutCancel(ctx)
	defer func() {
		if _, err := e.broker.CompleteChordMember(resultCtx, kw.RunID); err != nil && !trace.IsNotFound(err) {
			e.log.WarnContext(ctx, "Failed to complete chord member.", "run", kw.RunID, "error", err)
		}
	}()

	run, err := e.deps.Store.GetJobRun(ctx, kw.RunID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl, err := e.deps.Store.GetJobTemplate(ctx, run.TemplateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.deps.Store.MarkRunStarted(ctx, run.ID); err != nil {
		e.log.WarnContext(ctx, "Failed to mark run started.", "run", run.ID, "error", err)
	}

	unit := executors.Unit{ID: kw.UnitID, Name: kw.UnitName}
	var result *types.DeviceResult
	if cancelled, _ := e.broker.IsCancelled(ctx, run.ID); cancelled {
		result = &types.DeviceResult{
			RunID:      run.ID,
			DeviceName: unit.Name,
			DeviceID:   unit.ID,
			Status:     types.DeviceSkipped,
			Result:     map[string]any{"reason": "run cancelled"},
		}
	} else {
		result, err = e.executeUnit(ctx, jobType, run, tmpl, unit)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := e.recordUnit(resultCtx, run, result); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"device": result.DeviceName, "status": result.Status}, nil
}

// handleRun is the single-task path: bulk executors own the whole run,
// sequential templates iterate the unit list in dispatch order.
func (e *Engine) handleRun(ctx context.Context, jobType types.JobType, task *broker.Task) (any, error) {
	kw, err := decodeKwargs(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := e.deps.Store.GetJobRun(ctx, kw.RunID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl, err := e.deps.Store.GetJobTemplate(ctx, run.TemplateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.deps.Store.MarkRunStarted(ctx, run.ID); err != nil {
		e.log.WarnContext(ctx, "Failed to mark run started.", "run", run.ID, "error", err)
	}
	if cancelled, _ := e.broker.IsCancelled(ctx, run.ID); cancelled {
		e.completeRun(ctx, run, types.RunCancelled, "cancelled before execution", "")
		return map[string]any{"run": run.ID, "status": types.RunCancelled}, nil
	}

	_, bulk, err := executors.For(jobType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if bulk != nil {
		summary, err := bulk.ExecuteRun(ctx, e.deps, run, tmpl, &runRecorder{engine: e, run: run})
		if err != nil {
			e.completeRun(ctx, run, types.RunFailed, "", trace.UserMessage(err))
			return nil, trace.Wrap(err)
		}
		results, err := e.deps.Store.ListDeviceResults(ctx, run.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		status := types.ComputeRunStatus(results)
		if cancelled, _ := e.broker.IsCancelled(ctx, run.ID); cancelled {
			status = types.RunCancelled
		}
		e.completeRun(ctx, run, status, summary, "")
		return map[string]any{"run": run.ID, "status": status}, nil
	}

	units, err := executors.RunUnits(run)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, unit := range units {
		if cancelled, _ := e.broker.IsCancelled(ctx, run.ID); cancelled {
			break
		}
		result, err := e.executeUnit(ctx, jobType, run, tmpl, unit)
		if err == nil {
			err = e.recordUnit(ctx, run, result)
		}
		if err != nil {
			e.completeRun(ctx, run, types.RunFailed, "", trace.UserMessage(err))
			return nil, trace.Wrap(err)
		}
	}
	return e.finalizeRun(ctx, run, tmpl)
}

// handleFinalize is the chord callback for parallel runs.
func (e *Engine) handleFinalize(ctx context.Context, task *broker.Task) (any, error) {
	kw, err := decodeKwargs(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := e.deps.Store.GetJobRun(ctx, kw.RunID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl, err := e.deps.Store.GetJobTemplate(ctx, run.TemplateID)
	if err != nil {
		// A template deleted mid-run still gets its results reduced; only
		// the finaliser hook is skipped.
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		tmpl = nil
	}
	return e.finalizeRun(ctx, run, tmpl)
}

// finalizeRun reduces the recorded device results into the terminal run
// status and gives the executor its once-per-run hook: the backup commit
// and push, the post-sync activation.
func (e *Engine) finalizeRun(ctx context.Context, run *types.JobRun, tmpl *types.JobTemplate) (any, error) {
	results, err := e.deps.Store.ListDeviceResults(ctx, run.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status := types.ComputeRunStatus(results)
	if cancelled, _ := e.broker.IsCancelled(ctx, run.ID); cancelled {
		status = types.RunCancelled
	}

	var ok, failed, skipped int
	for _, r := range results {
		switch r.Status {
		case types.DeviceOK:
			ok++
		case types.DeviceError:
			failed++
		case types.DeviceSkipped:
			skipped++
		}
	}
	// A unit that died before recording a result still completes its chord
	// member, so the reduction can run short of rows. Those units failed;
	// a cancelled run is the one case where missing rows are expected.
	if missing := run.Progress.Total - len(results); missing > 0 && status != types.RunCancelled {
		failed += missing
		if ok == 0 {
			status = types.RunFailed
		} else {
			status = types.RunPartial
		}
	}
	summary := fmt.Sprintf("%d ok, %d failed, %d skipped", ok, failed, skipped)

	var errMsg string
	if tmpl != nil && status != types.RunCancelled {
		unitExec, _, err := executors.For(run.Type)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if finalizer, isFinalizer := unitExec.(executors.Finalizer); isFinalizer {
			note, err := finalizer.Finalize(ctx, e.deps, run, tmpl, results)
			if err != nil {
				status = types.RunFailed
				errMsg = trace.UserMessage(err)
			} else if note != "" {
				summary += "; " + note
			}
		}
	}

	e.completeRun(ctx, run, status, summary, errMsg)
	return map[string]any{"run": run.ID, "status": status}, nil
}

// executeUnit runs one unit through its executor and returns the result
// row to record. Device faults come back encoded in the row; only
// infrastructure faults surface as errors.
func (e *Engine) executeUnit(ctx context.Context, jobType types.JobType, run *types.JobRun, tmpl *types.JobTemplate, unit executors.Unit) (*types.DeviceResult, error) {
	result := &types.DeviceResult{
		RunID:      run.ID,
		DeviceName: unit.Name,
		DeviceID:   unit.ID,
	}

	executor, _, err := executors.For(jobType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := e.buildRequest(ctx, run, tmpl, unit)
	if err != nil {
		if trace.IsNotFound(err) {
			// The unit disappeared between dispatch and execution.
			result.Status = types.DeviceSkipped
			result.Result = map[string]any{"reason": trace.UserMessage(err)}
			return result, nil
		}
		return nil, trace.Wrap(err)
	}

	outcome, execErr := executor.Execute(ctx, e.deps, req)
	if execErr != nil {
		result.Status = types.DeviceError
		result.ErrorMessage = trace.UserMessage(execErr)
		return result, nil
	}
	result.Status = outcome.Status
	if result.Status == "" {
		result.Status = types.DeviceOK
	}
	result.Result = outcome.Result
	return result, nil
}

// buildRequest assembles the executor request for one unit: the fresh
// device or prefix from Nautobot plus the decrypted credential.
func (e *Engine) buildRequest(ctx context.Context, run *types.JobRun, tmpl *types.JobTemplate, unit executors.Unit) (*executors.Request, error) {
	req := &executors.Request{Run: run, Template: tmpl}

	secret, err := e.resolveSecret(ctx, run)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Secret = secret

	switch tmpl.JobType {
	case types.JobScanPrefixes:
		prefix, err := e.deps.Nautobot.GetPrefix(ctx, unit.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		req.Prefix = prefix
	default:
		device, err := e.deps.Nautobot.GetDevice(ctx, unit.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		req.Device = device
	}
	return req, nil
}

// resolveSecret decrypts the credential recorded on the run at dispatch
// time. Runs without a credential resolve to nil.
func (e *Engine) resolveSecret(ctx context.Context, run *types.JobRun) (*executors.Secret, error) {
	name, _ := run.Metadata["credential"].(string)
	if name == "" {
		return nil, nil
	}
	if e.deps.Vault == nil {
		return nil, trace.BadParameter("run %v references credential %q but no vault is configured", run.ID, name)
	}
	cred, err := e.deps.Store.GetCredentialByName(ctx, name, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secret := &executors.Secret{Username: cred.Username}
	if cred.EncryptedPassword != "" {
		secret.Password, err = e.deps.Vault.Decrypt(cred.EncryptedPassword)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if cred.EncryptedSSHKey != "" {
		key, err := e.deps.Vault.Decrypt(cred.EncryptedSSHKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		secret.PrivateKey = []byte(key)
	}
	if cred.EncryptedPassphrase != "" {
		secret.Passphrase, err = e.deps.Vault.Decrypt(cred.EncryptedPassphrase)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return secret, nil
}

// recordUnit persists one unit outcome and advances both progress views:
// the live redis counter and the run row.
func (e *Engine) recordUnit(ctx context.Context, run *types.JobRun, result *types.DeviceResult) error {
	if err := e.deps.Store.AddDeviceResult(ctx, result); err != nil {
		return trace.Wrap(err)
	}
	processed, err := e.broker.IncrementProgress(ctx, run.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.deps.Store.UpdateRunProgress(ctx, run.ID, int(processed), run.Progress.Total))
}

// completeRun writes the terminal status, tolerating a run that is
// already terminal: a concurrent cancel won the race.
func (e *Engine) completeRun(ctx context.Context, run *types.JobRun, status types.RunStatus, summary, errMsg string) {
	err := e.deps.Store.CompleteJobRun(ctx, run.ID, status, summary, errMsg)
	switch {
	case err == nil:
		runsCompleted.WithLabelValues(string(run.Type), string(status)).Inc()
		e.log.InfoContext(ctx, "Run completed.", "run", run.ID, "type", run.Type, "status", status, "summary", summary)
	case trace.IsCompareFailed(err):
	default:
		e.log.ErrorContext(ctx, "Failed to record run completion.", "run", run.ID, "error", err)
	}
}

func decodeKwargs(task *broker.Task) (taskKwargs, error) {
	var kw taskKwargs
	if err := json.Unmarshal(task.Kwargs, &kw); err != nil {
		return kw, trace.BadParameter("task %v has malformed kwargs: %v", task.Name, err)
	}
	if kw.RunID == "" {
		return kw, trace.BadParameter("task %v names no run", task.Name)
	}
	return kw, nil
}

// runRecorder backs the bulk executor Recorder with the device result
// table and the live progress counters.
type runRecorder struct {
	engine *Engine
	run    *types.JobRun
	total  int
}

func (r *runRecorder) SetTotal(ctx context.Context, total int) error {
	r.total = total
	if err := r.engine.broker.InitProgress(ctx, r.run.ID, total); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.engine.deps.Store.UpdateRunProgress(ctx, r.run.ID, 0, total))
}

func (r *runRecorder) Record(ctx context.Context, result *types.DeviceResult) error {
	result.RunID = r.run.ID
	if err := r.engine.deps.Store.AddDeviceResult(ctx, result); err != nil {
		return trace.Wrap(err)
	}
	processed, err := r.engine.broker.IncrementProgress(ctx, r.run.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.engine.deps.Store.UpdateRunProgress(ctx, r.run.ID, int(processed), r.total))
}

func (r *runRecorder) Cancelled(ctx context.Context) bool {
	cancelled, err := r.engine.broker.IsCancelled(ctx, r.run.ID)
	if err != nil {
		r.engine.log.DebugContext(ctx, "Failed to read cancel flag.", "run", r.run.ID, "error", err)
		return false
	}
	return cancelled
}
