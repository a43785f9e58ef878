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
	"time"

	"github.com/gravitational/trace"
)

// JobType enumerates the executors a template can invoke.
type JobType string

const (
	JobBackup         JobType = "backup"
	JobRunCommands    JobType = "run_commands"
	JobSyncDevices    JobType = "sync_devices"
	JobCompareDevices JobType = "compare_devices"
	JobScanPrefixes   JobType = "scan_prefixes"
	JobIPAddresses    JobType = "ip_addresses"
	JobDeployAgent    JobType = "deploy_agent"
)

// AllJobTypes lists every executor understood by the worker fleet.
var AllJobTypes = []JobType{
	JobBackup, JobRunCommands, JobSyncDevices, JobCompareDevices,
	JobScanPrefixes, JobIPAddresses, JobDeployAgent,
}

// InventorySource selects how a template resolves its device set.
type InventorySource string

const (
	// InventoryAll takes every device known to Nautobot.
	InventoryAll InventorySource = "all"
	// InventoryNamed evaluates a stored inventory's condition tree.
	InventoryNamed InventorySource = "inventory"
)

// JobTemplate is a reusable definition of a job with its parameters.
type JobTemplate struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	JobType JobType `json:"job_type"`
	// InventorySource and InventoryName pick the device set. InventoryName
	// references a stored inventory loosely by name.
	InventorySource InventorySource `json:"inventory_source"`
	InventoryName   string          `json:"inventory_name,omitempty"`
	// Parallel fans out one task per device; sequential runs a single
	// orchestrator task iterating the device set in order.
	Parallel bool `json:"parallel"`
	// NonOverlapping serialises runs of this template: a new run is refused
	// while another one is still active.
	NonOverlapping bool `json:"non_overlapping"`
	// CredentialName names the vault credential executors use for device
	// access when the schedule does not override it.
	CredentialName string `json:"credential_name,omitempty"`
	// IsGlobal makes the template visible to every user; otherwise it is
	// private to CreatedBy.
	IsGlobal  bool      `json:"is_global"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Per-type configuration. Only the section matching JobType is
	// interpreted; the rest stay empty.
	Backup *BackupConfig      `json:"backup,omitempty"`
	Cmds   *RunCommandsConfig `json:"run_commands,omitempty"`
	Sync   *SyncConfig        `json:"sync,omitempty"`
	Scan   *ScanConfig        `json:"scan,omitempty"`
	IPAM   *IPAddressesConfig `json:"ip_addresses,omitempty"`
	Deploy *DeployConfig      `json:"deploy,omitempty"`
}

// BackupConfig configures the configuration backup executor.
type BackupConfig struct {
	// Repository names the git repository backups are committed to.
	Repository string `json:"repository"`
	// PathTemplate renders the file path inside the working copy from
	// device attributes, e.g. "{location.name}/{name}.cfg".
	PathTemplate string `json:"path_template"`
	// IncludeStartup also collects show startup-config where the platform
	// supports it.
	IncludeStartup bool `json:"include_startup,omitempty"`
	// TimestampField is a Nautobot custom field updated with the backup
	// time on success; empty disables the write.
	TimestampField string `json:"timestamp_field,omitempty"`
}

// RunCommandsConfig configures the command runner executor.
type RunCommandsConfig struct {
	// CommandTemplate is rendered per device before execution.
	CommandTemplate string `json:"command_template"`
	// TextFSMTemplate, when set, parses raw output into structured rows.
	TextFSMTemplate string `json:"textfsm_template,omitempty"`
}

// SyncConfig configures the sync_devices executor.
type SyncConfig struct {
	// ActivateChangesAfterSync triggers a CheckMK activation once the run
	// finishes applying host changes.
	ActivateChangesAfterSync bool `json:"activate_changes_after_sync,omitempty"`
}

// ScanConfig configures the prefix scanner.
type ScanConfig struct {
	PingCount    int           `json:"ping_count,omitempty"`
	PingTimeout  time.Duration `json:"ping_timeout,omitempty"`
	Retries      int           `json:"retries,omitempty"`
	Interval     time.Duration `json:"interval,omitempty"`
	ResolveDNS   bool          `json:"resolve_dns,omitempty"`
	// OnReachable must be set explicitly: "set_active" transitions the IP
	// status, "none" leaves it untouched. Runs with an empty value are
	// rejected at dispatch.
	OnReachable string `json:"on_reachable"`
	// ReachableField is a custom field written with the probe result; empty
	// disables the write.
	ReachableField string `json:"reachable_field,omitempty"`
	// SummaryField is a custom field on the prefix receiving the scan
	// summary; empty disables the write.
	SummaryField string `json:"summary_field,omitempty"`
}

// Scan OnReachable policies.
const (
	OnReachableSetActive = "set_active"
	OnReachableNone      = "none"
)

// IPAction is what the ip_addresses executor does with matched addresses.
type IPAction string

const (
	IPActionList   IPAction = "list"
	IPActionMark   IPAction = "mark"
	IPActionRemove IPAction = "remove"
)

// IPAddressesConfig configures IP address maintenance.
type IPAddressesConfig struct {
	Action IPAction `json:"action"`
	// FilterField selects addresses, with an optional operator suffix:
	// __lte, __gte, __lt, __gt, __contains; bare field means equality.
	FilterField string `json:"filter_field"`
	// FilterValue may contain date templates {today}, {today-N}, {today+N}
	// resolved at execution time.
	FilterValue string `json:"filter_value"`
	// IncludeNull also matches addresses whose filter field is unset.
	IncludeNull bool `json:"include_null,omitempty"`
	// Mark updates, applied when Action == mark. Empty fields are skipped.
	SetStatus      string `json:"set_status,omitempty"`
	SetTag         string `json:"set_tag,omitempty"`
	SetDescription string `json:"set_description,omitempty"`
	// SkipAssigned leaves addresses with interface assignments in place
	// when Action == remove.
	SkipAssigned bool `json:"skip_assigned,omitempty"`
}

// DeployConfig configures agent deployment.
type DeployConfig struct {
	// Templates maps output file name templates to body templates. Names
	// accept device placeholders; bodies are text/template rendered with
	// the device, its details and the SNMP community.
	Templates map[string]string `json:"templates"`
	// DeploymentPath is where rendered files are written: a directory
	// inside Repository's working copy when Repository is set, a local
	// directory otherwise.
	DeploymentPath string `json:"deployment_path"`
	// Repository names the git repository receiving the rendered files.
	// Empty deploys to the local filesystem.
	Repository string `json:"repository,omitempty"`
	// SNMPMappingFile resolves SNMP communities per device, keyed by the
	// value of SNMPCustomField.
	SNMPMappingFile string `json:"snmp_mapping_file,omitempty"`
	SNMPCustomField string `json:"snmp_custom_field,omitempty"`
	// AgentID, with ActivateAfterDeploy, receives git_pull followed by
	// docker_restart once files are deployed. RepositoryPath and Branch
	// are passed to the agent's git_pull.
	AgentID             string `json:"agent_id,omitempty"`
	ActivateAfterDeploy bool   `json:"activate_after_deploy,omitempty"`
	RepositoryPath      string `json:"repository_path,omitempty"`
	Branch              string `json:"branch,omitempty"`
}

// Check validates the template, including the presence and shape of the
// per-type section.
func (t *JobTemplate) Check() error {
	if t.Name == "" {
		return trace.BadParameter("missing template name")
	}
	switch t.InventorySource {
	case InventoryAll:
	case InventoryNamed:
		if t.InventoryName == "" {
			return trace.BadParameter("template %q selects a named inventory but names none", t.Name)
		}
	default:
		return trace.BadParameter("unsupported inventory source %q", t.InventorySource)
	}
	switch t.JobType {
	case JobBackup:
		if t.Backup == nil || t.Backup.Repository == "" || t.Backup.PathTemplate == "" {
			return trace.BadParameter("backup template %q needs a repository and a path template", t.Name)
		}
	case JobRunCommands:
		if t.Cmds == nil || t.Cmds.CommandTemplate == "" {
			return trace.BadParameter("run_commands template %q needs a command template", t.Name)
		}
	case JobScanPrefixes:
		if t.Scan == nil {
			return trace.BadParameter("scan_prefixes template %q has no scan section", t.Name)
		}
		switch t.Scan.OnReachable {
		case OnReachableSetActive, OnReachableNone:
		default:
			return trace.BadParameter("scan_prefixes template %q must set on_reachable to %q or %q", t.Name, OnReachableSetActive, OnReachableNone)
		}
	case JobIPAddresses:
		if t.IPAM == nil || t.IPAM.FilterField == "" {
			return trace.BadParameter("ip_addresses template %q needs a filter field", t.Name)
		}
		switch t.IPAM.Action {
		case IPActionList, IPActionMark, IPActionRemove:
		default:
			return trace.BadParameter("unsupported ip action %q", t.IPAM.Action)
		}
	case JobDeployAgent:
		if t.Deploy == nil || len(t.Deploy.Templates) == 0 {
			return trace.BadParameter("deploy_agent template %q has no templates", t.Name)
		}
		if t.Deploy.DeploymentPath == "" {
			return trace.BadParameter("deploy_agent template %q has no deployment path", t.Name)
		}
	case JobSyncDevices, JobCompareDevices:
	default:
		return trace.BadParameter("unsupported job type %q", t.JobType)
	}
	return nil
}

// JobSchedule emits runs of a template on a cron trigger.
type JobSchedule struct {
	ID         int64 `json:"id"`
	TemplateID int64 `json:"template_id"`
	// CronSpec is a standard 5-field cron expression.
	CronSpec string `json:"cron_spec"`
	Enabled  bool   `json:"enabled"`
	// CredentialID optionally overrides the template credential.
	CredentialID *int64 `json:"credential_id,omitempty"`
	// LastRunAt records the last fire; missed ticks are not replayed.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RunStatus is the lifecycle state of a job run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunPartial, RunCancelled:
		return true
	}
	return false
}

// Progress counts processed devices out of the run total.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// JobRun is a concrete execution of a template.
type JobRun struct {
	// ID is a UUID assigned at dispatch.
	ID         string    `json:"id"`
	TemplateID int64     `json:"template_id"`
	Type       JobType   `json:"type"`
	Status     RunStatus `json:"status"`
	StartedBy  string    `json:"started_by"`
	StartedAt  time.Time `json:"started_at"`
	// CompletedAt is set exactly once, together with the terminal status.
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Progress      Progress   `json:"progress"`
	ResultSummary string     `json:"result_summary,omitempty"`
	Error         string     `json:"error,omitempty"`
	// Metadata carries dispatch context: resolved device names, parameter
	// overrides, the credential in use.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeviceResultStatus is the per-device outcome inside a run.
type DeviceResultStatus string

const (
	DeviceOK      DeviceResultStatus = "ok"
	DeviceError   DeviceResultStatus = "error"
	DeviceSkipped DeviceResultStatus = "skipped"
)

// DeviceResult records one device's outcome in a run. One row per device
// per run.
type DeviceResult struct {
	ID         int64              `json:"id"`
	RunID      string             `json:"run_id"`
	DeviceName string             `json:"device_name"`
	DeviceID   string             `json:"device_id,omitempty"`
	Status     DeviceResultStatus `json:"status"`
	// Result holds executor output: parsed rows, backup path, scan counts.
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ProcessedAt  time.Time      `json:"processed_at"`
}

// ComputeRunStatus derives the terminal status from the per-device results:
// success when everything is ok or skipped, failed when nothing succeeded,
// partial for a mix.
func ComputeRunStatus(results []DeviceResult) RunStatus {
	var ok, failed int
	for _, r := range results {
		switch r.Status {
		case DeviceOK:
			ok++
		case DeviceError:
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunSuccess
	case ok == 0:
		return RunFailed
	default:
		return RunPartial
	}
}
