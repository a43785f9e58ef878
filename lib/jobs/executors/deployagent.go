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
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/reconciler"
	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// DeployAgent renders monitoring-agent configuration for every device in
// the run and publishes the files, then optionally tells the site agent to
// pull and restart. It runs as a single task: all files land in one
// working copy and one commit.
type DeployAgent struct{}

// deployContext is what a template body renders against.
type deployContext struct {
	// Device is the device attribute map, custom fields under
	// _custom_field_data.
	Device map[string]any
	// Details is the extended detail document when Nautobot serves one.
	Details map[string]any
	// SNMP is the resolved community; nil when no mapping matched.
	SNMP *types.SNMPCommunity
}

type deployWriteFunc func(relpath string, data []byte) error

// ExecuteRun renders every template for every device and writes the
// results to the configured destination.
func (e *DeployAgent) ExecuteRun(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, rec Recorder) (string, error) {
	cfg := tmpl.Deploy

	units, err := RunUnits(run)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := rec.SetTotal(ctx, len(units)); err != nil {
		return "", trace.Wrap(err)
	}
	if len(units) == 0 {
		return "no devices in inventory", nil
	}

	var mapping *reconciler.SNMPMapping
	if cfg.SNMPMappingFile != "" {
		mapping, err = reconciler.LoadSNMPMapping(cfg.SNMPMappingFile)
		if err != nil {
			return "", trace.Wrap(err)
		}
	}

	bodies := make(map[string]*template.Template, len(cfg.Templates))
	names := make([]string, 0, len(cfg.Templates))
	for name, body := range cfg.Templates {
		parsed, err := template.New(name).Parse(body)
		if err != nil {
			return "", trace.BadParameter("deploy template %q does not parse: %v", name, err)
		}
		bodies[name] = parsed
		names = append(names, name)
	}
	sort.Strings(names)

	write, push, release, err := e.destination(ctx, deps, cfg)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer release()

	var deployed, skipped, failed, files int
	for _, unit := range units {
		if rec.Cancelled(ctx) {
			return fmt.Sprintf("cancelled after %d of %d devices", deployed+skipped+failed, len(units)), nil
		}
		result := &types.DeviceResult{
			RunID:      run.ID,
			DeviceName: unit.Name,
			DeviceID:   unit.ID,
			Status:     types.DeviceOK,
			Result:     map[string]any{},
		}
		written, err := e.renderDevice(ctx, deps, cfg, bodies, names, mapping, unit, write)
		switch {
		case err != nil:
			result.Status = types.DeviceError
			result.ErrorMessage = err.Error()
			failed++
		case len(written) == 0:
			result.Status = types.DeviceSkipped
			result.Result["reason"] = "device has no primary IPv4 address"
			skipped++
		default:
			result.Result["files"] = written
			deployed++
			files += len(written)
		}
		if err := rec.Record(ctx, result); err != nil {
			return "", trace.Wrap(err)
		}
	}

	summary := fmt.Sprintf("%d files rendered for %d devices", files, deployed)
	if skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", skipped)
	}
	if failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}

	if files > 0 {
		commit, err := push(ctx, fmt.Sprintf("Deploy agent configuration for %d devices (run %s)", deployed, run.ID))
		if err != nil {
			return "", trace.Wrap(err, "publishing rendered configuration for run %v", run.ID)
		}
		if commit != "" {
			summary += fmt.Sprintf(", committed as %.8s", commit)
		}
	}

	if cfg.ActivateAfterDeploy && files > 0 {
		if err := e.activate(ctx, deps, cfg, run); err != nil {
			return "", trace.Wrap(err)
		}
		summary += ", agent activated"
	}
	return summary, nil
}

// destination builds the write/push pair for the configured target: a git
// working copy when a repository is named, the local filesystem otherwise.
// Local deployments push as a no-op.
func (e *DeployAgent) destination(ctx context.Context, deps *Deps, cfg *types.DeployConfig) (deployWriteFunc, func(context.Context, string) (string, error), func(), error) {
	if cfg.Repository == "" {
		write := func(relpath string, data []byte) error {
			full := filepath.Join(cfg.DeploymentPath, filepath.FromSlash(relpath))
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
			return trace.ConvertSystemError(os.WriteFile(full, data, 0o644))
		}
		push := func(context.Context, string) (string, error) { return "", nil }
		return write, push, func() {}, nil
	}

	repo, auth, err := resolveRepository(ctx, deps, cfg.Repository)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	copyDir, err := deps.Git.Checkout(ctx, *repo, auth)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	write := func(relpath string, data []byte) error {
		return copyDir.WriteFile(path.Join(cfg.DeploymentPath, relpath), data)
	}
	push := func(ctx context.Context, message string) (string, error) {
		return copyDir.CommitAndPush(ctx, message)
	}
	return write, push, copyDir.Release, nil
}

// renderDevice renders every template for one device. A device the
// dispatcher knew but Nautobot no longer serves degrades to skipped via
// the empty return.
func (e *DeployAgent) renderDevice(ctx context.Context, deps *Deps, cfg *types.DeployConfig, bodies map[string]*template.Template, names []string, mapping *reconciler.SNMPMapping, unit Unit, write deployWriteFunc) ([]string, error) {
	device, err := deps.Nautobot.GetDevice(ctx, unit.ID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	if device.ManagementIP() == "" {
		return nil, nil
	}

	attrs := device.Attrs()
	tctx := deployContext{Device: attrs}
	if details, err := deps.Nautobot.GetDeviceDetails(ctx, device.ID); err == nil {
		tctx.Details = details
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if mapping != nil {
		key := ""
		if device.CustomFields != nil {
			if v, ok := parse.ScalarString(device.CustomFields[cfg.SNMPCustomField]); ok {
				key = v
			}
		}
		if community, ok := mapping.Lookup(key); ok {
			tctx.SNMP = &community
		}
	}

	var written []string
	for _, name := range names {
		relpath, err := parse.ExpandDeviceTemplate(name, attrs)
		if err != nil {
			return nil, trace.Wrap(err, "rendering file name %q for %v", name, device.Name)
		}
		var buf bytes.Buffer
		if err := bodies[name].Execute(&buf, tctx); err != nil {
			return nil, trace.BadParameter("rendering %q for %v: %v", name, device.Name, err)
		}
		if err := write(relpath, buf.Bytes()); err != nil {
			return nil, trace.Wrap(err)
		}
		written = append(written, relpath)
	}
	return written, nil
}

// activate tells the site agent to pull the deployed files and restart its
// collector. Both commands must succeed for the run to count as activated.
func (e *DeployAgent) activate(ctx context.Context, deps *Deps, cfg *types.DeployConfig, run *types.JobRun) error {
	if deps.Bus == nil {
		return trace.BadParameter("deploy template activates agent %q but no agent bus is configured", cfg.AgentID)
	}
	if cfg.AgentID == "" {
		return trace.BadParameter("activate_after_deploy needs an agent id")
	}
	sentBy := "job-run:" + run.ID

	params := map[string]any{}
	if cfg.RepositoryPath != "" {
		params["path"] = cfg.RepositoryPath
	}
	if cfg.Branch != "" {
		params["branch"] = cfg.Branch
	}
	pull, err := deps.Bus.Execute(ctx, cfg.AgentID, types.AgentCommandGitPull, params, sentBy, defaults.AgentGitPullTimeout)
	if err != nil {
		return trace.Wrap(err)
	}
	if pull.Status != types.AgentCommandSuccess {
		return trace.BadParameter("agent %v git_pull finished %v: %v", cfg.AgentID, pull.Status, pull.Error)
	}

	restart, err := deps.Bus.Execute(ctx, cfg.AgentID, types.AgentCommandDockerRestart, nil, sentBy, defaults.AgentDockerRestartTimeout)
	if err != nil {
		return trace.Wrap(err)
	}
	if restart.Status != types.AgentCommandSuccess {
		return trace.BadParameter("agent %v docker_restart finished %v: %v", cfg.AgentID, restart.Status, restart.Error)
	}
	return nil
}
