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
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/gitrepos"
	"github.com/netcockpit/cockpit/lib/netssh"
	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// Backup captures device configurations over SSH into a git working copy.
// Each device writes one file; the finaliser commits and pushes the run's
// files in a single commit.
type Backup struct{}

// Execute collects the device's configuration and writes it into the
// repository working copy at the rendered path.
func (e *Backup) Execute(ctx context.Context, deps *Deps, req *Request) (*Outcome, error) {
	device := req.Device
	cfg := req.Template.Backup

	if device.ManagementIP() == "" {
		return skipOutcome("device has no primary IPv4 address")
	}
	if req.Secret == nil {
		return nil, trace.BadParameter("backup template %q has no device credential", req.Template.Name)
	}

	relpath, err := parse.ExpandDeviceTemplate(cfg.PathTemplate, device.Attrs())
	if err != nil {
		return nil, trace.Wrap(err, "rendering backup path for %v", device.Name)
	}

	client, err := deps.SSHDial(ctx, netssh.ClientConfig{
		Addr:       device.ManagementIP(),
		Username:   req.Secret.Username,
		Password:   req.Secret.Password,
		PrivateKey: req.Secret.PrivateKey,
		Passphrase: req.Secret.Passphrase,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer client.Close()

	platform := device.NetworkDriver
	if platform == "" {
		platform = device.Platform.Name
	}
	commands := netssh.BackupCommands(platform)
	if !cfg.IncludeStartup && len(commands) > 1 {
		commands = commands[:1]
	}

	var sections []string
	for _, command := range commands {
		output, err := client.Run(ctx, command)
		if err != nil {
			// The running config is the backup; the startup config is
			// best-effort extra.
			if len(sections) > 0 {
				deps.Log.WarnContext(ctx, "Skipping auxiliary backup command.",
					"device", device.Name, "command", command, "error", err)
				continue
			}
			return nil, trace.Wrap(err, "running %q on %v", command, device.Name)
		}
		sections = append(sections, netssh.FormatResult(command, output))
	}
	content := strings.Join(sections, "\n")

	copyPath, err := e.writeToRepository(ctx, deps, req, relpath, []byte(content))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.TimestampField != "" {
		stamp := deps.Clock.Now().UTC().Format(time.RFC3339)
		if err := deps.Nautobot.SetDeviceCustomFields(ctx, device.ID, map[string]any{cfg.TimestampField: stamp}); err != nil {
			// The backup itself succeeded; the timestamp is bookkeeping.
			deps.Log.WarnContext(ctx, "Failed to write backup timestamp.",
				"device", device.Name, "field", cfg.TimestampField, "error", err)
		}
	}

	return okOutcome(map[string]any{
		"path":     copyPath,
		"bytes":    len(content),
		"commands": commands,
	})
}

// writeToRepository checks out the configured repository and writes the
// rendered file. The working copy lock is held only for the write; the
// commit happens once per run in Finalize.
func (e *Backup) writeToRepository(ctx context.Context, deps *Deps, req *Request, relpath string, content []byte) (string, error) {
	repo, auth, err := resolveRepository(ctx, deps, req.Template.Backup.Repository)
	if err != nil {
		return "", trace.Wrap(err)
	}
	copyDir, err := deps.Git.Checkout(ctx, *repo, auth)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer copyDir.Release()

	if err := copyDir.WriteFile(relpath, content); err != nil {
		return "", trace.Wrap(err)
	}
	return relpath, nil
}

// Finalize commits and pushes the run's backup files in one commit. A run
// that backed up nothing pushes nothing.
func (e *Backup) Finalize(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, results []types.DeviceResult) (string, error) {
	var backed int
	for _, r := range results {
		if r.Status == types.DeviceOK {
			backed++
		}
	}
	if backed == 0 {
		return "no configurations collected", nil
	}

	repo, auth, err := resolveRepository(ctx, deps, tmpl.Backup.Repository)
	if err != nil {
		return "", trace.Wrap(err)
	}
	copyDir, err := deps.Git.Checkout(ctx, *repo, auth)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer copyDir.Release()

	message := fmt.Sprintf("Backup %d device configurations (run %s)", backed, run.ID)
	commit, err := copyDir.CommitAndPush(ctx, message)
	if err != nil {
		return "", trace.Wrap(err, "pushing backups for run %v", run.ID)
	}
	if commit == "" {
		return fmt.Sprintf("%d configurations unchanged", backed), nil
	}
	return fmt.Sprintf("%d configurations committed as %.8s", backed, commit), nil
}

// resolveRepository loads a repository definition and builds its transport
// auth from the vault.
func resolveRepository(ctx context.Context, deps *Deps, name string) (*types.GitRepository, gitrepos.AuthMethod, error) {
	repo, err := deps.Store.GetGitRepositoryByName(ctx, name)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if !repo.Active {
		return nil, nil, trace.BadParameter("repository %q is inactive", name)
	}

	var secret gitrepos.Secret
	if repo.AuthType != types.GitAuthNone {
		cred, err := deps.Store.GetCredentialByName(ctx, repo.CredentialName, "")
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		secret.Username = cred.Username
		if cred.EncryptedPassword != "" {
			secret.Password, err = deps.Vault.Decrypt(cred.EncryptedPassword)
			if err != nil {
				return nil, nil, trace.Wrap(err)
			}
		}
		if cred.EncryptedSSHKey != "" {
			key, err := deps.Vault.Decrypt(cred.EncryptedSSHKey)
			if err != nil {
				return nil, nil, trace.Wrap(err)
			}
			secret.PrivateKey = []byte(key)
		}
		if cred.EncryptedPassphrase != "" {
			secret.Passphrase, err = deps.Vault.Decrypt(cred.EncryptedPassphrase)
			if err != nil {
				return nil, nil, trace.Wrap(err)
			}
		}
	}
	auth, err := gitrepos.BuildAuth(*repo, secret)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return repo, auth, nil
}
