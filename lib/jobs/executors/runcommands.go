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
	"github.com/sirikothe/gotextfsm"

	"github.com/netcockpit/cockpit/lib/netssh"
	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// RunCommands executes a rendered show command per device and optionally
// parses the output into structured rows with a TextFSM template.
type RunCommands struct{}

// Execute renders and runs the command, storing raw output and, when a
// parser template is configured, the parsed rows.
func (e *RunCommands) Execute(ctx context.Context, deps *Deps, req *Request) (*Outcome, error) {
	device := req.Device
	cfg := req.Template.Cmds

	if device.ManagementIP() == "" {
		return skipOutcome("device has no primary IPv4 address")
	}
	if req.Secret == nil {
		return nil, trace.BadParameter("run_commands template %q has no device credential", req.Template.Name)
	}

	command, err := parse.ExpandDeviceTemplate(cfg.CommandTemplate, device.Attrs())
	if err != nil {
		return nil, trace.Wrap(err, "rendering command for %v", device.Name)
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

	output, err := client.Run(ctx, command)
	if err != nil {
		return nil, trace.Wrap(err, "running %q on %v", command, device.Name)
	}

	result := map[string]any{
		"command": command,
		"output":  output,
	}
	if cfg.TextFSMTemplate != "" {
		rows, err := parseTextFSM(cfg.TextFSMTemplate, output)
		if err != nil {
			// Raw output is still useful when the parse fails; surface the
			// parse error alongside it.
			result["parse_error"] = err.Error()
		} else {
			result["parsed"] = rows
		}
	}
	return okOutcome(result)
}

// parseTextFSM runs the output through a TextFSM template and returns the
// record rows.
func parseTextFSM(template, output string) ([]map[string]any, error) {
	fsm := gotextfsm.TextFSM{}
	if err := fsm.ParseString(template); err != nil {
		return nil, trace.BadParameter("invalid TextFSM template: %v", err)
	}
	parser := gotextfsm.ParserOutput{}
	if err := parser.ParseTextString(output, fsm, true); err != nil {
		return nil, trace.BadParameter("TextFSM parse failed: %v", err)
	}
	rows := make([]map[string]any, 0, len(parser.Dict))
	for _, record := range parser.Dict {
		row := make(map[string]any, len(record))
		for k, v := range record {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
