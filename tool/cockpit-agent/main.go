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

// Command cockpit-agent is the site-local agent. It subscribes to its
// command channel on the shared redis, heartbeats its presence and
// executes the allow-listed maintenance commands the control plane sends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/agent"
	"github.com/netcockpit/cockpit/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("cockpit-agent", "Site-local agent for the cockpit control plane.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the agent.").Default()
	envFile := start.Flag("env-file", "Path to the agent env file.").Default("/etc/cockpit-agent.env").String()
	debug := start.Flag("debug", "Enable debug logging.").Short('d').Bool()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	if command == version.FullCommand() {
		fmt.Printf("Cockpit Agent v%v %v\n", cockpit.Version, runtime.Version())
		return nil
	}

	severity := "info"
	if *debug {
		severity = "debug"
	}
	log, _, err := utils.InitLogger(utils.LogConfig{Severity: severity})
	if err != nil {
		return trace.Wrap(err)
	}

	env, err := agent.LoadEnvFile(*envFile)
	if err != nil {
		return trace.Wrap(err, "reading %v", *envFile)
	}
	cfg, err := agent.ConfigFromEnv(env)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Logger = log.With(cockpit.ComponentKey, cockpit.ComponentAgent)
	if cfg.Version == "" {
		cfg.Version = cockpit.Version
	}

	a, err := agent.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.InfoContext(ctx, "Agent starting.", slog.String("agent_id", cfg.AgentID), slog.String("version", cfg.Version))
	return trace.Wrap(a.Run(ctx))
}
