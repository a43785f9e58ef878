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

// Package cockpit contains identifiers shared by every part of the control
// plane: component names used for logging, process roles, and the version.
package cockpit

// Version is reported by the API and stamped into audit events. Overridden
// at build time via -ldflags.
var Version = "1.4.0-dev"

// Gitref is the git reference the binary was built from, set via -ldflags.
var Gitref string

const (
	// ComponentKey is the name of a component field in structured log output.
	ComponentKey = "component"

	// ComponentWeb is the HTTP API frontend.
	ComponentWeb = "web"

	// ComponentWorker is a task worker process.
	ComponentWorker = "worker"

	// ComponentScheduler is the periodic schedule evaluator.
	ComponentScheduler = "scheduler"

	// ComponentBroker is the task queue client.
	ComponentBroker = "broker"

	// ComponentStorage is the persistence layer.
	ComponentStorage = "storage"

	// ComponentVault is the encrypted credential store.
	ComponentVault = "vault"

	// ComponentNautobot is the Nautobot gateway.
	ComponentNautobot = "nautobot"

	// ComponentCheckMK is the CheckMK gateway.
	ComponentCheckMK = "checkmk"

	// ComponentReconciler is the Nautobot to CheckMK reconciliation engine.
	ComponentReconciler = "reconciler"

	// ComponentAgentBus is the remote agent command bus.
	ComponentAgentBus = "agentbus"

	// ComponentAgent is the site-local agent runtime.
	ComponentAgent = "agent"

	// ComponentAuth is the authentication and RBAC layer.
	ComponentAuth = "auth"

	// ComponentJobs is the job registry and dispatcher.
	ComponentJobs = "jobs"

	// ComponentAudit is the audit event trail.
	ComponentAudit = "audit"

	// ComponentGit is the git working copy manager.
	ComponentGit = "git"

	// ComponentProcess is the service supervisor that assembles and runs
	// the configured roles.
	ComponentProcess = "process"
)

const (
	// RoleAPI runs the HTTP API frontend.
	RoleAPI = "api"

	// RoleWorker runs a task worker.
	RoleWorker = "worker"

	// RoleScheduler runs the schedule evaluator.
	RoleScheduler = "scheduler"
)

const (
	// SecretKeyEnvVar carries the application secret used for token signing
	// and vault key derivation. The process refuses to start without it.
	SecretKeyEnvVar = "COCKPIT_SECRET_KEY"

	// AgentSender identifies control plane messages on the agent bus.
	AgentSender = "cockpit-backend"

	// DebugEnvVar tells tests to use verbose debug output.
	DebugEnvVar = "COCKPIT_DEBUG"
)
