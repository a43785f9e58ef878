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

// Package defaults contains default constants set in various parts of
// the cockpit codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the API frontend binds to.
	HTTPListenPort = 8080

	// BindIP is the default listen address for the API frontend.
	BindIP = "0.0.0.0"

	// DefaultDialTimeout is a default TCP dial timeout we set for our
	// connection attempts to upstreams.
	DefaultDialTimeout = 30 * time.Second

	// HTTPRequestTimeout bounds a single REST round trip to Nautobot or
	// CheckMK. Task-level deadlines are enforced separately by the worker.
	HTTPRequestTimeout = 60 * time.Second

	// HTTPIdleTimeout is a default timeout for idle HTTP connections.
	HTTPIdleTimeout = 30 * time.Second

	// ReadHeadersTimeout is a default TCP timeout when we wait for the
	// response headers to arrive.
	ReadHeadersTimeout = 10 * time.Second

	// GracefulShutdownTimeout is how long the API frontend waits for
	// in-flight requests to drain before closing listeners.
	GracefulShutdownTimeout = 30 * time.Second

	// DataDir is where the process keeps local working state.
	DataDir = "/var/lib/cockpit"
)

const (
	// DefaultQueue is the queue tasks land on when no route matches.
	DefaultQueue = "default"

	// QueueKeyPrefix prefixes redis list keys backing broker queues.
	QueueKeyPrefix = "cockpit:queue:"

	// ResultKeyPrefix prefixes redis keys holding task results.
	ResultKeyPrefix = "cockpit:result:"

	// ChordKeyPrefix prefixes redis counters used to trigger run finalisers.
	ChordKeyPrefix = "cockpit:chord:"

	// CancelKeyPrefix prefixes redis flags used for cooperative run
	// cancellation.
	CancelKeyPrefix = "cockpit:cancel:"

	// ProgressKeyPrefix prefixes redis counters tracking per-run progress.
	ProgressKeyPrefix = "cockpit:progress:"

	// ResultTTL is how long task results are retained in the result store.
	ResultTTL = 24 * time.Hour

	// TaskTimeLimit is the soft per-task execution limit. Executors receive
	// a context that expires after this much time.
	TaskTimeLimit = time.Hour

	// MaxTasksPerChild recycles a worker child after this many tasks to
	// bound memory growth.
	MaxTasksPerChild = 100

	// WorkerConcurrency is the default number of child executors per worker
	// process.
	WorkerConcurrency = 4

	// ConsumePollTimeout is the BRPOP timeout used while draining queues;
	// it bounds how long shutdown waits for an idle child.
	ConsumePollTimeout = 5 * time.Second
)

const (
	// SchedulerTickInterval is how often due schedules are evaluated.
	SchedulerTickInterval = 30 * time.Second

	// SchedulerLockKey is the redis key holding the scheduler leader lock.
	SchedulerLockKey = "cockpit:scheduler:leader"

	// SchedulerLockTTL is the TTL on the leader lock. A crashed scheduler
	// is replaced within this window.
	SchedulerLockTTL = 90 * time.Second
)

const (
	// AgentChannelPrefix is the pub/sub topic prefix agents subscribe to.
	AgentChannelPrefix = "cockpit-agent:"

	// AgentResponseChannelPrefix is the pub/sub topic prefix agents publish
	// responses on.
	AgentResponseChannelPrefix = "cockpit-agent-response:"

	// AgentRegistryPrefix prefixes per-agent heartbeat hashes.
	AgentRegistryPrefix = "agents:"

	// AgentHeartbeatInterval is how often agents refresh their registry
	// entry.
	AgentHeartbeatInterval = 30 * time.Second

	// AgentOfflineAfter marks an agent offline once its last heartbeat is
	// older than this. Equals 3x the heartbeat interval, which is also the
	// TTL on the registry hash.
	AgentOfflineAfter = 3 * AgentHeartbeatInterval

	// AgentCommandTimeout is the default wait for a command response.
	AgentCommandTimeout = 30 * time.Second

	// AgentCommandMaxTimeout is the hard ceiling on caller-specified agent
	// command timeouts.
	AgentCommandMaxTimeout = 24 * time.Hour

	// AgentGitPullTimeout is the wait applied by the git-pull convenience
	// endpoint.
	AgentGitPullTimeout = 30 * time.Second

	// AgentDockerRestartTimeout is the wait applied by the docker-restart
	// convenience endpoint.
	AgentDockerRestartTimeout = 60 * time.Second
)

const (
	// AccessTokenTTL is the lifetime of issued JWT access tokens.
	AccessTokenTTL = 8 * time.Hour

	// PasswordHashIterations is the PBKDF2 iteration count for stored user
	// passwords.
	PasswordHashIterations = 600000

	// VaultKDFIterations is the PBKDF2 iteration count for the vault key.
	// Matches the on-disk format of existing deployments, so changing it
	// invalidates every stored ciphertext.
	VaultKDFIterations = 100000

	// CredentialExpiryWarning is the window in which credentials report an
	// expiring status before valid_until passes.
	CredentialExpiryWarning = 7 * 24 * time.Hour
)

const (
	// GatewayRetryAttempts is how many times a Nautobot or CheckMK call is
	// tried before the error surfaces to the executor.
	GatewayRetryAttempts = 3

	// GatewayRetryBase is the first backoff step between attempts; each
	// further attempt doubles it, with jitter.
	GatewayRetryBase = 500 * time.Millisecond

	// NautobotCacheTTL bounds staleness of cached gateway reads.
	NautobotCacheTTL = 30 * time.Minute

	// NautobotCachePrefix prefixes redis keys of the gateway cache.
	NautobotCachePrefix = "cockpit:nautobot:"

	// NautobotPageSize is the REST pagination window for list calls.
	NautobotPageSize = 200
)

const (
	// GitWorkDir is where managed working copies live. One subdirectory
	// per configured repository, shared by all tasks on a worker.
	GitWorkDir = "/var/lib/cockpit/repos"

	// GitCommitterName and GitCommitterEmail stamp automated commits.
	GitCommitterName  = "cockpit"
	GitCommitterEmail = "cockpit@localhost"

	// GitOpTimeout bounds a single clone, fetch or push.
	GitOpTimeout = 120 * time.Second
)

const (
	// SSHConnectTimeout bounds the TCP+handshake phase of device SSH.
	SSHConnectTimeout = 15 * time.Second

	// SSHCommandTimeout bounds a single show command on a device.
	SSHCommandTimeout = 60 * time.Second

	// MaxScanHosts caps the number of addresses expanded from a single
	// prefix during a scan. /16 networks are the largest we sweep.
	MaxScanHosts = 65536

	// ScanPingCount is how many probes a scan sends per address when the
	// template does not say otherwise.
	ScanPingCount = 3

	// ScanPingTimeout bounds a single probe.
	ScanPingTimeout = 2 * time.Second
)

const (
	// AuditPageSize is the default page size of audit log queries.
	AuditPageSize = 50

	// AuditMaxPageSize caps the page size of audit log queries.
	AuditMaxPageSize = 500

	// APIRateLimit is the per-client-IP sustained request rate.
	APIRateLimit = 20

	// APIRateBurst is the per-client-IP burst allowance.
	APIRateBurst = 60
)
