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

package service

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// Config holds everything a Process needs to start. File config and
// environment overlays produce one of these; see lib/config.
type Config struct {
	// Roles selects which loops this process runs. At least one of
	// cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler.
	Roles []string

	// DataDir is where the process keeps working state (git clones,
	// rendered configs).
	DataDir string

	// ListenAddr is the API listen address, host:port.
	ListenAddr string

	// SecretKey encrypts the credential vault and signs session tokens.
	// There is no default and no fallback: a process without it refuses
	// to start.
	SecretKey string

	// DatabaseURL is a postgres connection string.
	DatabaseURL string

	// RedisURL is a redis connection URL (redis:// or rediss://).
	RedisURL string

	Broker   BrokerConfig
	Nautobot NautobotConfig
	CheckMK  CheckMKConfig
	Git      GitConfig

	// SchedulerTick is how often the scheduler evaluates cron expressions.
	SchedulerTick time.Duration

	// TokenTTL is the access token lifetime; zero selects the default.
	TokenTTL time.Duration

	Debug bool

	Log   *slog.Logger
	Clock clockwork.Clock
}

// BrokerConfig is the task queue topology. The settings table can
// override every field at boot.
type BrokerConfig struct {
	DefaultQueue string
	// Queues is every queue that exists; Routes maps task name (or
	// "prefix.*") to queue.
	Queues []string
	Routes map[string]string
	// WorkerQueues restricts which queues this worker consumes. Empty
	// means all of Queues.
	WorkerQueues     []string
	Concurrency      int
	MaxTasksPerChild int
	TaskTimeLimit    time.Duration
	ResultTTL        time.Duration
}

// NautobotConfig points at the source-of-truth inventory.
type NautobotConfig struct {
	URL       string
	Token     string
	VerifySSL bool
	CacheTTL  time.Duration
}

// CheckMKConfig points at the monitoring system. An empty URL disables
// monitoring integration.
type CheckMKConfig struct {
	URL               string
	Site              string
	Username          string
	Secret            string
	VerifySSL         bool
	FolderTemplate    string
	IgnoreAttributes  []string
	SNMPMappingFile   string
	SNMPCustomFieldID string
}

// GitConfig controls config-backup working copies.
type GitConfig struct {
	WorkDir     string
	AuthorName  string
	AuthorEmail string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Roles) == 0 {
		c.Roles = []string{cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler}
	}
	for _, role := range c.Roles {
		switch role {
		case cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler:
		default:
			return trace.BadParameter("unknown role %q", role)
		}
	}
	if c.SecretKey == "" {
		return trace.BadParameter("secret key is not set, export %v before starting", cockpit.SecretKeyEnvVar)
	}
	if c.DatabaseURL == "" {
		return trace.BadParameter("database URL is not set")
	}
	if c.RedisURL == "" {
		return trace.BadParameter("redis URL is not set")
	}
	if c.Nautobot.URL == "" {
		return trace.BadParameter("nautobot URL is not set")
	}
	if c.Nautobot.Token == "" {
		return trace.BadParameter("nautobot token is not set")
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("%v:%v", defaults.BindIP, defaults.HTTPListenPort)
	}
	if c.Broker.DefaultQueue == "" {
		c.Broker.DefaultQueue = defaults.DefaultQueue
	}
	if len(c.Broker.Queues) == 0 {
		c.Broker.Queues = []string{c.Broker.DefaultQueue}
	}
	if !slices.Contains(c.Broker.Queues, c.Broker.DefaultQueue) {
		c.Broker.Queues = append(c.Broker.Queues, c.Broker.DefaultQueue)
	}
	if c.Broker.Concurrency <= 0 {
		c.Broker.Concurrency = defaults.WorkerConcurrency
	}
	if c.Broker.ResultTTL <= 0 {
		c.Broker.ResultTTL = defaults.ResultTTL
	}
	if c.Nautobot.CacheTTL <= 0 {
		c.Nautobot.CacheTTL = defaults.NautobotCacheTTL
	}
	if c.Git.WorkDir == "" {
		c.Git.WorkDir = defaults.GitWorkDir
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = defaults.SchedulerTickInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(cockpit.ComponentKey, cockpit.ComponentProcess)
	}
	return nil
}
