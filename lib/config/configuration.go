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

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/service"
	"github.com/netcockpit/cockpit/lib/utils"
)

// CommandLineFlags carries what the start command parsed.
type CommandLineFlags struct {
	// ConfigFile is the path to the YAML config, empty for the default
	// location.
	ConfigFile string
	// Roles overrides the configured role list.
	Roles string
	// ListenAddr overrides the API bind address.
	ListenAddr string
	// Debug forces debug logging.
	Debug bool
}

// DefaultConfigPath is consulted when no --config flag is given.
const DefaultConfigPath = "/etc/cockpit.yaml"

// Configure merges file config, environment and command line flags into
// a service config, initializing the process logger along the way.
func Configure(flags CommandLineFlags) (*service.Config, error) {
	path := flags.ConfigFile
	if path == "" {
		path = DefaultConfigPath
	}
	fc, err := ReadConfigFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if fc == nil && flags.ConfigFile != "" {
		return nil, trace.NotFound("config file %v does not exist", flags.ConfigFile)
	}

	cfg := &service.Config{}
	if fc != nil {
		if err := ApplyFileConfig(fc, cfg); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	if flags.Roles != "" {
		roles, err := service.ParseRoles(flags.Roles)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.Roles = roles
	}
	if flags.ListenAddr != "" {
		cfg.ListenAddr = flags.ListenAddr
	}

	severity := "info"
	format := utils.LogFormatText
	if fc != nil {
		if fc.Global.LogLevel != "" {
			severity = fc.Global.LogLevel
		}
		if fc.Global.LogFormat != "" {
			format = fc.Global.LogFormat
		}
	}
	if flags.Debug || cfg.Debug {
		severity = "debug"
		cfg.Debug = true
	}
	log, _, err := utils.InitLogger(utils.LogConfig{Severity: severity, Format: format})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Log = log.With(cockpit.ComponentKey, cockpit.ComponentProcess)

	return cfg, nil
}

// ApplyFileConfig copies the file config onto the service config. Only
// set fields are copied, so the environment and flags can still override.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc.Global.Roles != "" {
		roles, err := service.ParseRoles(fc.Global.Roles)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Roles = roles
	}
	if fc.Global.DataDir != "" {
		cfg.DataDir = fc.Global.DataDir
	}
	if fc.Global.ListenAddr != "" {
		cfg.ListenAddr = fc.Global.ListenAddr
	}
	if fc.Database.URL != "" {
		cfg.DatabaseURL = fc.Database.URL
	}
	if fc.Redis.URL != "" {
		cfg.RedisURL = fc.Redis.URL
	}

	cfg.Broker.DefaultQueue = fc.Broker.DefaultQueue
	cfg.Broker.Queues = fc.Broker.Queues
	cfg.Broker.Routes = fc.Broker.Routes
	cfg.Broker.WorkerQueues = fc.Broker.WorkerQueues
	cfg.Broker.Concurrency = fc.Broker.Concurrency
	cfg.Broker.MaxTasksPerChild = fc.Broker.MaxTasksPerChild
	cfg.Broker.TaskTimeLimit = fc.Broker.TaskTimeLimit.Std()
	cfg.Broker.ResultTTL = fc.Broker.ResultTTL.Std()

	cfg.SchedulerTick = fc.Scheduler.TickInterval.Std()
	cfg.TokenTTL = fc.Auth.TokenTTL.Std()

	cfg.Nautobot.URL = fc.Nautobot.URL
	cfg.Nautobot.VerifySSL = boolOr(fc.Nautobot.VerifySSL, true)
	cfg.Nautobot.CacheTTL = fc.Nautobot.CacheTTL.Std()

	cfg.CheckMK.URL = fc.CheckMK.URL
	cfg.CheckMK.Site = fc.CheckMK.Site
	cfg.CheckMK.Username = fc.CheckMK.Username
	cfg.CheckMK.VerifySSL = boolOr(fc.CheckMK.VerifySSL, true)
	cfg.CheckMK.FolderTemplate = fc.CheckMK.FolderTemplate
	cfg.CheckMK.IgnoreAttributes = fc.CheckMK.IgnoreAttributes
	cfg.CheckMK.SNMPMappingFile = fc.CheckMK.SNMPMappingFile
	cfg.CheckMK.SNMPCustomFieldID = fc.CheckMK.SNMPCustomFieldID

	cfg.Git.WorkDir = fc.Git.WorkDir
	cfg.Git.AuthorName = fc.Git.AuthorName
	cfg.Git.AuthorEmail = fc.Git.AuthorEmail

	return nil
}

// ApplyEnv overlays environment variables onto the service config.
// Secrets only ever come from here.
func ApplyEnv(cfg *service.Config) error {
	// SECRET_KEY is accepted as a fallback for compatibility with older
	// deployments.
	if v := os.Getenv(cockpit.SecretKeyEnvVar); v != "" {
		cfg.SecretKey = v
	} else if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("COCKPIT_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("COCKPIT_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("COCKPIT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("COCKPIT_ROLES"); v != "" {
		roles, err := service.ParseRoles(v)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Roles = roles
	}
	if v := os.Getenv("COCKPIT_NAUTOBOT_URL"); v != "" {
		cfg.Nautobot.URL = v
	}
	if v := os.Getenv("COCKPIT_NAUTOBOT_TOKEN"); v != "" {
		cfg.Nautobot.Token = v
	}
	if v := os.Getenv("COCKPIT_CHECKMK_URL"); v != "" {
		cfg.CheckMK.URL = v
	}
	if v := os.Getenv("COCKPIT_CHECKMK_SITE"); v != "" {
		cfg.CheckMK.Site = v
	}
	if v := os.Getenv("COCKPIT_CHECKMK_USERNAME"); v != "" {
		cfg.CheckMK.Username = v
	}
	if v := os.Getenv("COCKPIT_CHECKMK_SECRET"); v != "" {
		cfg.CheckMK.Secret = v
	}
	if v := os.Getenv("COCKPIT_SCHEDULER_TICK"); v != "" {
		tick, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("malformed COCKPIT_SCHEDULER_TICK %q: %v", v, err)
		}
		cfg.SchedulerTick = tick
	}
	if v := os.Getenv(cockpit.DebugEnvVar); v != "" {
		debug, err := strconv.ParseBool(v)
		if err == nil && debug {
			cfg.Debug = true
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
