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

// Package config reads the YAML configuration file and the environment
// and produces a service.Config. Precedence, lowest to highest: built-in
// defaults, config file, environment, command line flags. Secrets never
// live in the file; the secret key comes from the environment only.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Duration parses Go duration strings ("30s", "10m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.BadParameter("expected a duration string: %v", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("malformed duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig is the on-disk configuration file, usually
// /etc/cockpit.yaml.
type FileConfig struct {
	Global    Global           `yaml:"cockpit,omitempty"`
	Database  Database         `yaml:"database,omitempty"`
	Redis     Redis            `yaml:"redis,omitempty"`
	Broker    Broker           `yaml:"broker,omitempty"`
	Scheduler SchedulerSection `yaml:"scheduler,omitempty"`
	Auth      AuthSection      `yaml:"auth,omitempty"`
	Nautobot  NautobotSection  `yaml:"nautobot,omitempty"`
	CheckMK   CheckMKSection   `yaml:"checkmk,omitempty"`
	Git       GitSection       `yaml:"git,omitempty"`
}

// Global holds process-wide settings.
type Global struct {
	// Roles is a comma separated list: api, worker, scheduler. Empty
	// runs all three.
	Roles string `yaml:"roles,omitempty"`
	// DataDir is the local state directory.
	DataDir string `yaml:"data_dir,omitempty"`
	// ListenAddr is the API bind address, host:port.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format,omitempty"`
}

// Database points at PostgreSQL.
type Database struct {
	// URL is a postgres:// connection string.
	URL string `yaml:"url,omitempty"`
}

// Redis points at the redis instance backing queues, caches and the
// agent bus.
type Redis struct {
	// URL is a redis:// or rediss:// connection string.
	URL string `yaml:"url,omitempty"`
}

// Broker is the file-level task queue topology. The settings table can
// override it at boot.
type Broker struct {
	DefaultQueue string   `yaml:"default_queue,omitempty"`
	Queues       []string `yaml:"queues,omitempty"`
	// Routes maps task name (or "prefix.*") to queue.
	Routes map[string]string `yaml:"routes,omitempty"`
	// WorkerQueues restricts this worker to a subset of queues.
	WorkerQueues     []string `yaml:"worker_queues,omitempty"`
	Concurrency      int      `yaml:"concurrency,omitempty"`
	MaxTasksPerChild int      `yaml:"max_tasks_per_child,omitempty"`
	// TaskTimeLimit is a Go duration string, for example "30m".
	TaskTimeLimit Duration `yaml:"task_time_limit,omitempty"`
	ResultTTL     Duration `yaml:"result_ttl,omitempty"`
}

// SchedulerSection tunes the schedule evaluator.
type SchedulerSection struct {
	TickInterval Duration `yaml:"tick_interval,omitempty"`
}

// AuthSection tunes sessions. The signing secret itself never appears
// here.
type AuthSection struct {
	TokenTTL Duration `yaml:"token_ttl,omitempty"`
}

// NautobotSection points at the source-of-truth inventory. The API token
// comes from the environment, not from here.
type NautobotSection struct {
	URL       string   `yaml:"url,omitempty"`
	VerifySSL *bool    `yaml:"verify_ssl,omitempty"`
	CacheTTL  Duration `yaml:"cache_ttl,omitempty"`
}

// CheckMKSection points at the monitoring system. The automation secret
// comes from the environment.
type CheckMKSection struct {
	URL               string   `yaml:"url,omitempty"`
	Site              string   `yaml:"site,omitempty"`
	Username          string   `yaml:"username,omitempty"`
	VerifySSL         *bool    `yaml:"verify_ssl,omitempty"`
	FolderTemplate    string   `yaml:"folder_template,omitempty"`
	IgnoreAttributes  []string `yaml:"ignore_attributes,omitempty"`
	SNMPMappingFile   string   `yaml:"snmp_mapping_file,omitempty"`
	SNMPCustomFieldID string   `yaml:"snmp_custom_field_id,omitempty"`
}

// GitSection controls backup working copies.
type GitSection struct {
	WorkDir     string `yaml:"work_dir,omitempty"`
	AuthorName  string `yaml:"author_name,omitempty"`
	AuthorEmail string `yaml:"author_email,omitempty"`
}

// ReadConfigFile reads and parses the configuration file at path. A
// missing file is not an error: everything can come from the environment.
func ReadConfigFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig parses the YAML configuration from the reader. Unknown keys
// are rejected so typos fail loudly at startup instead of silently
// falling back to defaults.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return &fc, nil
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}
