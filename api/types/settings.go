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

import "time"

// Setting group names. Each group is a singleton row in the settings table.
const (
	SettingsNautobot         = "nautobot"
	SettingsCheckMK          = "checkmk"
	SettingsGit              = "git"
	SettingsCache            = "cache"
	SettingsBroker           = "broker"
	SettingsNautobotDefaults = "nautobot_defaults"
	SettingsOffboarding      = "device_offboarding"
)

// NautobotSettings configures the Nautobot gateway.
type NautobotSettings struct {
	URL       string `json:"url" yaml:"url"`
	Token     string `json:"token" yaml:"token"`
	VerifySSL bool   `json:"verify_ssl" yaml:"verify_ssl"`
	// Timeout is the per-request timeout in seconds; zero uses the default.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CheckMKSettings configures the CheckMK gateway.
type CheckMKSettings struct {
	URL       string `json:"url" yaml:"url"`
	Site      string `json:"site" yaml:"site"`
	Username  string `json:"username" yaml:"username"`
	Secret    string `json:"secret" yaml:"secret"`
	VerifySSL bool   `json:"verify_ssl" yaml:"verify_ssl"`
	// FolderTemplate renders the target folder from device attributes,
	// e.g. "/network/{location.parent.name}/{location.name}".
	FolderTemplate string `json:"folder_template,omitempty" yaml:"folder_template,omitempty"`
	// IgnoreAttributes are excluded from host comparison in addition to
	// meta_data.
	IgnoreAttributes []string `json:"ignore_attributes,omitempty" yaml:"ignore_attributes,omitempty"`
	// SNMPMappingFile resolves custom-field values to SNMP communities.
	SNMPMappingFile string `json:"snmp_mapping_file,omitempty" yaml:"snmp_mapping_file,omitempty"`
	// SNMPCustomFieldID is the Nautobot custom field keying the mapping.
	SNMPCustomFieldID string `json:"snmp_custom_field_id,omitempty" yaml:"snmp_custom_field_id,omitempty"`
}

// QueueConfig names a broker queue with its AMQP-style addressing.
type QueueConfig struct {
	Name       string `json:"name" yaml:"name"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

// BrokerSettings holds the data-driven queue topology. Workers started
// without an explicit queue list subscribe to all configured queues.
type BrokerSettings struct {
	Queues []QueueConfig `json:"queues" yaml:"queues"`
	// Routes maps task name → queue name; "*" is the default route.
	Routes map[string]string `json:"routes" yaml:"routes"`
	// WorkerConcurrency overrides the per-process child count.
	WorkerConcurrency int `json:"worker_concurrency,omitempty" yaml:"worker_concurrency,omitempty"`
	// MaxTasksPerChild overrides the child recycle threshold.
	MaxTasksPerChild int `json:"max_tasks_per_child,omitempty" yaml:"max_tasks_per_child,omitempty"`
	// TaskTimeLimitSeconds overrides the soft per-task limit.
	TaskTimeLimitSeconds int `json:"task_time_limit_seconds,omitempty" yaml:"task_time_limit_seconds,omitempty"`
	// ResultTTLSeconds overrides result retention.
	ResultTTLSeconds int `json:"result_ttl_seconds,omitempty" yaml:"result_ttl_seconds,omitempty"`
}

// CacheSettings tunes the gateway cache.
type CacheSettings struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	TTLMinutes int  `json:"ttl_minutes,omitempty" yaml:"ttl_minutes,omitempty"`
}

// NautobotDefaults are fallback attribute names used when writing into
// Nautobot.
type NautobotDefaults struct {
	DeviceStatus    string `json:"device_status,omitempty" yaml:"device_status,omitempty"`
	IPAddressStatus string `json:"ip_address_status,omitempty" yaml:"ip_address_status,omitempty"`
	Namespace       string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// OffboardingSettings drive the device offboarding operation.
type OffboardingSettings struct {
	// IntegrationMode is either "remove" (hard delete from Nautobot) or
	// "set-offboarding" (flip status and keep the record).
	IntegrationMode string `json:"nautobot_integration_mode" yaml:"nautobot_integration_mode"`
	// OffboardingStatus is the status applied in set-offboarding mode.
	OffboardingStatus  string `json:"offboarding_status,omitempty" yaml:"offboarding_status,omitempty"`
	RemovePrimaryIP    bool   `json:"remove_primary_ip" yaml:"remove_primary_ip"`
	RemoveInterfaceIPs bool   `json:"remove_interface_ips" yaml:"remove_interface_ips"`
	RemoveFromCheckMK  bool   `json:"remove_from_checkmk" yaml:"remove_from_checkmk"`
}

// Offboarding integration modes.
const (
	OffboardRemove         = "remove"
	OffboardSetOffboarding = "set-offboarding"
)

// GitSettings configures the shared git identity used for backup commits.
type GitSettings struct {
	AuthorName  string `json:"author_name" yaml:"author_name"`
	AuthorEmail string `json:"author_email" yaml:"author_email"`
	// WorkDir is where working copies are checked out.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// Setting is one persisted singleton group, stored as JSON.
type Setting struct {
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
