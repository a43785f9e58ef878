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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

func validConfig() *Config {
	return &Config{
		SecretKey:   "static-test-secret",
		DatabaseURL: "postgres://cockpit@localhost/cockpit",
		RedisURL:    "redis://localhost:6379/0",
		Nautobot: NautobotConfig{
			URL:   "https://nautobot.example.com",
			Token: "token",
		},
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, []string{cockpit.RoleAPI, cockpit.RoleWorker, cockpit.RoleScheduler}, cfg.Roles)
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	require.Equal(t, defaults.DefaultQueue, cfg.Broker.DefaultQueue)
	require.Contains(t, cfg.Broker.Queues, defaults.DefaultQueue)
	require.Equal(t, defaults.WorkerConcurrency, cfg.Broker.Concurrency)
	require.Equal(t, defaults.SchedulerTickInterval, cfg.SchedulerTick)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Log)
}

func TestConfigRequiresSecretKey(t *testing.T) {
	cfg := validConfig()
	cfg.SecretKey = ""
	err := cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, cockpit.SecretKeyEnvVar)
}

func TestConfigRejectsUnknownRole(t *testing.T) {
	cfg := validConfig()
	cfg.Roles = []string{"beat"}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestConfigDefaultQueueAlwaysPresent(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Queues = []string{"deploy", "net"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.ElementsMatch(t, []string{"deploy", "net", defaults.DefaultQueue}, cfg.Broker.Queues)
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles("api, worker")
	require.NoError(t, err)
	require.Equal(t, []string{cockpit.RoleAPI, cockpit.RoleWorker}, roles)

	_, err = ParseRoles("api,flower")
	require.True(t, trace.IsBadParameter(err))

	_, err = ParseRoles(" , ")
	require.True(t, trace.IsBadParameter(err))
}

func TestMergeBrokerSettings(t *testing.T) {
	base := BrokerConfig{
		DefaultQueue:  "default",
		Queues:        []string{"default"},
		Routes:        map[string]string{"*": "default"},
		Concurrency:   4,
		TaskTimeLimit: time.Hour,
		ResultTTL:     24 * time.Hour,
	}

	t.Run("empty settings keep the file config", func(t *testing.T) {
		merged := mergeBrokerSettings(base, types.BrokerSettings{})
		require.Equal(t, base, merged)
	})

	t.Run("stored topology wins", func(t *testing.T) {
		merged := mergeBrokerSettings(base, types.BrokerSettings{
			Queues: []types.QueueConfig{{Name: "default"}, {Name: "deploy"}},
			Routes: map[string]string{
				"jobs.deploy_config": "deploy",
				"*":                  "default",
			},
			WorkerConcurrency:    8,
			TaskTimeLimitSeconds: 600,
			ResultTTLSeconds:     3600,
		})
		require.Equal(t, []string{"default", "deploy"}, merged.Queues)
		require.Equal(t, "deploy", merged.Routes["jobs.deploy_config"])
		require.Equal(t, 8, merged.Concurrency)
		require.Equal(t, 10*time.Minute, merged.TaskTimeLimit)
		require.Equal(t, time.Hour, merged.ResultTTL)
		// The default queue itself is untouched.
		require.Equal(t, "default", merged.DefaultQueue)
	})
}
