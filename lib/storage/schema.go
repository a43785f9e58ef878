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

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// column is one declared column. def carries the type and column
// constraints exactly as they appear in DDL.
type column struct {
	name string
	def  string
}

// index is one declared index.
type index struct {
	name    string
	table   string
	unique  bool
	columns string
}

// table is a declaratively defined table. constraint optionally holds a
// table-level constraint such as a composite primary key.
type table struct {
	name       string
	columns    []column
	constraint string
}

// schema declares every table the control plane owns. Synchronisation is
// strictly additive: missing tables, columns and indexes are created,
// nothing is ever dropped or altered in place. Destructive changes go
// through versioned migrations instead.
var schema = []table{
	{
		name: "users",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"username", "TEXT NOT NULL UNIQUE"},
			{"display_name", "TEXT NOT NULL DEFAULT ''"},
			{"email", "TEXT NOT NULL DEFAULT ''"},
			{"active", "BOOLEAN NOT NULL DEFAULT TRUE"},
			{"password_hash", "TEXT NOT NULL"},
			{"last_login", "TIMESTAMPTZ"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "roles",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"name", "TEXT NOT NULL UNIQUE"},
			{"description", "TEXT NOT NULL DEFAULT ''"},
			{"builtin", "BOOLEAN NOT NULL DEFAULT FALSE"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "permissions",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"resource", "TEXT NOT NULL"},
			{"action", "TEXT NOT NULL"},
		},
	},
	{
		name: "role_permissions",
		columns: []column{
			{"role_id", "BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE"},
			{"permission_id", "BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE"},
		},
		constraint: "PRIMARY KEY (role_id, permission_id)",
	},
	{
		name: "user_roles",
		columns: []column{
			{"user_id", "BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE"},
			{"role_id", "BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE"},
		},
		constraint: "PRIMARY KEY (user_id, role_id)",
	},
	{
		name: "user_profiles",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"user_id", "BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE"},
			{"key_name", "TEXT NOT NULL DEFAULT ''"},
			{"api_key_hash", "TEXT NOT NULL UNIQUE"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"last_used", "TIMESTAMPTZ"},
		},
	},
	{
		name: "credentials",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"name", "TEXT NOT NULL"},
			{"source", "TEXT NOT NULL DEFAULT 'local'"},
			{"username", "TEXT NOT NULL DEFAULT ''"},
			{"kind", "TEXT NOT NULL"},
			{"encrypted_password", "TEXT NOT NULL DEFAULT ''"},
			{"encrypted_ssh_key", "TEXT NOT NULL DEFAULT ''"},
			{"encrypted_passphrase", "TEXT NOT NULL DEFAULT ''"},
			{"valid_until", "TIMESTAMPTZ"},
			{"owner", "TEXT NOT NULL DEFAULT ''"},
			{"created_by", "TEXT NOT NULL DEFAULT ''"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "git_repositories",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"name", "TEXT NOT NULL UNIQUE"},
			{"url", "TEXT NOT NULL"},
			{"branch", "TEXT NOT NULL DEFAULT 'main'"},
			{"category", "TEXT NOT NULL DEFAULT ''"},
			{"credential_name", "TEXT NOT NULL DEFAULT ''"},
			{"auth_type", "TEXT NOT NULL DEFAULT 'none'"},
			{"verify_ssl", "BOOLEAN NOT NULL DEFAULT TRUE"},
			{"path", "TEXT NOT NULL DEFAULT ''"},
			{"active", "BOOLEAN NOT NULL DEFAULT TRUE"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "job_templates",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"name", "TEXT NOT NULL UNIQUE"},
			{"job_type", "TEXT NOT NULL"},
			{"inventory_source", "TEXT NOT NULL DEFAULT 'all'"},
			{"inventory_name", "TEXT NOT NULL DEFAULT ''"},
			{"parallel", "BOOLEAN NOT NULL DEFAULT FALSE"},
			{"non_overlapping", "BOOLEAN NOT NULL DEFAULT FALSE"},
			{"credential_name", "TEXT NOT NULL DEFAULT ''"},
			{"is_global", "BOOLEAN NOT NULL DEFAULT FALSE"},
			{"created_by", "TEXT NOT NULL DEFAULT ''"},
			{"config", "JSONB NOT NULL DEFAULT '{}'"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "job_schedules",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"template_id", "BIGINT NOT NULL REFERENCES job_templates(id) ON DELETE CASCADE"},
			{"cron_spec", "TEXT NOT NULL"},
			{"enabled", "BOOLEAN NOT NULL DEFAULT TRUE"},
			{"credential_id", "BIGINT"},
			{"last_run_at", "TIMESTAMPTZ"},
			{"created_by", "TEXT NOT NULL DEFAULT ''"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "job_runs",
		columns: []column{
			{"id", "TEXT PRIMARY KEY"},
			{"template_id", "BIGINT NOT NULL DEFAULT 0"},
			{"job_type", "TEXT NOT NULL"},
			{"status", "TEXT NOT NULL DEFAULT 'pending'"},
			{"started_by", "TEXT NOT NULL DEFAULT ''"},
			{"started_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"completed_at", "TIMESTAMPTZ"},
			{"progress_processed", "INTEGER NOT NULL DEFAULT 0"},
			{"progress_total", "INTEGER NOT NULL DEFAULT 0"},
			{"result_summary", "TEXT NOT NULL DEFAULT ''"},
			{"error", "TEXT NOT NULL DEFAULT ''"},
			{"metadata", "JSONB NOT NULL DEFAULT '{}'"},
		},
	},
	{
		name: "device_results",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"run_id", "TEXT NOT NULL REFERENCES job_runs(id) ON DELETE CASCADE"},
			{"device_name", "TEXT NOT NULL"},
			{"device_id", "TEXT NOT NULL DEFAULT ''"},
			{"status", "TEXT NOT NULL"},
			{"result", "JSONB NOT NULL DEFAULT '{}'"},
			{"error_message", "TEXT NOT NULL DEFAULT ''"},
			{"processed_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "inventories",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"name", "TEXT NOT NULL UNIQUE"},
			{"scope", "TEXT NOT NULL DEFAULT 'private'"},
			{"created_by", "TEXT NOT NULL DEFAULT ''"},
			{"conditions", "JSONB NOT NULL DEFAULT '{}'"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "settings",
		columns: []column{
			{"name", "TEXT PRIMARY KEY"},
			{"value", "JSONB NOT NULL DEFAULT '{}'"},
			{"updated_by", "TEXT NOT NULL DEFAULT ''"},
			{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "nb2cmk_jobs",
		columns: []column{
			{"id", "TEXT PRIMARY KEY"},
			{"status", "TEXT NOT NULL DEFAULT 'pending'"},
			{"started_by", "TEXT NOT NULL DEFAULT ''"},
			{"started_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"completed_at", "TIMESTAMPTZ"},
			{"progress_processed", "INTEGER NOT NULL DEFAULT 0"},
			{"progress_total", "INTEGER NOT NULL DEFAULT 0"},
			{"apply", "BOOLEAN NOT NULL DEFAULT FALSE"},
			{"error", "TEXT NOT NULL DEFAULT ''"},
		},
	},
	{
		name: "nb2cmk_job_results",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"job_id", "TEXT NOT NULL REFERENCES nb2cmk_jobs(id) ON DELETE CASCADE"},
			{"device_name", "TEXT NOT NULL"},
			{"outcome", "TEXT NOT NULL"},
			{"diff", "JSONB NOT NULL DEFAULT '[]'"},
			{"action", "TEXT NOT NULL DEFAULT 'none'"},
			{"error", "TEXT NOT NULL DEFAULT ''"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "audit_logs",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"username", "TEXT NOT NULL DEFAULT ''"},
			{"user_id", "BIGINT"},
			{"event_type", "TEXT NOT NULL"},
			{"message", "TEXT NOT NULL DEFAULT ''"},
			{"ip", "TEXT NOT NULL DEFAULT ''"},
			{"resource_type", "TEXT NOT NULL DEFAULT ''"},
			{"resource_id", "TEXT NOT NULL DEFAULT ''"},
			{"resource_name", "TEXT NOT NULL DEFAULT ''"},
			{"severity", "TEXT NOT NULL DEFAULT 'info'"},
			{"extra_data", "JSONB NOT NULL DEFAULT '{}'"},
			{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		},
	},
	{
		name: "agent_commands",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"agent_id", "TEXT NOT NULL"},
			{"command_id", "TEXT NOT NULL UNIQUE"},
			{"command", "TEXT NOT NULL"},
			{"params", "JSONB NOT NULL DEFAULT '{}'"},
			{"status", "TEXT NOT NULL DEFAULT 'pending'"},
			{"output", "TEXT NOT NULL DEFAULT ''"},
			{"error", "TEXT NOT NULL DEFAULT ''"},
			{"execution_time_ms", "BIGINT"},
			{"sent_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"completed_at", "TIMESTAMPTZ"},
			{"sent_by", "TEXT NOT NULL DEFAULT ''"},
		},
	},
	{
		name: "schema_migrations",
		columns: []column{
			{"id", "BIGSERIAL PRIMARY KEY"},
			{"migration_name", "TEXT NOT NULL UNIQUE"},
			{"applied_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"description", "TEXT NOT NULL DEFAULT ''"},
			{"checksum", "TEXT NOT NULL"},
		},
	},
}

var indexes = []index{
	{name: "permissions_resource_action_idx", table: "permissions", unique: true, columns: "resource, action"},
	{name: "credentials_name_source_idx", table: "credentials", unique: true, columns: "name, source"},
	{name: "job_schedules_enabled_idx", table: "job_schedules", columns: "enabled"},
	{name: "job_runs_status_idx", table: "job_runs", columns: "status"},
	{name: "job_runs_started_at_idx", table: "job_runs", columns: "started_at DESC"},
	{name: "job_runs_template_id_idx", table: "job_runs", columns: "template_id"},
	{name: "device_results_run_device_idx", table: "device_results", unique: true, columns: "run_id, device_name"},
	{name: "nb2cmk_job_results_job_id_idx", table: "nb2cmk_job_results", columns: "job_id"},
	{name: "audit_logs_created_at_idx", table: "audit_logs", columns: "created_at DESC"},
	{name: "audit_logs_event_type_idx", table: "audit_logs", columns: "event_type"},
	{name: "audit_logs_username_idx", table: "audit_logs", columns: "username"},
	{name: "agent_commands_agent_id_idx", table: "agent_commands", columns: "agent_id"},
}

func (t table) createStatement() string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		defs = append(defs, fmt.Sprintf("%s %s", c.name, c.def))
	}
	if t.constraint != "" {
		defs = append(defs, t.constraint)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.name, strings.Join(defs, ", "))
}

func (i index) createStatement() string {
	unique := ""
	if i.unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, i.name, i.table, i.columns)
}

// SchemaChanges counts what one SyncSchema pass actually created. A fully
// synchronised database reports all zeros.
type SchemaChanges struct {
	TablesCreated  int `json:"tables_created"`
	ColumnsAdded   int `json:"columns_added"`
	IndexesCreated int `json:"indexes_created"`
}

// SyncSchema brings the database up to the declared schema. Missing tables,
// columns and indexes are created; existing objects are left untouched, so
// the operation is safe to run on every startup. The database is
// introspected first so the returned report counts real changes, not
// statements issued.
func (s *Store) SyncSchema(ctx context.Context) (*SchemaChanges, error) {
	existingTables, existingColumns, err := s.existingTables(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existingIndexes, err := s.existingIndexes(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	changes := &SchemaChanges{}
	for _, t := range schema {
		if _, ok := existingTables[t.name]; !ok {
			if _, err := s.pool.Exec(ctx, t.createStatement()); err != nil {
				return nil, trace.Wrap(err, "creating table %s", t.name)
			}
			changes.TablesCreated++
			continue
		}
		// covers tables created by an older release with fewer columns
		for _, c := range t.columns {
			if _, ok := existingColumns[t.name+"."+c.name]; ok {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", t.name, c.name, c.def)
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return nil, trace.Wrap(err, "adding column %s.%s", t.name, c.name)
			}
			changes.ColumnsAdded++
		}
	}
	for _, i := range indexes {
		if _, ok := existingIndexes[i.name]; ok {
			continue
		}
		if _, err := s.pool.Exec(ctx, i.createStatement()); err != nil {
			return nil, trace.Wrap(err, "creating index %s", i.name)
		}
		changes.IndexesCreated++
	}
	s.log.InfoContext(ctx, "Schema synchronised",
		"tables_created", changes.TablesCreated,
		"columns_added", changes.ColumnsAdded,
		"indexes_created", changes.IndexesCreated)
	return changes, nil
}

func (s *Store) existingTables(ctx context.Context) (map[string]struct{}, map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = current_schema()")
	if err != nil {
		return nil, nil, convertError(err)
	}
	defer rows.Close()

	tables := map[string]struct{}{}
	columns := map[string]struct{}{}
	for rows.Next() {
		var tbl, col string
		if err := rows.Scan(&tbl, &col); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		tables[tbl] = struct{}{}
		columns[tbl+"."+col] = struct{}{}
	}
	return tables, columns, trace.Wrap(rows.Err())
}

func (s *Store) existingIndexes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT indexname FROM pg_indexes WHERE schemaname = current_schema()")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, trace.Wrap(err)
		}
		out[name] = struct{}{}
	}
	return out, trace.Wrap(rows.Err())
}
