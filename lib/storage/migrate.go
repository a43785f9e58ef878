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
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gravitational/trace"
)

// Migration is a named, one-shot data change. Schema shape lives in the
// declarative schema; migrations carry seeds and data rewrites that must
// run exactly once. Names are unique and migrations run in declaration
// order.
type Migration struct {
	Name        string
	Description string
	SQL         string
}

// Checksum returns the hex SHA-256 of the migration body. It is recorded
// when the migration is applied and verified on every subsequent run, so a
// historical migration can never be edited unnoticed.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

var migrations = []Migration{
	{
		Name:        "create_builtin_roles",
		Description: "Seed the admin and viewer builtin roles",
		SQL: `INSERT INTO roles (name, description, builtin)
VALUES ('admin', 'Full access to every resource', TRUE),
       ('viewer', 'Read access to every resource', TRUE)
ON CONFLICT (name) DO NOTHING`,
	},
	{
		Name:        "seed_permissions",
		Description: "Seed the resource/action permission catalog",
		SQL: `INSERT INTO permissions (resource, action)
SELECT r.resource, a.action
FROM unnest(ARRAY['devices', 'jobs', 'credentials', 'users', 'settings', 'audit', 'agents', 'inventories']) AS r(resource)
CROSS JOIN unnest(ARRAY['read', 'write', 'delete', 'run']) AS a(action)
ON CONFLICT (resource, action) DO NOTHING`,
	},
	{
		Name:        "grant_admin_all_permissions",
		Description: "Grant every permission to the admin role",
		SQL: `INSERT INTO role_permissions (role_id, permission_id)
SELECT r.id, p.id FROM roles r CROSS JOIN permissions p
WHERE r.name = 'admin'
ON CONFLICT (role_id, permission_id) DO NOTHING`,
	},
	{
		Name:        "grant_viewer_read_permissions",
		Description: "Grant read permissions to the viewer role",
		SQL: `INSERT INTO role_permissions (role_id, permission_id)
SELECT r.id, p.id FROM roles r CROSS JOIN permissions p
WHERE r.name = 'viewer' AND p.action = 'read'
ON CONFLICT (role_id, permission_id) DO NOTHING`,
	},
	{
		Name:        "default_offboarding_settings",
		Description: "Seed the default device offboarding settings",
		SQL: `INSERT INTO settings (name, value, updated_by)
VALUES ('device_offboarding',
        '{"nautobot_integration_mode": "set-offboarding", "offboarding_status": "Offboarding", "remove_primary_ip": false, "remove_interface_ips": false, "remove_from_checkmk": true}',
        'migration')
ON CONFLICT (name) DO NOTHING`,
	},
}

// MigrationRecord is one row of schema_migrations.
type MigrationRecord struct {
	ID          int64     `json:"id"`
	Name        string    `json:"migration_name"`
	AppliedAt   time.Time `json:"applied_at"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
}

// MigrationReport summarises one RunMigrations pass. On an already
// up-to-date database everything but MigrationsSkipped is zero.
type MigrationReport struct {
	TablesCreated     int      `json:"tables_created"`
	ColumnsAdded      int      `json:"columns_added"`
	IndexesCreated    int      `json:"indexes_created"`
	MigrationsApplied []string `json:"migrations_applied,omitempty"`
	MigrationsSkipped int      `json:"migrations_skipped"`
}

// RunMigrations brings the database fully up to date: the declared schema
// is synchronised first, then pending data migrations run in order. Before
// applying anything it verifies that every recorded migration still matches
// its checksum and fails hard on a mismatch, since that means history was
// rewritten under a live database.
func (s *Store) RunMigrations(ctx context.Context) (*MigrationReport, error) {
	changes, err := s.SyncSchema(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	report := &MigrationReport{
		TablesCreated:  changes.TablesCreated,
		ColumnsAdded:   changes.ColumnsAdded,
		IndexesCreated: changes.IndexesCreated,
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	byName := make(map[string]MigrationRecord, len(applied))
	for _, rec := range applied {
		byName[rec.Name] = rec
	}

	for _, m := range migrations {
		if rec, ok := byName[m.Name]; ok {
			if rec.Checksum != m.Checksum() {
				return nil, trace.CompareFailed("migration %q was modified after being applied: checksum %s does not match recorded %s",
					m.Name, m.Checksum(), rec.Checksum)
			}
			report.MigrationsSkipped++
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return nil, trace.Wrap(err, "applying migration %q", m.Name)
		}
		report.MigrationsApplied = append(report.MigrationsApplied, m.Name)
		s.log.InfoContext(ctx, "Applied migration", "name", m.Name)
	}
	return report, nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		tx.Rollback(ctx)
		return convertError(err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (migration_name, description, checksum, applied_at) VALUES ($1, $2, $3, $4)",
		m.Name, m.Description, m.Checksum(), s.now(),
	); err != nil {
		tx.Rollback(ctx)
		return convertError(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

func (s *Store) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, migration_name, applied_at, description, checksum FROM schema_migrations ORDER BY id")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.AppliedAt, &rec.Description, &rec.Checksum); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, rec)
	}
	return out, trace.Wrap(rows.Err())
}

// MigrationStatus lists every recorded migration and the ones still pending.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationRecord, []Migration, error) {
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	appliedSet := make(map[string]struct{}, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Name] = struct{}{}
	}
	var pending []Migration
	for _, m := range migrations {
		if _, ok := appliedSet[m.Name]; !ok {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}
