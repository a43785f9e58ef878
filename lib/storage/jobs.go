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
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

// templateConfig is the JSONB envelope bundling the per-type sections of a
// job template into a single column.
type templateConfig struct {
	Backup *types.BackupConfig      `json:"backup,omitempty"`
	Cmds   *types.RunCommandsConfig `json:"run_commands,omitempty"`
	Sync   *types.SyncConfig        `json:"sync,omitempty"`
	Scan   *types.ScanConfig        `json:"scan,omitempty"`
	IPAM   *types.IPAddressesConfig `json:"ip_addresses,omitempty"`
	Deploy *types.DeployConfig      `json:"deploy,omitempty"`
}

func encodeTemplateConfig(t *types.JobTemplate) ([]byte, error) {
	raw, err := json.Marshal(templateConfig{
		Backup: t.Backup, Cmds: t.Cmds, Sync: t.Sync,
		Scan: t.Scan, IPAM: t.IPAM, Deploy: t.Deploy,
	})
	return raw, trace.Wrap(err)
}

func decodeTemplateConfig(raw []byte, t *types.JobTemplate) error {
	var cfg templateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return trace.Wrap(err)
	}
	t.Backup, t.Cmds, t.Sync = cfg.Backup, cfg.Cmds, cfg.Sync
	t.Scan, t.IPAM, t.Deploy = cfg.Scan, cfg.IPAM, cfg.Deploy
	return nil
}

const templateColumns = "id, name, job_type, inventory_source, inventory_name, parallel, non_overlapping, credential_name, is_global, created_by, config, created_at, updated_at"

func scanTemplate(scan func(dest ...any) error) (*types.JobTemplate, error) {
	var t types.JobTemplate
	var raw []byte
	err := scan(&t.ID, &t.Name, &t.JobType, &t.InventorySource, &t.InventoryName,
		&t.Parallel, &t.NonOverlapping, &t.CredentialName, &t.IsGlobal, &t.CreatedBy,
		&raw, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	if err := decodeTemplateConfig(raw, &t); err != nil {
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

// CreateJobTemplate inserts a template after validating it.
func (s *Store) CreateJobTemplate(ctx context.Context, t *types.JobTemplate) (*types.JobTemplate, error) {
	if err := t.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := encodeTemplateConfig(t)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.now()
	return scanTemplate(s.pool.QueryRow(ctx,
		`INSERT INTO job_templates (name, job_type, inventory_source, inventory_name, parallel, non_overlapping, credential_name, is_global, created_by, config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11) RETURNING `+templateColumns,
		t.Name, t.JobType, t.InventorySource, t.InventoryName, t.Parallel, t.NonOverlapping,
		t.CredentialName, t.IsGlobal, t.CreatedBy, raw, now,
	).Scan)
}

// GetJobTemplate fetches a template by ID.
func (s *Store) GetJobTemplate(ctx context.Context, id int64) (*types.JobTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, "SELECT "+templateColumns+" FROM job_templates WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("job template %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return t, nil
}

// GetJobTemplateByName fetches a template by its unique name.
func (s *Store) GetJobTemplateByName(ctx context.Context, name string) (*types.JobTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, "SELECT "+templateColumns+" FROM job_templates WHERE name = $1", name).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("job template %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return t, nil
}

// ListJobTemplates returns templates visible to username: global templates
// and the user's own. Empty username returns everything.
func (s *Store) ListJobTemplates(ctx context.Context, username string) ([]types.JobTemplate, error) {
	query := "SELECT " + templateColumns + " FROM job_templates"
	args := []any{}
	if username != "" {
		query += " WHERE is_global = TRUE OR created_by = $1"
		args = append(args, username)
	}
	query += " ORDER BY name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.JobTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *t)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateJobTemplate rewrites a template.
func (s *Store) UpdateJobTemplate(ctx context.Context, t *types.JobTemplate) error {
	if err := t.Check(); err != nil {
		return trace.Wrap(err)
	}
	raw, err := encodeTemplateConfig(t)
	if err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_templates SET job_type = $2, inventory_source = $3, inventory_name = $4, parallel = $5, non_overlapping = $6, credential_name = $7, is_global = $8, config = $9, updated_at = $10 WHERE id = $1`,
		t.ID, t.JobType, t.InventorySource, t.InventoryName, t.Parallel, t.NonOverlapping,
		t.CredentialName, t.IsGlobal, raw, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("job template %d not found", t.ID)
	}
	return nil
}

// DeleteJobTemplate removes a template and its schedules.
func (s *Store) DeleteJobTemplate(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM job_templates WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("job template %d not found", id)
	}
	return nil
}

const scheduleColumns = "id, template_id, cron_spec, enabled, credential_id, last_run_at, created_by, created_at"

func scanSchedule(scan func(dest ...any) error) (*types.JobSchedule, error) {
	var js types.JobSchedule
	err := scan(&js.ID, &js.TemplateID, &js.CronSpec, &js.Enabled, &js.CredentialID, &js.LastRunAt, &js.CreatedBy, &js.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &js, nil
}

// CreateJobSchedule inserts a schedule. The cron spec is validated by the
// scheduler before it gets here, the store only requires it non-empty.
func (s *Store) CreateJobSchedule(ctx context.Context, js *types.JobSchedule) (*types.JobSchedule, error) {
	if js.CronSpec == "" {
		return nil, trace.BadParameter("missing cron spec")
	}
	return scanSchedule(s.pool.QueryRow(ctx,
		`INSERT INTO job_schedules (template_id, cron_spec, enabled, credential_id, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+scheduleColumns,
		js.TemplateID, js.CronSpec, js.Enabled, js.CredentialID, js.CreatedBy, s.now(),
	).Scan)
}

// GetJobSchedule fetches a schedule by ID.
func (s *Store) GetJobSchedule(ctx context.Context, id int64) (*types.JobSchedule, error) {
	js, err := scanSchedule(s.pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM job_schedules WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("job schedule %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return js, nil
}

// ListJobSchedules returns every schedule, enabled or not.
func (s *Store) ListJobSchedules(ctx context.Context) ([]types.JobSchedule, error) {
	return s.listSchedules(ctx, "SELECT "+scheduleColumns+" FROM job_schedules ORDER BY id")
}

// ListEnabledSchedules returns the schedules the scheduler evaluates each
// tick.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]types.JobSchedule, error) {
	return s.listSchedules(ctx, "SELECT "+scheduleColumns+" FROM job_schedules WHERE enabled = TRUE ORDER BY id")
}

func (s *Store) listSchedules(ctx context.Context, query string, args ...any) ([]types.JobSchedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.JobSchedule
	for rows.Next() {
		js, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *js)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateJobSchedule rewrites a schedule.
func (s *Store) UpdateJobSchedule(ctx context.Context, js *types.JobSchedule) error {
	if js.CronSpec == "" {
		return trace.BadParameter("missing cron spec")
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE job_schedules SET cron_spec = $2, enabled = $3, credential_id = $4 WHERE id = $1",
		js.ID, js.CronSpec, js.Enabled, js.CredentialID,
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("job schedule %d not found", js.ID)
	}
	return nil
}

// TouchScheduleRun records the last fire time of a schedule.
func (s *Store) TouchScheduleRun(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, "UPDATE job_schedules SET last_run_at = $2 WHERE id = $1", id, s.now())
	return convertError(err)
}

// DeleteJobSchedule removes a schedule.
func (s *Store) DeleteJobSchedule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM job_schedules WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("job schedule %d not found", id)
	}
	return nil
}
