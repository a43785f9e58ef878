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
	"strconv"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

const runColumns = "id, template_id, job_type, status, started_by, started_at, completed_at, progress_processed, progress_total, result_summary, error, metadata"

func scanRun(scan func(dest ...any) error) (*types.JobRun, error) {
	var r types.JobRun
	var metadata []byte
	err := scan(&r.ID, &r.TemplateID, &r.Type, &r.Status, &r.StartedBy, &r.StartedAt,
		&r.CompletedAt, &r.Progress.Processed, &r.Progress.Total, &r.ResultSummary, &r.Error, &metadata)
	if err != nil {
		return nil, convertError(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &r, nil
}

// CreateJobRun records a freshly dispatched run in pending state.
func (s *Store) CreateJobRun(ctx context.Context, r *types.JobRun) (*types.JobRun, error) {
	if r.ID == "" {
		return nil, trace.BadParameter("missing run ID")
	}
	if r.Status == "" {
		r.Status = types.RunPending
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return scanRun(s.pool.QueryRow(ctx,
		`INSERT INTO job_runs (id, template_id, job_type, status, started_by, started_at, progress_processed, progress_total, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING `+runColumns,
		r.ID, r.TemplateID, r.Type, r.Status, r.StartedBy, s.now(),
		r.Progress.Processed, r.Progress.Total, raw,
	).Scan)
}

// GetJobRun fetches a run by ID.
func (s *Store) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, "SELECT "+runColumns+" FROM job_runs WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("job run %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// RunFilter narrows ListJobRuns.
type RunFilter struct {
	Status     types.RunStatus
	TemplateID int64
	Type       types.JobType
	Limit      int
	Offset     int
}

// ListJobRuns returns runs newest first, optionally filtered.
func (s *Store) ListJobRuns(ctx context.Context, f RunFilter) ([]types.JobRun, error) {
	query := "SELECT " + runColumns + " FROM job_runs WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		query += " AND status = " + arg(f.Status)
	}
	if f.TemplateID != 0 {
		query += " AND template_id = " + arg(f.TemplateID)
	}
	if f.Type != "" {
		query += " AND job_type = " + arg(f.Type)
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.JobRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *r)
	}
	return out, trace.Wrap(rows.Err())
}

// CountActiveRunsForTemplate counts pending and running runs of a template,
// used to enforce non-overlapping templates at dispatch.
func (s *Store) CountActiveRunsForTemplate(ctx context.Context, templateID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM job_runs WHERE template_id = $1 AND status IN ('pending', 'running')",
		templateID,
	).Scan(&n)
	return n, convertError(err)
}

// MarkRunStarted transitions pending to running. It is a no-op when the run
// already progressed past pending, so late or duplicate workers cannot move
// a run backwards.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE job_runs SET status = 'running' WHERE id = $1 AND status = 'pending'", id)
	return convertError(err)
}

// UpdateRunProgress advances the progress counters. Progress never moves
// backwards and terminal runs are never touched, both enforced here rather
// than left to callers.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, processed, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET progress_processed = GREATEST(progress_processed, $2), progress_total = GREATEST(progress_total, $3)
WHERE id = $1 AND status IN ('pending', 'running')`,
		id, processed, total,
	)
	return convertError(err)
}

// CompleteJobRun writes the terminal status exactly once. A run that is
// already terminal is left untouched and the call reports CompareFailed so
// the caller can tell the transition was lost.
func (s *Store) CompleteJobRun(ctx context.Context, id string, status types.RunStatus, summary, errMsg string) error {
	if !status.IsTerminal() {
		return trace.BadParameter("status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET status = $2, completed_at = $3, result_summary = $4, error = $5
WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, s.now(), summary, errMsg,
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		run, err := s.GetJobRun(ctx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.CompareFailed("job run %q is already %s", id, run.Status)
	}
	return nil
}

// AddDeviceResult records one device outcome. A second write for the same
// device in the same run replaces the first, keeping one row per device.
func (s *Store) AddDeviceResult(ctx context.Context, r *types.DeviceResult) error {
	if r.RunID == "" || r.DeviceName == "" {
		return trace.BadParameter("device result needs a run ID and a device name")
	}
	result := r.Result
	if result == nil {
		result = map[string]any{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO device_results (run_id, device_name, device_id, status, result, error_message, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, device_name) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result, error_message = EXCLUDED.error_message, processed_at = EXCLUDED.processed_at`,
		r.RunID, r.DeviceName, r.DeviceID, r.Status, raw, r.ErrorMessage, s.now(),
	)
	return convertError(err)
}

// ListDeviceResults returns the per-device outcomes of a run in processing
// order.
func (s *Store) ListDeviceResults(ctx context.Context, runID string) ([]types.DeviceResult, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, run_id, device_name, device_id, status, result, error_message, processed_at FROM device_results WHERE run_id = $1 ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.DeviceResult
	for rows.Next() {
		var r types.DeviceResult
		var raw []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.DeviceName, &r.DeviceID, &r.Status, &raw, &r.ErrorMessage, &r.ProcessedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Result); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}

// CountDeviceResults returns how many devices reported a result for the run.
func (s *Store) CountDeviceResults(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM device_results WHERE run_id = $1", runID).Scan(&n)
	return n, convertError(err)
}
