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

const nb2cmkJobColumns = "id, status, started_by, started_at, completed_at, progress_processed, progress_total, apply, error"

func scanNB2CMKJob(scan func(dest ...any) error) (*types.NB2CMKJob, error) {
	var j types.NB2CMKJob
	err := scan(&j.ID, &j.Status, &j.StartedBy, &j.StartedAt, &j.CompletedAt,
		&j.Progress.Processed, &j.Progress.Total, &j.Apply, &j.Error)
	if err != nil {
		return nil, convertError(err)
	}
	return &j, nil
}

// CreateNB2CMKJob records a new comparison or sync pass in pending state.
func (s *Store) CreateNB2CMKJob(ctx context.Context, j *types.NB2CMKJob) (*types.NB2CMKJob, error) {
	if j.ID == "" {
		return nil, trace.BadParameter("missing job ID")
	}
	if j.Status == "" {
		j.Status = types.RunPending
	}
	return scanNB2CMKJob(s.pool.QueryRow(ctx,
		`INSERT INTO nb2cmk_jobs (id, status, started_by, started_at, apply)
VALUES ($1, $2, $3, $4, $5) RETURNING `+nb2cmkJobColumns,
		j.ID, j.Status, j.StartedBy, s.now(), j.Apply,
	).Scan)
}

// GetNB2CMKJob fetches a job by ID.
func (s *Store) GetNB2CMKJob(ctx context.Context, id string) (*types.NB2CMKJob, error) {
	j, err := scanNB2CMKJob(s.pool.QueryRow(ctx, "SELECT "+nb2cmkJobColumns+" FROM nb2cmk_jobs WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("nb2cmk job %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return j, nil
}

// ListNB2CMKJobs returns jobs newest first.
func (s *Store) ListNB2CMKJobs(ctx context.Context, limit int) ([]types.NB2CMKJob, error) {
	query := "SELECT " + nb2cmkJobColumns + " FROM nb2cmk_jobs ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.NB2CMKJob
	for rows.Next() {
		j, err := scanNB2CMKJob(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *j)
	}
	return out, trace.Wrap(rows.Err())
}

// MarkNB2CMKJobStarted transitions pending to running.
func (s *Store) MarkNB2CMKJobStarted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "UPDATE nb2cmk_jobs SET status = 'running' WHERE id = $1 AND status = 'pending'", id)
	return convertError(err)
}

// UpdateNB2CMKJobProgress advances the counters; progress is monotonic and
// terminal jobs are untouched.
func (s *Store) UpdateNB2CMKJobProgress(ctx context.Context, id string, processed, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE nb2cmk_jobs SET progress_processed = GREATEST(progress_processed, $2), progress_total = GREATEST(progress_total, $3)
WHERE id = $1 AND status IN ('pending', 'running')`,
		id, processed, total,
	)
	return convertError(err)
}

// CompleteNB2CMKJob writes the terminal status exactly once.
func (s *Store) CompleteNB2CMKJob(ctx context.Context, id string, status types.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return trace.BadParameter("status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE nb2cmk_jobs SET status = $2, completed_at = $3, error = $4
WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, s.now(), errMsg,
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetNB2CMKJob(ctx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.CompareFailed("nb2cmk job %q is already %s", id, job.Status)
	}
	return nil
}

// AddNB2CMKJobResult appends one device comparison outcome.
func (s *Store) AddNB2CMKJobResult(ctx context.Context, r *types.NB2CMKJobResult) error {
	if r.JobID == "" || r.DeviceName == "" {
		return trace.BadParameter("job result needs a job ID and a device name")
	}
	diff := r.Diff
	if diff == nil {
		diff = []string{}
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return trace.Wrap(err)
	}
	action := r.Action
	if action == "" {
		action = types.SyncActionNone
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO nb2cmk_job_results (job_id, device_name, outcome, diff, action, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.JobID, r.DeviceName, r.Outcome, raw, action, r.Error, s.now(),
	)
	return convertError(err)
}

// ListNB2CMKJobResults returns the per-device outcomes of one job,
// optionally filtered to a single outcome kind.
func (s *Store) ListNB2CMKJobResults(ctx context.Context, jobID string, outcome types.ComparisonOutcome) ([]types.NB2CMKJobResult, error) {
	query := "SELECT id, job_id, device_name, outcome, diff, action, error, created_at FROM nb2cmk_job_results WHERE job_id = $1"
	args := []any{jobID}
	if outcome != "" {
		query += " AND outcome = $2"
		args = append(args, outcome)
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.NB2CMKJobResult
	for rows.Next() {
		var r types.NB2CMKJobResult
		var raw []byte
		if err := rows.Scan(&r.ID, &r.JobID, &r.DeviceName, &r.Outcome, &raw, &r.Action, &r.Error, &r.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Diff); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}
