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
	"testing"

	"github.com/gravitational/trace"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
)

func runRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "template_id", "job_type", "status", "started_by", "started_at",
		"completed_at", "progress_processed", "progress_total", "result_summary", "error", "metadata",
	})
}

func TestCreateJobRun(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO job_runs").
		WithArgs("run-1", int64(7), types.JobBackup, types.RunPending, "ops", testTime, 0, 12, []byte(`{"devices":12}`)).
		WillReturnRows(runRows().AddRow(
			"run-1", int64(7), types.JobBackup, types.RunPending, "ops", testTime,
			nil, 0, 12, "", "", []byte(`{"devices":12}`)))

	run, err := store.CreateJobRun(context.Background(), &types.JobRun{
		ID:         "run-1",
		TemplateID: 7,
		Type:       types.JobBackup,
		StartedBy:  "ops",
		Progress:   types.Progress{Total: 12},
		Metadata:   map[string]any{"devices": 12},
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, types.RunPending, run.Status)
	require.Equal(t, 12, run.Progress.Total)
	require.Equal(t, float64(12), run.Metadata["devices"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobRun(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE job_runs SET status").
		WithArgs("run-1", types.RunSuccess, testTime, "12 ok", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.CompleteJobRun(context.Background(), "run-1", types.RunSuccess, "12 ok", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobRunAlreadyTerminal(t *testing.T) {
	store, mock := newTestStore(t)

	// the guarded update matches no rows, the run is re-read to report
	// its actual state
	mock.ExpectExec("UPDATE job_runs SET status").
		WithArgs("run-1", types.RunFailed, testTime, "", "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM job_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(runRows().AddRow(
			"run-1", int64(7), types.JobBackup, types.RunSuccess, "ops", testTime,
			&testTime, 12, 12, "12 ok", "", []byte(`{}`)))

	err := store.CompleteJobRun(context.Background(), "run-1", types.RunFailed, "", "boom")
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJobRunRejectsNonTerminal(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.CompleteJobRun(context.Background(), "run-1", types.RunRunning, "", "")
	require.True(t, trace.IsBadParameter(err))
}

func TestUpdateRunProgressGuards(t *testing.T) {
	store, mock := newTestStore(t)

	// both the monotonic clamp and the terminal guard live in the
	// statement itself
	mock.ExpectExec(`UPDATE job_runs SET progress_processed = GREATEST\(progress_processed, \$2\), progress_total = GREATEST\(progress_total, \$3\)`).
		WithArgs("run-1", 5, 12).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateRunProgress(context.Background(), "run-1", 5, 12))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDeviceResultUpsert(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO device_results").
		WithArgs("run-1", "sw-core-01", "dev-uuid", types.DeviceOK, []byte(`{"path":"fra1/sw-core-01.cfg"}`), "", testTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AddDeviceResult(context.Background(), &types.DeviceResult{
		RunID:      "run-1",
		DeviceName: "sw-core-01",
		DeviceID:   "dev-uuid",
		Status:     types.DeviceOK,
		Result:     map[string]any{"path": "fra1/sw-core-01.cfg"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDeviceResultValidation(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.AddDeviceResult(context.Background(), &types.DeviceResult{DeviceName: "sw-1"})
	require.True(t, trace.IsBadParameter(err))

	err = store.AddDeviceResult(context.Background(), &types.DeviceResult{RunID: "run-1"})
	require.True(t, trace.IsBadParameter(err))
}

func TestCountActiveRunsForTemplate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM job_runs WHERE template_id = \$1 AND status IN \('pending', 'running'\)`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.CountActiveRunsForTemplate(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAgentCommandLateResponse(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE agent_commands SET status").
		WithArgs("cmd-1", types.AgentCommandSuccess, "pong", "", (*int64)(nil), testTime).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.CompleteAgentCommand(context.Background(), "cmd-1", types.AgentCommandSuccess, "pong", "", nil)
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}
