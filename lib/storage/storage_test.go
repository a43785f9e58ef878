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
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/utils"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock, clockwork.NewFakeClockAt(testTime)), mock
}

// expectSchemaIntrospection queues the two catalog queries SyncSchema runs
// first, answered from the declared schema minus the named gaps.
func expectSchemaIntrospection(mock pgxmock.PgxPoolIface, missingTables, missingColumns, missingIndexes map[string]bool) {
	columnRows := pgxmock.NewRows([]string{"table_name", "column_name"})
	for _, tbl := range schema {
		if missingTables[tbl.name] {
			continue
		}
		for _, col := range tbl.columns {
			if missingColumns[tbl.name+"."+col.name] {
				continue
			}
			columnRows.AddRow(tbl.name, col.name)
		}
	}
	mock.ExpectQuery("SELECT table_name, column_name FROM information_schema.columns").
		WillReturnRows(columnRows)

	indexRows := pgxmock.NewRows([]string{"indexname"})
	for _, idx := range indexes {
		if missingIndexes[idx.name] {
			continue
		}
		indexRows.AddRow(idx.name)
	}
	mock.ExpectQuery("SELECT indexname FROM pg_indexes").
		WillReturnRows(indexRows)
}

func TestSyncSchemaEmptyDatabase(t *testing.T) {
	store, mock := newTestStore(t)

	missingTables := map[string]bool{}
	for _, tbl := range schema {
		missingTables[tbl.name] = true
	}
	missingIndexes := map[string]bool{}
	for _, idx := range indexes {
		missingIndexes[idx.name] = true
	}
	expectSchemaIntrospection(mock, missingTables, nil, missingIndexes)

	for _, tbl := range schema {
		mock.ExpectExec(regexp.QuoteMeta(tbl.createStatement())).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	for _, idx := range indexes {
		mock.ExpectExec(regexp.QuoteMeta(idx.createStatement())).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	changes, err := store.SyncSchema(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(schema), changes.TablesCreated)
	require.Equal(t, 0, changes.ColumnsAdded)
	require.Equal(t, len(indexes), changes.IndexesCreated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncSchemaUpToDateReportsNoChanges(t *testing.T) {
	store, mock := newTestStore(t)

	// Everything already exists: no DDL at all may be issued and the
	// report is all zeros.
	expectSchemaIntrospection(mock, nil, nil, nil)

	changes, err := store.SyncSchema(context.Background())
	require.NoError(t, err)
	require.Equal(t, &SchemaChanges{}, changes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncSchemaAddsMissingColumn(t *testing.T) {
	store, mock := newTestStore(t)

	// A table from an older release lacks one column: exactly that column
	// is added, nothing else is touched.
	expectSchemaIntrospection(mock, nil, map[string]bool{"job_runs.metadata": true}, nil)
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE job_runs ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}'")).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	changes, err := store.SyncSchema(context.Background())
	require.NoError(t, err)
	require.Equal(t, &SchemaChanges{ColumnsAdded: 1}, changes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaIsAdditiveOnly(t *testing.T) {
	for _, tbl := range schema {
		require.NotContains(t, tbl.createStatement(), "DROP")
	}
	for _, idx := range indexes {
		require.NotContains(t, idx.createStatement(), "DROP")
	}
}

func TestRunMigrations(t *testing.T) {
	store, mock := newTestStore(t)

	expectSchemaIntrospection(mock, nil, nil, nil)

	// the first migration is already recorded with a matching checksum
	mock.ExpectQuery("SELECT id, migration_name, applied_at, description, checksum FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"id", "migration_name", "applied_at", "description", "checksum"}).
			AddRow(int64(1), migrations[0].Name, testTime, migrations[0].Description, migrations[0].Checksum()))

	for _, m := range migrations[1:] {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(m.SQL)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.Name, m.Description, m.Checksum(), testTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}

	report, err := store.RunMigrations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.TablesCreated)
	require.Equal(t, 1, report.MigrationsSkipped)
	require.Len(t, report.MigrationsApplied, len(migrations)-1)
	require.Equal(t, migrations[1].Name, report.MigrationsApplied[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsSecondPassIsNoop(t *testing.T) {
	store, mock := newTestStore(t)

	expectSchemaIntrospection(mock, nil, nil, nil)

	rows := pgxmock.NewRows([]string{"id", "migration_name", "applied_at", "description", "checksum"})
	for i, m := range migrations {
		rows.AddRow(int64(i+1), m.Name, testTime, m.Description, m.Checksum())
	}
	mock.ExpectQuery("SELECT id, migration_name, applied_at, description, checksum FROM schema_migrations").
		WillReturnRows(rows)

	report, err := store.RunMigrations(context.Background())
	require.NoError(t, err)
	require.Equal(t, &MigrationReport{MigrationsSkipped: len(migrations)}, report)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsChecksumMismatch(t *testing.T) {
	store, mock := newTestStore(t)

	expectSchemaIntrospection(mock, nil, nil, nil)
	mock.ExpectQuery("SELECT id, migration_name, applied_at, description, checksum FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"id", "migration_name", "applied_at", "description", "checksum"}).
			AddRow(int64(1), migrations[0].Name, testTime, migrations[0].Description, "0000000000000000"))

	_, err := store.RunMigrations(context.Background())
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range migrations {
		require.False(t, seen[m.Name], "duplicate migration name %q", m.Name)
		require.NotEmpty(t, m.Description, "migration %q needs a description", m.Name)
		seen[m.Name] = true
	}
}

func TestCreateUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("ops", "Ops Admin", "ops@example.com", true, "pbkdf2_sha256$600000$salt$digest", testTime).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "display_name", "email", "active", "password_hash", "last_login", "created_at", "updated_at",
		}).AddRow(int64(1), "ops", "Ops Admin", "ops@example.com", true, "pbkdf2_sha256$600000$salt$digest", nil, testTime, testTime))

	u, err := store.CreateUser(context.Background(), &types.User{
		Username:     "ops",
		DisplayName:  "Ops Admin",
		Email:        "ops@example.com",
		Active:       true,
		PasswordHash: "pbkdf2_sha256$600000$salt$digest",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), u.ID)
	require.Equal(t, "ops", u.Username)
	require.Nil(t, u.LastLogin)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserValidation(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.CreateUser(context.Background(), &types.User{Username: "nohash"})
	require.True(t, trace.IsBadParameter(err))

	_, err = store.CreateUser(context.Background(), &types.User{PasswordHash: "x"})
	require.True(t, trace.IsBadParameter(err))
}

func TestGetUserByNameNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "display_name", "email", "active", "password_hash", "last_login", "created_at", "updated_at",
		}))

	_, err := store.GetUserByName(context.Background(), "ghost")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettingInto(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT name, value, updated_by, updated_at FROM settings").
		WithArgs(types.SettingsCheckMK).
		WillReturnRows(pgxmock.NewRows([]string{"name", "value", "updated_by", "updated_at"}).
			AddRow(types.SettingsCheckMK, []byte(`{"url":"https://cmk.example.com","site":"main","username":"automation"}`), "admin", testTime))

	var cfg types.CheckMKSettings
	require.NoError(t, store.GetSettingInto(context.Background(), types.SettingsCheckMK, &cfg))
	require.Equal(t, "https://cmk.example.com", cfg.URL)
	require.Equal(t, "main", cfg.Site)
	require.Equal(t, "automation", cfg.Username)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditEventsSearch(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM audit_logs WHERE TRUE AND username = \$1 AND message ILIKE \$2`).
		WithArgs("karen", "%login%", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "user_id", "event_type", "message", "ip", "resource_type",
			"resource_id", "resource_name", "severity", "extra_data", "created_at",
		}).AddRow(int64(1), "karen", nil, types.EventUserLogin, "User karen logged in", "10.0.0.9",
			"", "", "", types.SeverityInfo, []byte(`{}`), testTime))
	mock.ExpectQuery(`SELECT count(.+) FROM audit_logs WHERE TRUE AND username = \$1 AND message ILIKE \$2`).
		WithArgs("karen", "%login%").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	filter := AuditFilter{Username: "karen", Search: "login", Limit: 50}
	events, err := store.ListAuditEvents(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventUserLogin, events[0].Type)

	total, err := store.CountAuditEvents(context.Background(), filter)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSetting(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO settings").
		WithArgs(types.SettingsCache, []byte(`{"enabled":true,"ttl_minutes":30}`), "admin", testTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertSetting(context.Background(), types.SettingsCache, types.CacheSettings{Enabled: true, TTLMinutes: 30}, "admin")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
