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
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/netcockpit/cockpit/api/types"
)

// GetSetting returns one persisted settings group by name.
func (s *Store) GetSetting(ctx context.Context, name string) (*types.Setting, error) {
	var out types.Setting
	err := s.pool.QueryRow(ctx,
		"SELECT name, value, updated_by, updated_at FROM settings WHERE name = $1", name,
	).Scan(&out.Name, &out.Value, &out.UpdatedBy, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("settings group %q not found", name)
		}
		return nil, convertError(err)
	}
	return &out, nil
}

// GetSettingInto loads a settings group and unmarshals it into dest.
func (s *Store) GetSettingInto(ctx context.Context, name string, dest any) error {
	setting, err := s.GetSetting(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(setting.Value, dest); err != nil {
		return trace.Wrap(err, "decoding settings group %q", name)
	}
	return nil
}

// UpsertSetting writes a settings group, creating it on first write.
func (s *Store) UpsertSetting(ctx context.Context, name string, value any, updatedBy string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settings (name, value, updated_by, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		name, raw, updatedBy, s.now(),
	)
	return convertError(err)
}

// ListSettings returns every persisted settings group.
func (s *Store) ListSettings(ctx context.Context) ([]types.Setting, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, value, updated_by, updated_at FROM settings ORDER BY name")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Setting
	for rows.Next() {
		var st types.Setting
		if err := rows.Scan(&st.Name, &st.Value, &st.UpdatedBy, &st.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, st)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteSetting removes a settings group, reverting it to defaults.
func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM settings WHERE name = $1", name)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("settings group %q not found", name)
	}
	return nil
}
