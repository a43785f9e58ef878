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

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
)

const inventoryColumns = "id, name, scope, created_by, conditions, created_at, updated_at"

func scanInventory(scan func(dest ...any) error) (*types.Inventory, error) {
	var inv types.Inventory
	var conditions []byte
	err := scan(&inv.ID, &inv.Name, &inv.Scope, &inv.CreatedBy, &conditions, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	inv.Conditions = conditions
	return &inv, nil
}

// CreateInventory stores a named condition tree.
func (s *Store) CreateInventory(ctx context.Context, inv *types.Inventory) (*types.Inventory, error) {
	if err := inv.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.now()
	return scanInventory(s.pool.QueryRow(ctx,
		`INSERT INTO inventories (name, scope, created_by, conditions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5) RETURNING `+inventoryColumns,
		inv.Name, inv.Scope, inv.CreatedBy, []byte(inv.Conditions), now,
	).Scan)
}

// GetInventory fetches an inventory by ID.
func (s *Store) GetInventory(ctx context.Context, id int64) (*types.Inventory, error) {
	inv, err := scanInventory(s.pool.QueryRow(ctx, "SELECT "+inventoryColumns+" FROM inventories WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("inventory %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return inv, nil
}

// GetInventoryByName fetches an inventory by its unique name.
func (s *Store) GetInventoryByName(ctx context.Context, name string) (*types.Inventory, error) {
	inv, err := scanInventory(s.pool.QueryRow(ctx, "SELECT "+inventoryColumns+" FROM inventories WHERE name = $1", name).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("inventory %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return inv, nil
}

// ListInventories returns inventories visible to username: global ones and
// the user's own. Empty username returns everything.
func (s *Store) ListInventories(ctx context.Context, username string) ([]types.Inventory, error) {
	query := "SELECT " + inventoryColumns + " FROM inventories"
	args := []any{}
	if username != "" {
		query += " WHERE scope = 'global' OR created_by = $1"
		args = append(args, username)
	}
	query += " ORDER BY name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Inventory
	for rows.Next() {
		inv, err := scanInventory(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *inv)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateInventory rewrites the condition tree and scope.
func (s *Store) UpdateInventory(ctx context.Context, inv *types.Inventory) error {
	if err := inv.Check(); err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE inventories SET scope = $2, conditions = $3, updated_at = $4 WHERE id = $1",
		inv.ID, inv.Scope, []byte(inv.Conditions), s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("inventory %d not found", inv.ID)
	}
	return nil
}

// DeleteInventory removes an inventory.
func (s *Store) DeleteInventory(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM inventories WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("inventory %d not found", id)
	}
	return nil
}
