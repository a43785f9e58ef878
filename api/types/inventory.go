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

package types

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// InventoryScope controls who can see a stored inventory.
type InventoryScope string

const (
	InventoryGlobal  InventoryScope = "global"
	InventoryPrivate InventoryScope = "private"
)

// Inventory is a named, stored boolean expression over device attributes.
// Conditions hold the raw tree; lib/inventory parses and evaluates it.
type Inventory struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Scope      InventoryScope  `json:"scope"`
	CreatedBy  string          `json:"created_by"`
	Conditions json.RawMessage `json:"conditions"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Check validates the inventory shell; the condition tree is validated by
// the evaluator when it is parsed.
func (i *Inventory) Check() error {
	if i.Name == "" {
		return trace.BadParameter("missing inventory name")
	}
	switch i.Scope {
	case InventoryGlobal, InventoryPrivate:
	default:
		return trace.BadParameter("unsupported inventory scope %q", i.Scope)
	}
	if len(i.Conditions) == 0 {
		return trace.BadParameter("inventory %q has no conditions", i.Name)
	}
	return nil
}

// VisibleTo reports whether the given username may use this inventory.
func (i *Inventory) VisibleTo(username string) bool {
	return i.Scope == InventoryGlobal || i.CreatedBy == username
}
