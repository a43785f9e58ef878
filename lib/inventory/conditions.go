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

// Package inventory evaluates stored device filters. An inventory carries a
// condition tree whose leaves compare one device attribute against a value
// and whose inner nodes combine their children with AND, OR or NOT. The
// tree is validated once at parse time and then matched against Nautobot
// device objects.
package inventory

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// Logic values accepted on group nodes.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
	LogicNot = "NOT"
)

// Leaf operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not-equals"
	OpContains   = "contains"
	OpStartsWith = "starts-with"
	OpRegex      = "regex"
	OpInList     = "in-list"
)

// node is one vertex of the condition tree as stored in JSON. Inner nodes
// carry type "root" or "group" plus internalLogic and items; leaves carry
// field, operator and value.
type node struct {
	Type          string `json:"type,omitempty"`
	InternalLogic string `json:"internalLogic,omitempty"`
	Items         []node `json:"items,omitempty"`

	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	// compiled at parse time for regex leaves
	re *regexp.Regexp
}

func (n *node) isGroup() bool {
	return n.Type == "root" || n.Type == "group" || n.InternalLogic != "" || n.Items != nil
}

// Conditions is a validated condition tree ready for evaluation.
type Conditions struct {
	root node
}

// Parse decodes and validates a stored condition tree. Regex leaves are
// compiled here so an invalid pattern is rejected at write time rather than
// failing every device during a run.
func Parse(raw json.RawMessage) (*Conditions, error) {
	if len(raw) == 0 {
		return nil, trace.BadParameter("empty condition tree")
	}
	var root node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, trace.BadParameter("malformed condition tree: %v", err)
	}
	if !root.isGroup() {
		return nil, trace.BadParameter("condition tree root must be a group node")
	}
	if err := validate(&root); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Conditions{root: root}, nil
}

func validate(n *node) error {
	if n.isGroup() {
		logic := strings.ToUpper(n.InternalLogic)
		switch logic {
		case LogicAnd, LogicOr:
		case LogicNot:
			if len(n.Items) != 1 {
				return trace.BadParameter("NOT group must have exactly one item, got %d", len(n.Items))
			}
		case "":
			return trace.BadParameter("group node is missing internalLogic")
		default:
			return trace.BadParameter("unsupported group logic %q", n.InternalLogic)
		}
		n.InternalLogic = logic
		for i := range n.Items {
			if err := validate(&n.Items[i]); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}

	if n.Field == "" {
		return trace.BadParameter("condition leaf is missing a field")
	}
	switch normalizeOperator(n.Operator) {
	case OpEquals, OpNotEquals, OpContains, OpStartsWith:
	case OpRegex:
		pattern, ok := n.Value.(string)
		if !ok {
			return trace.BadParameter("regex condition on %q needs a string pattern", n.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return trace.BadParameter("invalid regex on %q: %v", n.Field, err)
		}
		n.re = re
	case OpInList:
		if _, ok := n.Value.([]any); !ok {
			return trace.BadParameter("in-list condition on %q needs a list value", n.Field)
		}
	default:
		return trace.BadParameter("unsupported operator %q on field %q", n.Operator, n.Field)
	}
	return nil
}

// normalizeOperator maps the accepted spellings onto the canonical names,
// so "starts_with", "startswith" and "starts-with" all work.
func normalizeOperator(op string) string {
	switch strings.ReplaceAll(strings.ToLower(op), "_", "-") {
	case "equals", "eq", "is":
		return OpEquals
	case "not-equals", "neq", "is-not":
		return OpNotEquals
	case "contains":
		return OpContains
	case "starts-with", "startswith":
		return OpStartsWith
	case "regex", "matches":
		return OpRegex
	case "in-list", "in":
		return OpInList
	default:
		return ""
	}
}

// Matches evaluates the tree against one device object. A leaf whose field
// is missing on the device, or resolves to a non-scalar, does not match.
func (c *Conditions) Matches(device map[string]any) bool {
	return evaluate(&c.root, device)
}

func evaluate(n *node, device map[string]any) bool {
	if !n.isGroup() {
		return evaluateLeaf(n, device)
	}
	switch n.InternalLogic {
	case LogicNot:
		return !evaluate(&n.Items[0], device)
	case LogicOr:
		// OR over no items is false
		for i := range n.Items {
			if evaluate(&n.Items[i], device) {
				return true
			}
		}
		return false
	default:
		// AND over no items is true
		for i := range n.Items {
			if !evaluate(&n.Items[i], device) {
				return false
			}
		}
		return true
	}
}

func evaluateLeaf(n *node, device map[string]any) bool {
	raw, ok := parse.Field(device, n.Field)
	if !ok {
		return false
	}
	got, ok := parse.ScalarString(raw)
	if !ok {
		return false
	}

	switch normalizeOperator(n.Operator) {
	case OpEquals:
		want, ok := parse.ScalarString(n.Value)
		return ok && got == want
	case OpNotEquals:
		want, ok := parse.ScalarString(n.Value)
		return ok && got != want
	case OpContains:
		want, ok := parse.ScalarString(n.Value)
		return ok && strings.Contains(got, want)
	case OpStartsWith:
		want, ok := parse.ScalarString(n.Value)
		return ok && strings.HasPrefix(got, want)
	case OpRegex:
		return n.re != nil && n.re.MatchString(got)
	case OpInList:
		items, ok := n.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if want, ok := parse.ScalarString(item); ok && got == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// FilterDevices returns the devices matching the tree, preserving order.
func (c *Conditions) FilterDevices(devices []map[string]any) []map[string]any {
	var out []map[string]any
	for _, device := range devices {
		if c.Matches(device) {
			out = append(out, device)
		}
	}
	return out
}
