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

package executors

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/utils/parse"
)

// ipFilterOps are the operator suffixes a filter field may carry. They map
// one to one onto Nautobot's query parameter lookups, so the field is
// passed through as-is and only needs splitting for the null query.
var ipFilterOps = []string{"__lte", "__gte", "__lt", "__gt", "__contains"}

// IPAddresses runs IP maintenance as a single task: the matched set depends
// on date templates resolved at execution time, so units cannot be fanned
// out at dispatch.
type IPAddresses struct{}

// ExecuteRun matches addresses against the template filter and lists,
// marks or removes them. Every matched address becomes one result row.
func (e *IPAddresses) ExecuteRun(ctx context.Context, deps *Deps, run *types.JobRun, tmpl *types.JobTemplate, rec Recorder) (string, error) {
	cfg := tmpl.IPAM

	value := parse.ExpandDateTemplate(cfg.FilterValue, deps.Clock.Now())
	matched, err := e.matchAddresses(ctx, deps, cfg, value)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := rec.SetTotal(ctx, len(matched)); err != nil {
		return "", trace.Wrap(err)
	}
	if len(matched) == 0 {
		return fmt.Sprintf("no addresses matched %s=%s", cfg.FilterField, value), nil
	}

	var statusID string
	if cfg.Action == types.IPActionMark && cfg.SetStatus != "" {
		statusID, err = deps.Nautobot.ResolveStatus(ctx, cfg.SetStatus, "ipam.ipaddress")
		if err != nil {
			return "", trace.Wrap(err)
		}
	}

	var acted, skipped, failed int
	for i := range matched {
		if rec.Cancelled(ctx) {
			return fmt.Sprintf("cancelled after %d of %d addresses", acted+skipped+failed, len(matched)), nil
		}
		ip := &matched[i]
		result := &types.DeviceResult{
			RunID:      run.ID,
			DeviceName: ip.Address,
			Status:     types.DeviceOK,
			Result: map[string]any{
				"action":  string(cfg.Action),
				"address": ip.Address,
			},
		}
		if err := e.applyAction(ctx, deps, cfg, statusID, ip, result); err != nil {
			result.Status = types.DeviceError
			result.ErrorMessage = err.Error()
			failed++
		} else if result.Status == types.DeviceSkipped {
			skipped++
		} else {
			acted++
		}
		if err := rec.Record(ctx, result); err != nil {
			return "", trace.Wrap(err)
		}
	}

	verb := map[types.IPAction]string{
		types.IPActionList:   "listed",
		types.IPActionMark:   "marked",
		types.IPActionRemove: "removed",
	}[cfg.Action]
	summary := fmt.Sprintf("%d addresses %s", acted, verb)
	if skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", skipped)
	}
	if failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}
	return summary, nil
}

// matchAddresses queries Nautobot with the template filter, adding a second
// __isnull query when include_null is set. Nautobot evaluates the operator
// suffix server-side.
func (e *IPAddresses) matchAddresses(ctx context.Context, deps *Deps, cfg *types.IPAddressesConfig, value string) ([]types.IPAddress, error) {
	filter := url.Values{}
	filter.Set(cfg.FilterField, value)
	matched, err := deps.Nautobot.ListIPAddresses(ctx, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.IncludeNull {
		return matched, nil
	}

	nullFilter := url.Values{}
	nullFilter.Set(baseFilterField(cfg.FilterField)+"__isnull", "true")
	nulls, err := deps.Nautobot.ListIPAddresses(ctx, nullFilter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := make(map[string]struct{}, len(matched))
	for _, ip := range matched {
		seen[ip.ID] = struct{}{}
	}
	for _, ip := range nulls {
		if _, dup := seen[ip.ID]; !dup {
			matched = append(matched, ip)
		}
	}
	return matched, nil
}

// applyAction performs the template action on one address, filling the
// result row in place.
func (e *IPAddresses) applyAction(ctx context.Context, deps *Deps, cfg *types.IPAddressesConfig, statusID string, ip *types.IPAddress, result *types.DeviceResult) error {
	switch cfg.Action {
	case types.IPActionList:
		result.Result["status"] = ip.Status.Name
		result.Result["dns_name"] = ip.DNSName
		result.Result["description"] = ip.Description
		result.Result["assigned"] = ip.Assigned()
		return nil

	case types.IPActionMark:
		update := map[string]any{}
		if statusID != "" {
			update["status"] = statusID
		}
		if cfg.SetTag != "" {
			tags := make([]map[string]any, 0, len(ip.Tags)+1)
			present := false
			for _, t := range ip.Tags {
				if t.Name == cfg.SetTag {
					present = true
				}
				tags = append(tags, map[string]any{"name": t.Name})
			}
			if !present {
				tags = append(tags, map[string]any{"name": cfg.SetTag})
			}
			update["tags"] = tags
		}
		if cfg.SetDescription != "" {
			update["description"] = parse.ExpandDateTemplate(cfg.SetDescription, deps.Clock.Now())
		}
		if len(update) == 0 {
			result.Status = types.DeviceSkipped
			result.Result["reason"] = "mark action has no updates configured"
			return nil
		}
		if err := deps.Nautobot.UpdateIPAddress(ctx, ip.ID, update); err != nil {
			return trace.Wrap(err)
		}
		result.Result["updated"] = mapKeys(update)
		return nil

	case types.IPActionRemove:
		if cfg.SkipAssigned && ip.Assigned() {
			result.Status = types.DeviceSkipped
			result.Result["reason"] = "address has interface assignments"
			return nil
		}
		if err := deps.Nautobot.DeleteIPAddress(ctx, ip.ID); err != nil {
			return trace.Wrap(err)
		}
		result.Result["removed"] = true
		return nil

	default:
		return trace.BadParameter("unsupported ip action %q", cfg.Action)
	}
}

// baseFilterField strips a trailing operator suffix so the null query can
// target the bare field.
func baseFilterField(field string) string {
	for _, op := range ipFilterOps {
		if strings.HasSuffix(field, op) {
			return strings.TrimSuffix(field, op)
		}
	}
	return field
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
