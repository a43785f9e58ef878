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
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// scanConcurrency bounds in-flight probes per prefix. Sweeps are I/O bound
// and mostly waiting on timeouts, so this can sit well above the worker's
// task concurrency.
const scanConcurrency = 64

// ScanPrefixes sweeps one prefix per unit: every host address is probed,
// reachable ones are optionally activated in Nautobot or stamped with a
// custom field, and the prefix can receive a summary custom field.
type ScanPrefixes struct{}

type probeResult struct {
	addr      string
	reachable bool
	rtt       time.Duration
	dnsName   string
	err       error
}

// Execute probes all hosts of the request's prefix.
func (e *ScanPrefixes) Execute(ctx context.Context, deps *Deps, req *Request) (*Outcome, error) {
	prefix := req.Prefix
	cfg := req.Template.Scan

	hosts, err := expandPrefix(prefix.Prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(hosts) == 0 {
		return skipOutcome("prefix has no host addresses")
	}

	probe := Probe{
		Count:    cfg.PingCount,
		Timeout:  cfg.PingTimeout,
		Retries:  cfg.Retries,
		Interval: cfg.Interval,
	}
	if probe.Count <= 0 {
		probe.Count = defaults.ScanPingCount
	}
	if probe.Timeout <= 0 {
		probe.Timeout = defaults.ScanPingTimeout
	}

	results := make([]probeResult, len(hosts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(scanConcurrency)
	for i, host := range hosts {
		group.Go(func() error {
			r := probeResult{addr: host}
			r.reachable, r.rtt, r.err = deps.Ping(groupCtx, host, probe)
			if r.reachable && cfg.ResolveDNS {
				if names, err := deps.ResolveAddr(groupCtx, host); err == nil && len(names) > 0 {
					r.dnsName = strings.TrimSuffix(names[0], ".")
				}
			}
			results[i] = r
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	var reachable, failures, updated, created int
	var reachableAddrs []string
	for _, r := range results {
		if r.err != nil {
			failures++
			continue
		}
		if !r.reachable {
			continue
		}
		reachable++
		reachableAddrs = append(reachableAddrs, r.addr)
		u, c, err := e.applyReachable(ctx, deps, cfg, prefix, r)
		if err != nil {
			deps.Log.WarnContext(ctx, "Failed to apply scan result.",
				"prefix", prefix.Prefix, "address", r.addr, "error", err)
			failures++
			continue
		}
		updated += u
		created += c
	}

	if cfg.SummaryField != "" && prefix.ID != "" {
		summary := fmt.Sprintf("%d/%d reachable at %s", reachable, len(hosts),
			deps.Clock.Now().UTC().Format("2006-01-02 15:04"))
		if err := deps.Nautobot.SetPrefixCustomFields(ctx, prefix.ID, map[string]any{cfg.SummaryField: summary}); err != nil {
			deps.Log.WarnContext(ctx, "Failed to write scan summary.",
				"prefix", prefix.Prefix, "field", cfg.SummaryField, "error", err)
		}
	}

	return okOutcome(map[string]any{
		"prefix":      prefix.Prefix,
		"hosts":       len(hosts),
		"reachable":   reachable,
		"unreachable": len(hosts) - reachable - failures,
		"failures":    failures,
		"updated":     updated,
		"created":     created,
		"addresses":   reachableAddrs,
	})
}

// applyReachable applies the template's on_reachable policy to one
// answering address: activate the existing IPAM entry or register a new
// one, and stamp the reachable custom field when configured.
func (e *ScanPrefixes) applyReachable(ctx context.Context, deps *Deps, cfg *types.ScanConfig, prefix *types.Prefix, r probeResult) (updated, created int, err error) {
	writeStatus := cfg.OnReachable == types.OnReachableSetActive
	if !writeStatus && cfg.ReachableField == "" {
		return 0, 0, nil
	}

	filter := url.Values{}
	filter.Set("address", r.addr)
	if prefix.Namespace.Name != "" {
		filter.Set("namespace", prefix.Namespace.Name)
	}
	found, err := deps.Nautobot.ListIPAddresses(ctx, filter)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}

	fields := map[string]any{}
	if cfg.ReachableField != "" {
		fields[cfg.ReachableField] = deps.Clock.Now().UTC().Format(time.RFC3339)
	}

	if len(found) == 0 {
		if !writeStatus {
			// Nothing to stamp: the custom field lives on the IPAM entry
			// and this address has none.
			return 0, 0, nil
		}
		create := map[string]any{
			"address": probedAddress(r.addr, prefix.Prefix),
			"status":  "Active",
		}
		if prefix.Namespace.Name != "" {
			create["namespace"] = map[string]any{"name": prefix.Namespace.Name}
		}
		if r.dnsName != "" {
			create["dns_name"] = r.dnsName
		}
		if len(fields) > 0 {
			create["custom_fields"] = fields
		}
		if _, err := deps.Nautobot.CreateIPAddress(ctx, create); err != nil {
			if trace.IsAlreadyExists(err) {
				return 0, 0, nil
			}
			return 0, 0, trace.Wrap(err)
		}
		return 0, 1, nil
	}

	update := map[string]any{}
	if writeStatus && found[0].Status.Name != "Active" {
		statusID, err := deps.Nautobot.ResolveStatus(ctx, "Active", "ipam.ipaddress")
		if err != nil {
			return 0, 0, trace.Wrap(err)
		}
		if statusID != "" {
			update["status"] = statusID
		}
	}
	if r.dnsName != "" && found[0].DNSName == "" {
		update["dns_name"] = r.dnsName
	}
	if len(fields) > 0 {
		update["custom_fields"] = fields
	}
	if len(update) == 0 {
		return 0, 0, nil
	}
	if err := deps.Nautobot.UpdateIPAddress(ctx, found[0].ID, update); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	return 1, 0, nil
}

// expandPrefix enumerates the host addresses of an IPv4 prefix, skipping
// the network and broadcast addresses of prefixes shorter than /31.
func expandPrefix(cidr string) ([]string, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, trace.BadParameter("invalid prefix %q: %v", cidr, err)
	}
	if !p.Addr().Is4() {
		return nil, trace.BadParameter("prefix %q is not IPv4; sweeps are IPv4 only", cidr)
	}
	if p.Bits() < 16 {
		return nil, trace.LimitExceeded("prefix %q expands past the %d host scan cap", cidr, defaults.MaxScanHosts)
	}

	var hosts []string
	if p.Bits() >= 31 {
		// /31 and /32 have no network or broadcast address.
		for addr := p.Masked().Addr(); p.Contains(addr); addr = addr.Next() {
			hosts = append(hosts, addr.String())
		}
		return hosts, nil
	}
	first := p.Masked().Addr().Next()
	for addr := first; p.Contains(addr.Next()); addr = addr.Next() {
		hosts = append(hosts, addr.String())
		if len(hosts) > defaults.MaxScanHosts {
			return nil, trace.LimitExceeded("prefix %q expands past the %d host scan cap", cidr, defaults.MaxScanHosts)
		}
	}
	return hosts, nil
}

// probedAddress renders the created IPAM entry in CIDR form with the
// prefix's own length.
func probedAddress(addr, cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return addr + cidr[i:]
	}
	return addr + "/32"
}

// resolveAddr is the production ResolveAddrFunc.
func resolveAddr(ctx context.Context, addr string) ([]string, error) {
	var r net.Resolver
	names, err := r.LookupAddr(ctx, addr)
	return names, trace.Wrap(err)
}
