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

package reconciler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/netcockpit/cockpit/lib/checkmk"
)

// alwaysIgnored are attribute keys never considered during comparison,
// regardless of configuration. meta_data is CheckMK bookkeeping.
var alwaysIgnored = map[string]bool{
	"meta_data": true,
}

// Compare checks the desired host (from Nautobot) against the actual
// host (from CheckMK). Folders compare exactly; attributes compare by
// deep equality over the union of keys, excluding meta_data and the
// configured ignore list. The returned diff is sorted and rendered as
// "key: desired != actual" for the result rows.
func (r *Reconciler) Compare(desired, actual *checkmk.Host) (bool, []string) {
	var diff []string
	if desired.Folder != actual.Folder {
		diff = append(diff, fmt.Sprintf("folder: %v != %v", desired.Folder, actual.Folder))
	}

	ignored := make(map[string]bool, len(alwaysIgnored)+len(r.c.IgnoreAttributes))
	for k := range alwaysIgnored {
		ignored[k] = true
	}
	for _, k := range r.c.IgnoreAttributes {
		ignored[k] = true
	}

	keys := make(map[string]bool, len(desired.Attributes)+len(actual.Attributes))
	for k := range desired.Attributes {
		keys[k] = true
	}
	for k := range actual.Attributes {
		keys[k] = true
	}

	var attrDiff []string
	for key := range keys {
		if ignored[key] {
			continue
		}
		want, wantOK := desired.Attributes[key]
		have, haveOK := actual.Attributes[key]
		switch {
		case !wantOK:
			attrDiff = append(attrDiff, fmt.Sprintf("%v: <absent> != %v", key, renderValue(have)))
		case !haveOK:
			attrDiff = append(attrDiff, fmt.Sprintf("%v: %v != <absent>", key, renderValue(want)))
		case !valueEqual(want, have):
			attrDiff = append(attrDiff, fmt.Sprintf("%v: %v != %v", key, renderValue(want), renderValue(have)))
		}
	}
	sort.Strings(attrDiff)
	diff = append(diff, attrDiff...)
	return len(diff) == 0, diff
}

// valueEqual compares two attribute values structurally. Both sides are
// round-tripped through JSON first so that values decoded from the wire
// (float64, map[string]any) compare equal to values built in memory.
func valueEqual(a, b any) bool {
	return reflect.DeepEqual(jsonNormalize(a), jsonNormalize(b))
}

func jsonNormalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func renderValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
