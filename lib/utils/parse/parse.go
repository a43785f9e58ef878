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

// Package parse implements the placeholder templates used by job
// configuration: device attribute paths like {name} or {location.name}
// and relative date expressions like {today-7}.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

var (
	fieldTemplateRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_-]+)*)\}`)
	dateTemplateRe  = regexp.MustCompile(`\{today([+-][0-9]+)?\}`)
)

// DateFormat is the wire format produced by date templates.
const DateFormat = "2006-01-02"

// ExpandDeviceTemplate substitutes {field} and {field.subfield} placeholders
// in template with values looked up in attrs. Nested fields traverse maps,
// so {location.name} resolves attrs["location"]["name"] and
// {_custom_field_data.rack} resolves the custom field "rack". An
// unresolvable placeholder returns a NotFound error so the caller can fail
// the affected device instead of writing to a broken path.
func ExpandDeviceTemplate(template string, attrs map[string]any) (string, error) {
	var firstErr error
	out := fieldTemplateRe.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.Split(match[1:len(match)-1], ".")
		value, err := lookup(attrs, path)
		if err != nil && firstErr == nil {
			firstErr = trace.Wrap(err)
		}
		return value
	})
	if firstErr != nil {
		return "", trace.Wrap(firstErr)
	}
	return out, nil
}

func lookup(attrs map[string]any, path []string) (string, error) {
	current, ok := Field(attrs, strings.Join(path, "."))
	if !ok {
		return "", trace.NotFound("unknown template field %q", strings.Join(path, "."))
	}
	rendered, ok := ScalarString(current)
	if !ok {
		return "", trace.BadParameter("template field %q resolves to %T, expected a scalar", strings.Join(path, "."), current)
	}
	return rendered, nil
}

// Field resolves a dotted attribute path against a device object, walking
// nested maps. The second return is false when any path segment is missing
// or null.
func Field(attrs map[string]any, path string) (any, bool) {
	var current any = attrs
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// ScalarString renders a scalar attribute value the way templates do. The
// second return is false for non-scalar values such as objects and lists.
func ScalarString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	case float64:
		// JSON round-trips integers as float64.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

// ExpandDateTemplate substitutes {today}, {today-N} and {today+N}
// placeholders with dates formatted as YYYY-MM-DD relative to now.
// Text without date placeholders is returned unchanged.
func ExpandDateTemplate(s string, now time.Time) string {
	return dateTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		offset := 0
		if sub := dateTemplateRe.FindStringSubmatch(match); sub[1] != "" {
			// the regex guarantees a valid signed integer
			offset, _ = strconv.Atoi(sub[1])
		}
		return now.AddDate(0, 0, offset).Format(DateFormat)
	})
}

// HasDateTemplate reports whether s contains a date placeholder.
func HasDateTemplate(s string) bool {
	return dateTemplateRe.MatchString(s)
}
