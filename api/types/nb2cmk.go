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

import "time"

// ComparisonOutcome is the per-device result of comparing the Nautobot
// derived host config against the CheckMK host.
type ComparisonOutcome string

const (
	ComparisonEqual        ComparisonOutcome = "equal"
	ComparisonDiff         ComparisonOutcome = "diff"
	ComparisonHostNotFound ComparisonOutcome = "host_not_found"
	ComparisonError        ComparisonOutcome = "error"
)

// NB2CMKJob is a long-running reconciliation pass over a device set; its
// progress is observed by polling, never by holding a request open.
type NB2CMKJob struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedBy   string     `json:"started_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    Progress   `json:"progress"`
	// Apply distinguishes a sync (changes are written to CheckMK) from a
	// dry comparison.
	Apply bool   `json:"apply"`
	Error string `json:"error,omitempty"`
}

// NB2CMKJobResult is a single device comparison outcome.
type NB2CMKJobResult struct {
	ID         int64             `json:"id"`
	JobID      string            `json:"job_id"`
	DeviceName string            `json:"device_name"`
	Outcome    ComparisonOutcome `json:"outcome"`
	// Diff enumerates the differing keys in "key: nautobot != checkmk"
	// form. Only set for diff outcomes.
	Diff []string `json:"diff,omitempty"`
	// Action is what the sync pass did about it: added, updated, moved,
	// removed, none.
	Action    string    `json:"action,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sync actions recorded on NB2CMKJobResult.
const (
	SyncActionNone   = "none"
	SyncActionAdd    = "added"
	SyncActionUpdate = "updated"
	SyncActionMove   = "moved"
	SyncActionRemove = "removed"
)
