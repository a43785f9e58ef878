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

// Package events records the append-only audit trail. Emitting an event
// must never fail the operation that produced it: failures are logged
// and swallowed, so callers emit fire-and-forget.
package events

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
)

// Emitter writes audit events.
type Emitter interface {
	// Emit records a single event. Implementations must not return an
	// error to the caller path; recording problems are handled internally.
	Emit(ctx context.Context, event *types.AuditEvent)
}

// Recorder is the slice of the storage layer the emitter needs.
type Recorder interface {
	InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error
}

// EmitterConfig configures the storage-backed emitter.
type EmitterConfig struct {
	// Recorder persists events, usually *storage.Store.
	Recorder Recorder
	// Clock stamps events missing a creation time.
	Clock clockwork.Clock
	// Logger receives recording failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EmitterConfig) CheckAndSetDefaults() error {
	if c.Recorder == nil {
		return trace.BadParameter("missing parameter Recorder")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentAudit)
	}
	return nil
}

// NewEmitter returns an emitter that appends events to the audit_logs
// table through the given recorder.
func NewEmitter(cfg EmitterConfig) (*StoreEmitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &StoreEmitter{c: cfg}, nil
}

// StoreEmitter persists audit events via a Recorder.
type StoreEmitter struct {
	c EmitterConfig
}

// Emit records the event. A failed insert is logged at error level and
// dropped; the audit trail is best effort relative to the operation
// being audited.
func (e *StoreEmitter) Emit(ctx context.Context, event *types.AuditEvent) {
	if event.Severity == "" {
		event.Severity = types.SeverityInfo
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.c.Clock.Now().UTC()
	}
	// The caller's context may already be cancelled (e.g. audit on
	// request abort); the trail still wants the event.
	ctx = context.WithoutCancel(ctx)
	if err := e.c.Recorder.InsertAuditEvent(ctx, event); err != nil {
		e.c.Logger.ErrorContext(ctx, "Failed to record audit event.",
			"event_type", event.Type, "user", event.Username, "error", err)
	}
}

// DiscardEmitter drops all events. Used in tests and tools that have no
// audit trail.
type DiscardEmitter struct{}

// Emit implements Emitter by doing nothing.
func (DiscardEmitter) Emit(ctx context.Context, event *types.AuditEvent) {}
