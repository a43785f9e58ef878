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

// Package scheduler evaluates cron schedules and dispatches due job
// templates. Multiple scheduler processes may run at once; a redis leader
// lock makes sure only one of them fires schedules in any tick, and missed
// windows are skipped rather than replayed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// cronParser accepts the classic 5-field crontab syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronSpec reports whether spec is a valid 5-field cron expression.
// The API uses it to reject bad schedules at write time.
func ValidateCronSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return trace.BadParameter("invalid cron expression %q: %v", spec, err)
	}
	return nil
}

// ScheduleStore is the subset of the storage layer the scheduler needs.
type ScheduleStore interface {
	ListEnabledSchedules(ctx context.Context) ([]types.JobSchedule, error)
	TouchScheduleRun(ctx context.Context, id int64) error
}

// Dispatcher starts a job run for a due schedule.
type Dispatcher interface {
	DispatchSchedule(ctx context.Context, schedule types.JobSchedule) (runID string, err error)
}

// Config holds the parameters to construct a Scheduler.
type Config struct {
	// Client is the redis client used for the leader lock.
	Client redis.UniversalClient
	// Schedules supplies the enabled schedules.
	Schedules ScheduleStore
	// Dispatcher starts runs for due schedules.
	Dispatcher Dispatcher
	// TickInterval is how often schedules are evaluated.
	TickInterval time.Duration
	// LockTTL is how long the leader lock lives without renewal. It must
	// exceed the tick interval or leadership flaps.
	LockTTL time.Duration
	// LockKey is the redis key of the leader lock.
	LockKey string
	// InstanceID identifies this process in the leader lock value.
	InstanceID string
	// Log is the parent logger.
	Log *slog.Logger
	// Clock is used for due-time evaluation.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Schedules == nil {
		return trace.BadParameter("missing parameter Schedules")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.SchedulerTickInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.SchedulerLockTTL
	}
	if c.LockTTL <= c.TickInterval {
		return trace.BadParameter("lock TTL %v must exceed the tick interval %v", c.LockTTL, c.TickInterval)
	}
	if c.LockKey == "" {
		c.LockKey = defaults.SchedulerLockKey
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler fires due schedules while it holds the leader lock.
type Scheduler struct {
	cfg Config
	log *slog.Logger
}

// New returns a Scheduler ready to Run.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg: cfg,
		log: cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentScheduler),
	}, nil
}

// Run evaluates schedules every tick until the context is cancelled. The
// leader lock is released on the way out so a standby takes over promptly.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "Scheduler starting",
		"tick", s.cfg.TickInterval, "instance", s.cfg.InstanceID)

	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.release()
			s.log.InfoContext(ctx, "Scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick fires every due schedule once, while holding the leader lock.
func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.acquireLeadership(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "Leader lock check failed", "error", err)
		return
	}
	if !leader {
		s.log.DebugContext(ctx, "Another scheduler holds the leader lock")
		return
	}

	schedules, err := s.cfg.Schedules.ListEnabledSchedules(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to list schedules", "error", err)
		return
	}

	now := s.cfg.Clock.Now().UTC()
	for _, schedule := range schedules {
		due, err := isDue(schedule, now)
		if err != nil {
			s.log.ErrorContext(ctx, "Skipping schedule with invalid cron expression",
				"schedule", schedule.ID, "cron", schedule.CronSpec, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, schedule)
	}
}

// fire dispatches one due schedule. The schedule's window is consumed on
// dispatch and on a non-overlap refusal; transient errors leave it due so
// the next tick retries.
func (s *Scheduler) fire(ctx context.Context, schedule types.JobSchedule) {
	runID, err := s.cfg.Dispatcher.DispatchSchedule(ctx, schedule)
	switch {
	case err == nil:
		s.log.InfoContext(ctx, "Fired schedule",
			"schedule", schedule.ID, "template", schedule.TemplateID, "run", runID)
	case trace.IsAlreadyExists(err):
		s.log.InfoContext(ctx, "Skipped schedule, previous run still active",
			"schedule", schedule.ID, "template", schedule.TemplateID)
	default:
		s.log.WarnContext(ctx, "Failed to dispatch schedule",
			"schedule", schedule.ID, "template", schedule.TemplateID, "error", err)
		return
	}
	if err := s.cfg.Schedules.TouchScheduleRun(ctx, schedule.ID); err != nil {
		s.log.WarnContext(ctx, "Failed to record schedule fire", "schedule", schedule.ID, "error", err)
	}
}

// isDue reports whether the schedule's next window after its last fire has
// passed. Only one window fires no matter how many were missed.
func isDue(schedule types.JobSchedule, now time.Time) (bool, error) {
	parsed, err := cronParser.Parse(schedule.CronSpec)
	if err != nil {
		return false, trace.BadParameter("invalid cron expression %q: %v", schedule.CronSpec, err)
	}
	anchor := schedule.CreatedAt
	if schedule.LastRunAt != nil {
		anchor = *schedule.LastRunAt
	}
	return !parsed.Next(anchor).After(now), nil
}

// acquireLeadership takes or renews the leader lock. The lock value is the
// instance ID so a scheduler only ever renews its own lock.
func (s *Scheduler) acquireLeadership(ctx context.Context) (bool, error) {
	ok, err := s.cfg.Client.SetNX(ctx, s.cfg.LockKey, s.cfg.InstanceID, s.cfg.LockTTL).Result()
	if err != nil {
		return false, trace.Wrap(err)
	}
	if ok {
		return true, nil
	}
	holder, err := s.cfg.Client.Get(ctx, s.cfg.LockKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// lock expired between SETNX and GET, take it next tick
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	if holder != s.cfg.InstanceID {
		return false, nil
	}
	if err := s.cfg.Client.Expire(ctx, s.cfg.LockKey, s.cfg.LockTTL).Err(); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// release drops the leader lock if this instance holds it.
func (s *Scheduler) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder, err := s.cfg.Client.Get(ctx, s.cfg.LockKey).Result()
	if err != nil || holder != s.cfg.InstanceID {
		return
	}
	if err := s.cfg.Client.Del(ctx, s.cfg.LockKey).Err(); err != nil {
		s.log.WarnContext(ctx, "Failed to release leader lock", "error", err)
	}
}
