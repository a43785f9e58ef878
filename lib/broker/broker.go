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

// Package broker implements the redis-backed task queue: named queues with
// data-driven routing, a TTL-bound result store, chord counters that fire a
// finaliser when the last member of a group completes, cancellation flags
// and live progress counters.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// Task is the wire envelope of one queued unit of work.
type Task struct {
	// ID is the task UUID, also the key of its result entry.
	ID string `json:"id"`
	// Name selects the executor, e.g. "jobs.backup_device".
	Name string `json:"task"`
	// Kwargs carries the executor parameters as raw JSON; each executor
	// decodes its own parameter struct.
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
	// Queue is the queue the task was routed to.
	Queue string `json:"queue"`
	// EnqueuedAt is when the task entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ResultStatus is the lifecycle of a task result entry.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultStarted ResultStatus = "started"
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Result is the stored outcome of a task, kept for ResultTTL.
type Result struct {
	TaskID    string          `json:"task_id"`
	Task      string          `json:"task"`
	Status    ResultStatus    `json:"status"`
	Payload   json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Config holds the parameters to construct a Broker.
type Config struct {
	// Client is a connected redis client.
	Client redis.UniversalClient
	// Log is the parent logger.
	Log *slog.Logger
	// Clock is used for envelope and result timestamps.
	Clock clockwork.Clock
	// DefaultQueue receives tasks with no matching route.
	DefaultQueue string
	// Routes maps task names to queue names. The "*" entry overrides the
	// default queue.
	Routes map[string]string
	// ResultTTL bounds how long results, chords, progress and cancel flags
	// are retained.
	ResultTTL time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = defaults.DefaultQueue
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = defaults.ResultTTL
	}
	return nil
}

// Broker routes tasks onto redis lists and tracks their results.
type Broker struct {
	cfg Config
	log *slog.Logger
}

// New returns a Broker backed by the given redis client.
func New(cfg Config) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{
		cfg: cfg,
		log: cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentBroker),
	}, nil
}

// Ping verifies redis connectivity, used by the health endpoint.
func (b *Broker) Ping(ctx context.Context) error {
	return trace.Wrap(b.cfg.Client.Ping(ctx).Err())
}

// RouteFor resolves the queue a task name is routed to.
func (b *Broker) RouteFor(task string) string {
	if q, ok := b.cfg.Routes[task]; ok && q != "" {
		return q
	}
	if q, ok := b.cfg.Routes["*"]; ok && q != "" {
		return q
	}
	return b.cfg.DefaultQueue
}

func queueKey(queue string) string {
	return defaults.QueueKeyPrefix + queue
}

func resultKey(taskID string) string {
	return defaults.ResultKeyPrefix + taskID
}

// Enqueue routes a task by name and pushes it. kwargs is marshalled as the
// executor parameter payload. The initial result entry is written in
// pending state so pollers see the task immediately.
func (b *Broker) Enqueue(ctx context.Context, name string, kwargs any) (*Task, error) {
	return b.enqueue(ctx, b.RouteFor(name), name, uuid.NewString(), kwargs)
}

// EnqueueWithID is Enqueue with a caller-chosen task ID, used when the task
// ID doubles as the run ID.
func (b *Broker) EnqueueWithID(ctx context.Context, id, name string, kwargs any) (*Task, error) {
	return b.enqueue(ctx, b.RouteFor(name), name, id, kwargs)
}

func (b *Broker) enqueue(ctx context.Context, queue, name, id string, kwargs any) (*Task, error) {
	if name == "" {
		return nil, trace.BadParameter("missing task name")
	}
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return nil, trace.Wrap(err, "encoding kwargs for task %q", name)
	}
	task := &Task{
		ID:         id,
		Name:       name,
		Kwargs:     raw,
		Queue:      queue,
		EnqueuedAt: b.cfg.Clock.Now().UTC(),
	}
	if err := b.push(ctx, task); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := b.SetResult(ctx, task.ID, task.Name, ResultPending, nil, ""); err != nil {
		return nil, trace.Wrap(err)
	}
	b.log.DebugContext(ctx, "Enqueued task", "task", name, "id", task.ID, "queue", queue)
	return task, nil
}

func (b *Broker) push(ctx context.Context, task *Task) error {
	envelope, err := json.Marshal(task)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.cfg.Client.LPush(ctx, queueKey(task.Queue), envelope).Err())
}

// Consume pops one task from the given queues, blocking up to timeout.
// Returns nil without error when no task arrived, so callers can loop and
// observe context cancellation.
func (b *Broker) Consume(ctx context.Context, queues []string, timeout time.Duration) (*Task, error) {
	if len(queues) == 0 {
		return nil, trace.BadParameter("no queues to consume")
	}
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}
	res, err := b.cfg.Client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, trace.BadParameter("unexpected BRPOP reply of length %d", len(res))
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, trace.Wrap(err, "decoding task envelope")
	}
	return &task, nil
}

// QueueLength reports the backlog of one queue.
func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := b.cfg.Client.LLen(ctx, queueKey(queue)).Result()
	return n, trace.Wrap(err)
}

// SetResult writes a task's result entry, refreshing its TTL.
func (b *Broker) SetResult(ctx context.Context, taskID, taskName string, status ResultStatus, payload any, errMsg string) error {
	entry := Result{
		TaskID:    taskID,
		Task:      taskName,
		Status:    status,
		Error:     errMsg,
		UpdatedAt: b.cfg.Clock.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return trace.Wrap(err, "encoding result payload")
		}
		entry.Payload = raw
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.cfg.Client.Set(ctx, resultKey(taskID), raw, b.cfg.ResultTTL).Err())
}

// GetResult fetches a task's result entry. Expired or unknown tasks return
// NotFound.
func (b *Broker) GetResult(ctx context.Context, taskID string) (*Result, error) {
	raw, err := b.cfg.Client.Get(ctx, resultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("no result for task %q", taskID)
		}
		return nil, trace.Wrap(err)
	}
	var entry Result
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, trace.Wrap(err)
	}
	return &entry, nil
}

func chordCounterKey(chordID string) string {
	return defaults.ChordKeyPrefix + chordID
}

func chordTotalKey(chordID string) string {
	return defaults.ChordKeyPrefix + chordID + ":total"
}

func chordCallbackKey(chordID string) string {
	return defaults.ChordKeyPrefix + chordID + ":callback"
}

// CreateChord arms a completion barrier: once total members have called
// CompleteChordMember, the callback task is enqueued exactly once.
func (b *Broker) CreateChord(ctx context.Context, chordID string, total int, callbackName string, callbackKwargs any) error {
	if total <= 0 {
		return trace.BadParameter("chord %q needs a positive member count", chordID)
	}
	raw, err := json.Marshal(callbackKwargs)
	if err != nil {
		return trace.Wrap(err)
	}
	callback := Task{
		ID:     uuid.NewString(),
		Name:   callbackName,
		Kwargs: raw,
		Queue:  b.RouteFor(callbackName),
	}
	callbackRaw, err := json.Marshal(callback)
	if err != nil {
		return trace.Wrap(err)
	}
	pipe := b.cfg.Client.TxPipeline()
	pipe.Set(ctx, chordTotalKey(chordID), total, b.cfg.ResultTTL)
	pipe.Set(ctx, chordCallbackKey(chordID), callbackRaw, b.cfg.ResultTTL)
	pipe.Del(ctx, chordCounterKey(chordID))
	_, err = pipe.Exec(ctx)
	return trace.Wrap(err)
}

// CompleteChordMember counts one finished member. The increment that
// reaches the chord total enqueues the finaliser and tears the chord down;
// every other call returns false.
func (b *Broker) CompleteChordMember(ctx context.Context, chordID string) (fired bool, err error) {
	count, err := b.cfg.Client.Incr(ctx, chordCounterKey(chordID)).Result()
	if err != nil {
		return false, trace.Wrap(err)
	}
	// keep an abandoned counter from living forever
	b.cfg.Client.Expire(ctx, chordCounterKey(chordID), b.cfg.ResultTTL)

	totalRaw, err := b.cfg.Client.Get(ctx, chordTotalKey(chordID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, trace.NotFound("chord %q is not armed", chordID)
		}
		return false, trace.Wrap(err)
	}
	total, err := strconv.ParseInt(totalRaw, 10, 64)
	if err != nil {
		return false, trace.Wrap(err, "corrupt chord total for %q", chordID)
	}
	if count != total {
		return false, nil
	}

	callbackRaw, err := b.cfg.Client.Get(ctx, chordCallbackKey(chordID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, trace.NotFound("chord %q has no callback", chordID)
		}
		return false, trace.Wrap(err)
	}
	var callback Task
	if err := json.Unmarshal(callbackRaw, &callback); err != nil {
		return false, trace.Wrap(err)
	}
	callback.EnqueuedAt = b.cfg.Clock.Now().UTC()
	if err := b.push(ctx, &callback); err != nil {
		return false, trace.Wrap(err)
	}
	if err := b.SetResult(ctx, callback.ID, callback.Name, ResultPending, nil, ""); err != nil {
		return false, trace.Wrap(err)
	}
	b.cfg.Client.Del(ctx, chordCounterKey(chordID), chordTotalKey(chordID), chordCallbackKey(chordID))
	b.log.DebugContext(ctx, "Chord fired", "chord", chordID, "callback", callback.Name)
	return true, nil
}

func cancelKey(runID string) string {
	return defaults.CancelKeyPrefix + runID
}

// Cancel raises the cooperative cancellation flag for a run. Tasks observe
// it between devices and stop cleanly.
func (b *Broker) Cancel(ctx context.Context, runID string) error {
	return trace.Wrap(b.cfg.Client.Set(ctx, cancelKey(runID), "1", b.cfg.ResultTTL).Err())
}

// IsCancelled reports whether the run's cancellation flag is raised.
func (b *Broker) IsCancelled(ctx context.Context, runID string) (bool, error) {
	n, err := b.cfg.Client.Exists(ctx, cancelKey(runID)).Result()
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

func progressKey(runID string) string {
	return defaults.ProgressKeyPrefix + runID
}

// InitProgress publishes the device total for a starting run.
func (b *Broker) InitProgress(ctx context.Context, runID string, total int) error {
	pipe := b.cfg.Client.TxPipeline()
	pipe.HSet(ctx, progressKey(runID), "processed", 0, "total", total)
	pipe.Expire(ctx, progressKey(runID), b.cfg.ResultTTL)
	_, err := pipe.Exec(ctx)
	return trace.Wrap(err)
}

// IncrementProgress counts one processed device and returns the new count.
// Parallel run members call this concurrently; HINCRBY keeps it exact.
func (b *Broker) IncrementProgress(ctx context.Context, runID string) (int64, error) {
	n, err := b.cfg.Client.HIncrBy(ctx, progressKey(runID), "processed", 1).Result()
	return n, trace.Wrap(err)
}

// GetProgress reads the live progress of a run. ok is false when the run
// has no progress entry, typically because it expired.
func (b *Broker) GetProgress(ctx context.Context, runID string) (progress types.Progress, ok bool, err error) {
	fields, err := b.cfg.Client.HGetAll(ctx, progressKey(runID)).Result()
	if err != nil {
		return progress, false, trace.Wrap(err)
	}
	if len(fields) == 0 {
		return progress, false, nil
	}
	if raw, exists := fields["processed"]; exists {
		progress.Processed, _ = strconv.Atoi(raw)
	}
	if raw, exists := fields["total"]; exists {
		progress.Total, _ = strconv.Atoi(raw)
	}
	return progress, true, nil
}
