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

// Package worker consumes queued tasks with bounded concurrency. Each of
// the N child loops takes one task at a time, is recycled after a fixed
// number of tasks, and converts handler panics into task failures so one
// bad task never takes the process down.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/lib/broker"
	"github.com/netcockpit/cockpit/lib/defaults"
	"github.com/netcockpit/cockpit/lib/utils"
)

var (
	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_worker_tasks_total",
			Help: "Tasks handled by the worker, by task name and outcome.",
		},
		[]string{"task", "status"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cockpit_worker_task_duration_seconds",
			Help:    "Wall time spent executing tasks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"task"},
	)
)

// Handler executes one task. The returned payload is stored as the task
// result; a returned error marks the task failed.
type Handler func(ctx context.Context, task *broker.Task) (any, error)

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task name.
func (r *Registry) Register(name string, handler Handler) error {
	if name == "" {
		return trace.BadParameter("missing task name")
	}
	if handler == nil {
		return trace.BadParameter("missing handler for task %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return trace.AlreadyExists("task %q is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered task names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config holds the parameters to construct a Worker.
type Config struct {
	// Broker supplies tasks and stores their results.
	Broker *broker.Broker
	// Registry resolves task names to handlers.
	Registry *Registry
	// Queues are consumed in the given priority order.
	Queues []string
	// Concurrency is the number of child loops.
	Concurrency int
	// MaxTasksPerChild recycles a child loop after this many tasks.
	MaxTasksPerChild int
	// TaskTimeLimit caps the execution time of a single task.
	TaskTimeLimit time.Duration
	// PollTimeout bounds one blocking queue poll.
	PollTimeout time.Duration
	// Log is the parent logger.
	Log *slog.Logger
	// Clock is used for task timing.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{defaults.DefaultQueue}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.WorkerConcurrency
	}
	if c.MaxTasksPerChild <= 0 {
		c.MaxTasksPerChild = defaults.MaxTasksPerChild
	}
	if c.TaskTimeLimit <= 0 {
		c.TaskTimeLimit = defaults.TaskTimeLimit
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.ConsumePollTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Worker runs child loops that execute queued tasks.
type Worker struct {
	cfg Config
	log *slog.Logger
}

// New returns a Worker ready to Run.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(tasksProcessed, taskDuration); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{
		cfg: cfg,
		log: cfg.Log.With(cockpit.ComponentKey, cockpit.ComponentWorker),
	}, nil
}

// Run blocks consuming tasks until the context is cancelled. A task that is
// already executing finishes before its child loop exits.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "Worker starting",
		"queues", w.cfg.Queues,
		"concurrency", w.cfg.Concurrency,
		"tasks", w.cfg.Registry.Names())

	var wg sync.WaitGroup
	for slot := 0; slot < w.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for incarnation := 1; ctx.Err() == nil; incarnation++ {
				w.runChild(ctx, slot, incarnation)
			}
		}(slot)
	}
	wg.Wait()
	w.log.InfoContext(ctx, "Worker stopped")
	return nil
}

// runChild consumes tasks until the child served its share or the context
// is done. The caller replaces it with a fresh incarnation.
func (w *Worker) runChild(ctx context.Context, slot, incarnation int) {
	log := w.log.With("slot", slot, "incarnation", incarnation)
	for handled := 0; handled < w.cfg.MaxTasksPerChild; {
		if ctx.Err() != nil {
			return
		}
		task, err := w.cfg.Broker.Consume(ctx, w.cfg.Queues, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WarnContext(ctx, "Queue poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.cfg.Clock.After(w.cfg.PollTimeout):
			}
			continue
		}
		if task == nil {
			continue
		}
		handled++
		w.process(ctx, log, task)
	}
	log.DebugContext(ctx, "Child served its task share, recycling")
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, task *broker.Task) {
	// result writes survive a shutdown that lands mid-task
	resultCtx := context.WithoutCancel(ctx)

	handler, ok := w.cfg.Registry.handler(task.Name)
	if !ok {
		log.ErrorContext(ctx, "Dropping task with no registered handler", "task", task.Name, "id", task.ID)
		if err := w.cfg.Broker.SetResult(resultCtx, task.ID, task.Name, broker.ResultFailure, nil, "unknown task "+task.Name); err != nil {
			log.WarnContext(ctx, "Failed to store task result", "id", task.ID, "error", err)
		}
		tasksProcessed.WithLabelValues(task.Name, string(broker.ResultFailure)).Inc()
		return
	}

	if err := w.cfg.Broker.SetResult(resultCtx, task.ID, task.Name, broker.ResultStarted, nil, ""); err != nil {
		log.WarnContext(ctx, "Failed to store task result", "id", task.ID, "error", err)
	}

	start := w.cfg.Clock.Now()
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeLimit)
	payload, err := w.invoke(taskCtx, handler, task)
	cancel()
	elapsed := w.cfg.Clock.Now().Sub(start)
	taskDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())

	if err != nil {
		log.WarnContext(ctx, "Task failed",
			"task", task.Name, "id", task.ID, "elapsed", elapsed, "error", err)
		if serr := w.cfg.Broker.SetResult(resultCtx, task.ID, task.Name, broker.ResultFailure, nil, trace.UserMessage(err)); serr != nil {
			log.WarnContext(ctx, "Failed to store task result", "id", task.ID, "error", serr)
		}
		tasksProcessed.WithLabelValues(task.Name, string(broker.ResultFailure)).Inc()
		return
	}

	if serr := w.cfg.Broker.SetResult(resultCtx, task.ID, task.Name, broker.ResultSuccess, payload, ""); serr != nil {
		log.WarnContext(ctx, "Failed to store task result", "id", task.ID, "error", serr)
	}
	tasksProcessed.WithLabelValues(task.Name, string(broker.ResultSuccess)).Inc()
	log.InfoContext(ctx, "Task completed", "task", task.Name, "id", task.ID, "elapsed", elapsed)
}

// invoke runs the handler, converting a panic into a failed task.
func (w *Worker) invoke(ctx context.Context, handler Handler, task *broker.Task) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.ErrorContext(ctx, "Recovered from panic in task",
				"task", task.Name, "id", task.ID, "panic", r)
			err = trace.Errorf("task %v panicked: %v", task.Name, r)
		}
	}()
	return handler(ctx, task)
}
