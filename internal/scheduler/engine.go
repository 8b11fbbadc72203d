// Package scheduler drives recurring work. A fixed-interval poll loop loads
// the enabled task definitions, evaluates each one in isolation, and fires
// exactly one dispatch per due occurrence: a job enqueue when the payload
// names a handler, a bus emit when it names a topic.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

type Engine struct {
	*core.BaseComponent

	cfg     config.SchedulerConfig
	store   storage.TaskStore
	jobs    *jobs.Engine
	bus     *bus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg config.SchedulerConfig, store storage.TaskStore, jobEngine *jobs.Engine, b *bus.Bus, m *metrics.Metrics) *Engine {
	return &Engine{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_SCHEDULER,
			consts.COMPONENT_JOB_ENGINE, consts.COMPONENT_BUS, consts.COMPONENT_LOGGING),
		cfg:     cfg,
		store:   store,
		jobs:    jobEngine,
		bus:     b,
		metrics: m,
		now:     time.Now,
	}
}

// Start launches the poll loop. Calling it while running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.IsActive() {
		return nil
	}
	if err := e.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.pollLoop(loopCtx)
	return nil
}

// Stop clears the poll timer and waits for an in-flight tick to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.IsActive() {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return e.BaseComponent.Stop(ctx)
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled task once. Exported so tests drive time
// without the ticker.
func (e *Engine) Tick(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.SchedulerTicks.Inc()
	}
	tasks, err := e.store.List(ctx, storage.TaskFilter{EnabledOnly: true})
	if err != nil {
		logging.Error(ctx, "scheduler task load failed", zap.Error(err))
		if e.metrics != nil {
			e.metrics.SchedulerErrors.Inc()
		}
		return
	}
	for _, task := range tasks {
		if err := e.evaluate(ctx, task); err != nil {
			logging.Warn(ctx, "scheduled task evaluation failed",
				zap.String("task_id", task.ID),
				zap.String("expression", task.Expression),
				zap.Error(err))
			if e.metrics != nil {
				e.metrics.SchedulerErrors.Inc()
			}
		}
	}
}

// evaluate dispatches the task if due, then advances lastRun/nextRun. Each
// task is handled independently so one bad expression never blocks others.
func (e *Engine) evaluate(ctx context.Context, task *model.ScheduledTask) error {
	now := e.now()

	if task.NextRun == nil {
		// Seed the schedule from the expression; the first fire happens at
		// the next occurrence, not immediately.
		next, err := NextOccurrence(task.Expression, now)
		if err != nil {
			return err
		}
		return e.store.UpdateFields(ctx, task.ID, map[string]any{
			"next_run": next, "updated_at": now,
		})
	}

	if !e.due(task, now) {
		return nil
	}

	// Recompute before dispatching. A task whose expression no longer
	// parses must not fire at all; its stale nextRun stays put until the
	// expression is corrected.
	next, err := NextOccurrence(task.Expression, now)
	if err != nil {
		return err
	}

	if err := e.dispatch(ctx, task); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SchedulerDispatches.Inc()
	}

	fields := map[string]any{"last_run": now, "updated_at": now}
	if next.After(*task.NextRun) {
		// nextRun only ever advances forward.
		fields["next_run"] = next
	}
	return e.store.UpdateFields(ctx, task.ID, fields)
}

// due applies the double-fire guard: nextRun has passed and either the task
// never ran or more than one poll interval elapsed since lastRun.
func (e *Engine) due(task *model.ScheduledTask, now time.Time) bool {
	if task.NextRun == nil || task.NextRun.After(now) {
		return false
	}
	if task.LastRun == nil {
		return true
	}
	return now.Sub(*task.LastRun) > e.cfg.PollInterval.Std()
}

// dispatch takes exactly one action: enqueue when the payload names a
// handler, emit when it names a topic.
func (e *Engine) dispatch(ctx context.Context, task *model.ScheduledTask) error {
	if handler := gjson.Get(task.Payload, "handler"); handler.Exists() {
		var args any
		if raw := gjson.Get(task.Payload, "args").Raw; raw != "" {
			args = raw
		}
		_, err := e.jobs.Enqueue(ctx, handler.String(), args, nil, jobs.EnqueueOptions{})
		if err != nil {
			return fmt.Errorf("enqueue for task %s: %w", task.ID, err)
		}
		return nil
	}
	if topic := gjson.Get(task.Payload, "topic"); topic.Exists() {
		payload := gjson.Get(task.Payload, "payload").Raw
		if payload == "" {
			payload = "null"
		}
		e.bus.Emit(ctx, model.Event{Type: topic.String(), Payload: []byte(payload)})
		return nil
	}
	return fmt.Errorf("task %s payload names neither handler nor topic", task.ID)
}
