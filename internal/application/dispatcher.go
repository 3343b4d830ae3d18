package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Outcome is the result of offering one event to one handler.
type Outcome string

const (
	OutcomeRan      Outcome = "ran"
	OutcomeEnqueued Outcome = "enqueued"
	OutcomeNoMatch  Outcome = "no_match"
	OutcomeFailed   Outcome = "failed"
)

// DispatchResult records what one handler did with an event.
type DispatchResult struct {
	Handler string
	Job     model.JobConfig
	Outcome Outcome
	Tasks   []model.TaskHandle
	Err     error
}

// Dispatcher routes events to the handlers registered for them.
type Dispatcher struct {
	registry *Registry
	queue    driven.TaskQueue
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher over a populated registry.
func NewDispatcher(registry *Registry, queue driven.TaskQueue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, queue: queue, logger: logger, now: time.Now}
}

// Dispatch offers ev to every handler routed for (ev.Kind, job.Type) where
// the job matches the event, and once to handlers routed under JobAny. A
// failure in one handler does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event, jobs []model.JobConfig) []DispatchResult {
	var results []DispatchResult

	for _, spec := range d.registry.Handlers(ev.Kind, model.JobAny) {
		results = append(results, d.run(ctx, spec, ev, model.JobConfig{Type: model.JobAny, Trigger: ev.TriggerKind()}))
	}

	for _, job := range jobs {
		if !job.Matches(ev) {
			continue
		}
		for _, spec := range d.registry.Handlers(ev.Kind, job.Type) {
			results = append(results, d.run(ctx, spec, ev, job))
		}
	}

	if len(results) == 0 {
		d.logger.Info("no handler matched event", "kind", ev.Kind, "project", ev.Project.String(), "jobs", len(jobs))
	}
	return results
}

func (d *Dispatcher) run(ctx context.Context, spec HandlerSpec, ev model.Event, job model.JobConfig) DispatchResult {
	res := DispatchResult{Handler: spec.Name, Job: job}

	if spec.Mode == ModeInline {
		out, err := spec.Inline.Handle(ctx, ev, job)
		if err != nil {
			d.logger.Error("inline handler failed", "handler", spec.Name, "job", job.Key(), "error", err)
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		res.Outcome = out
		return res
	}

	tasks, err := spec.Task.Plan(ctx, ev, job)
	if err != nil {
		d.logger.Error("handler planning failed", "handler", spec.Name, "job", job.Key(), "error", err)
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if len(tasks) == 0 {
		d.logger.Debug("handler did not match event", "handler", spec.Name, "job", job.Key(), "kind", ev.Kind)
		res.Outcome = OutcomeNoMatch
		return res
	}

	var errs []error
	for _, task := range tasks {
		handle, err := d.Enqueue(ctx, task)
		if err != nil {
			errs = append(errs, err)
			d.failUnqueued(ctx, task, err)
			continue
		}
		res.Tasks = append(res.Tasks, handle)
	}

	switch {
	case len(res.Tasks) == 0:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeEnqueued
	}
	res.Err = errors.Join(errs...)
	return res
}

// Enqueue fills in the routing fields of a planned task and submits it to
// the queue its handler is registered for.
func (d *Dispatcher) Enqueue(ctx context.Context, task model.Task) (model.TaskHandle, error) {
	spec, ok := d.registry.Lookup(task.Handler)
	if !ok || spec.Mode != ModeQueued {
		return model.TaskHandle{}, fmt.Errorf("enqueue task for %q: no queued handler registered", task.Handler)
	}
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.TaskHandle{}, fmt.Errorf("generate task id: %w", err)
		}
		task.ID = id.String()
	}
	task.Queue = spec.Queue
	task.EnqueuedAt = d.now().UTC()

	handle, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		return model.TaskHandle{}, fmt.Errorf("enqueue %s task %s: %w", task.Handler, task.ID, err)
	}
	if handle.Duplicate {
		d.logger.Debug("task already queued", "task_id", task.ID, "handler", task.Handler)
	}
	return handle, nil
}

// failUnqueued marks a planned task's placeholder failed so it does not sit
// pending until the stale reaper finds it.
func (d *Dispatcher) failUnqueued(ctx context.Context, task model.Task, cause error) {
	d.logger.Error("task not enqueued", "handler", task.Handler, "target_id", task.TargetID, "error", cause)

	spec, ok := d.registry.Lookup(task.Handler)
	if !ok || spec.Task == nil {
		return
	}
	if err := spec.Task.Fail(ctx, task, cause); err != nil {
		d.logger.Error("record enqueue failure", "handler", task.Handler, "target_id", task.TargetID, "error", err)
	}
}
