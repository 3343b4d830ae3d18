package application

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// resultHandler applies a backend status change to the target it correlates
// with. Redelivered and out-of-order results are absorbed by the target state
// machine: a repeat is a no-op and a backward move is an anomaly.
type resultHandler struct {
	deps HandlerDeps
	name string
	kind model.TargetKind
}

func newResultHandler(deps HandlerDeps, name string, kind model.TargetKind) *resultHandler {
	return &resultHandler{deps: deps, name: name, kind: kind}
}

// Plan matches when the event's backend identifier belongs to a target whose
// group was created for this job.
func (h *resultHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	if ev.State == "" {
		return nil, nil
	}

	t, err := h.deps.Targets.FindByExternalID(ctx, h.kind, ev.CorrelationID(), ev.Chroot)
	if err != nil {
		return nil, fmt.Errorf("correlate %s result %s: %w", h.kind, ev.CorrelationID(), err)
	}
	if t == nil {
		return nil, nil
	}

	group, err := h.deps.Pipelines.GetGroup(ctx, t.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load group %d: %w", t.GroupID, err)
	}
	if group == nil || group.Job.Key() != job.Key() {
		return nil, nil
	}

	e := ev
	return []model.Task{{
		Handler:  h.name,
		TargetID: t.ID,
		GroupID:  group.ID,
		Job:      job,
		Event:    &e,
	}}, nil
}

func (h *resultHandler) Run(ctx context.Context, task model.Task) error {
	if task.Event == nil {
		return fmt.Errorf("result task %s carries no event", task.ID)
	}
	ev := *task.Event

	at := ev.OccurredAt
	if at.IsZero() {
		at = h.deps.now()
	}

	updated, tr, err := updateTarget(ctx, h.deps.Targets, task.TargetID, func(t *model.Target) (model.Transition, error) {
		tr, err := t.Transition(ev.State, at)
		if tr == model.TransitionApply {
			if ev.WebURL != "" {
				t.WebURL = ev.WebURL
			}
			if t.Data == nil {
				t.Data = map[string]any{}
			}
			t.Data["result"] = ev.Payload
		}
		return tr, err
	})
	if err != nil {
		return fmt.Errorf("apply %s result to target %d: %w", h.kind, task.TargetID, err)
	}
	if tr == model.TransitionNoop {
		h.deps.Logger.Debug("result already applied", "target_id", updated.ID, "status", updated.Status)
		return nil
	}

	group, err := h.deps.Pipelines.GetGroup(ctx, updated.GroupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", updated.GroupID, err)
	}
	if group == nil {
		return nil
	}

	h.deps.Logger.Info("target status changed",
		"target_id", updated.ID,
		"kind", h.kind,
		"name", updated.Name,
		"status", updated.Status,
	)
	h.deps.Notifier.Target(ctx, *group, updated, resultSummary(updated))

	if updated.Status.IsTerminal() {
		h.logGroupProgress(ctx, *group)
	}
	return nil
}

// Fail marks the target errored when its result could not be applied.
func (h *resultHandler) Fail(ctx context.Context, task model.Task, cause error) error {
	return failTarget(ctx, h.deps, task.TargetID, cause)
}

func (h *resultHandler) logGroupProgress(ctx context.Context, group model.Group) {
	targets, err := h.deps.Targets.TargetsForGroup(ctx, group.ID)
	if err != nil {
		h.deps.Logger.Warn("load group targets", "group_id", group.ID, "error", err)
		return
	}
	if status := model.AggregateStatus(targets); status.IsTerminal() {
		h.deps.Logger.Info("group finished", "group_id", group.ID, "kind", group.Kind, "status", status)
	}
}

func resultSummary(t model.Target) string {
	switch t.Status {
	case model.StatusQueued, model.StatusSubmitted:
		return "Waiting for the backend"
	case model.StatusRunning:
		return "In progress"
	case model.StatusSuccess:
		return "Finished successfully"
	case model.StatusSkipped:
		return "Skipped"
	case model.StatusFailed:
		return "Failed"
	case model.StatusCanceled:
		return "Canceled"
	}
	return "Errored"
}
