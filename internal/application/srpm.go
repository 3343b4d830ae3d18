package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// srpmHandler builds the source package in the sandbox and, once it
// succeeds, releases the build groups waiting on it.
type srpmHandler struct {
	deps HandlerDeps
}

func newSrpmHandler(deps HandlerDeps) *srpmHandler {
	return &srpmHandler{deps: deps}
}

// Plan never matches: SRPM tasks are planned by the build handlers.
func (h *srpmHandler) Plan(context.Context, model.Event, model.JobConfig) ([]model.Task, error) {
	return nil, nil
}

func (h *srpmHandler) Run(ctx context.Context, task model.Task) error {
	b, err := h.deps.Pipelines.GetSrpmBuild(ctx, task.SrpmBuildID)
	if err != nil {
		return fmt.Errorf("load srpm build %d: %w", task.SrpmBuildID, err)
	}
	if b == nil {
		h.deps.Logger.Warn("srpm build no longer exists", "srpm_build_id", task.SrpmBuildID)
		return nil
	}
	if b.Status.IsTerminal() {
		if b.Ready() {
			return h.release(ctx, *b, task)
		}
		return nil
	}
	if h.deps.Backends.Srpm == nil {
		return errors.New("srpm builder is not configured")
	}

	trigger, err := h.deps.Triggers.Get(ctx, b.TriggerID)
	if err != nil {
		return fmt.Errorf("load trigger %d: %w", b.TriggerID, err)
	}
	if trigger == nil {
		return fmt.Errorf("load trigger %d: %w", b.TriggerID, driven.ErrNotFound)
	}

	if b.Status == model.StatusPending {
		started := h.deps.now()
		b.Status = model.StatusRunning
		b.StartedAt = &started
		updated, err := h.deps.Pipelines.UpdateSrpmBuild(ctx, *b)
		if err != nil {
			return srpmUpdateError(b.ID, err)
		}
		b = &updated
		h.deps.Notifier.Srpm(ctx, *b, "SRPM build in progress")
	}

	res, err := h.deps.Backends.Srpm.BuildSRPM(ctx, driven.SrpmRequest{
		Project:   trigger.Project,
		CommitSHA: b.CommitSHA,
		Ref:       b.CommitSHA,
		PRNumber:  trigger.PRNumber,
	})
	if err != nil {
		return fmt.Errorf("build srpm %d: %w", b.ID, err)
	}

	finished := h.deps.now()
	b.URL, b.LogsURL, b.FinishedAt = res.URL, res.LogsURL, &finished
	b.Status = model.StatusFailed
	if res.Success {
		b.Status = model.StatusSuccess
	}
	updated, err := h.deps.Pipelines.UpdateSrpmBuild(ctx, *b)
	if err != nil {
		return srpmUpdateError(b.ID, err)
	}

	h.deps.Logger.Info("srpm build finished", "srpm_build_id", updated.ID, "status", updated.Status)
	if !res.Success {
		h.deps.Notifier.Srpm(ctx, updated, "SRPM build failed")
		return h.failDependents(ctx, updated, errors.New("SRPM build failed"))
	}
	h.deps.Notifier.Srpm(ctx, updated, "SRPM build succeeded")
	return h.release(ctx, updated, task)
}

// Fail marks the SRPM build and every target waiting on it errored.
func (h *srpmHandler) Fail(ctx context.Context, task model.Task, cause error) error {
	b, err := h.deps.Pipelines.GetSrpmBuild(ctx, task.SrpmBuildID)
	if err != nil {
		return fmt.Errorf("load srpm build %d: %w", task.SrpmBuildID, err)
	}
	if b == nil {
		return nil
	}

	if !b.Status.IsTerminal() {
		finished := h.deps.now()
		b.Status = model.StatusError
		b.FinishedAt = &finished
		updated, err := h.deps.Pipelines.UpdateSrpmBuild(ctx, *b)
		if err != nil {
			return srpmUpdateError(b.ID, err)
		}
		h.deps.Notifier.Srpm(ctx, updated, "SRPM build errored: "+cause.Error())
		b = &updated
	}
	return h.failDependents(ctx, *b, cause)
}

// release enqueues submissions for every target still waiting on the SRPM.
// Enqueueing is keyed by target, so releasing twice queues nothing new.
func (h *srpmHandler) release(ctx context.Context, b model.SrpmBuild, task model.Task) error {
	groups, err := h.deps.Pipelines.GroupsForSrpmBuild(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("release srpm build %d: %w", b.ID, err)
	}

	var ev model.Event
	if task.Event != nil {
		ev = *task.Event
	}

	var errs []error
	for _, g := range groups {
		targets, err := h.deps.Targets.TargetsForGroup(ctx, g.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		waiting := lo.Filter(targets, func(t model.Target, _ int) bool {
			return t.ExternalID == "" && !t.Status.IsTerminal()
		})
		for _, st := range submitTasks(g, waiting, ev) {
			if _, err := h.deps.Enqueuer.Enqueue(ctx, st); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release srpm build %d: %w: %w", b.ID, err, driven.ErrTransient)
	}
	return nil
}

func (h *srpmHandler) failDependents(ctx context.Context, b model.SrpmBuild, cause error) error {
	groups, err := h.deps.Pipelines.GroupsForSrpmBuild(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("load groups for srpm build %d: %w", b.ID, err)
	}

	var errs []error
	for _, g := range groups {
		targets, err := h.deps.Targets.TargetsForGroup(ctx, g.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range targets {
			if t.Status.IsTerminal() {
				continue
			}
			if err := failTarget(ctx, h.deps, t.ID, cause); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func srpmUpdateError(id int64, err error) error {
	if errors.Is(err, driven.ErrConflict) {
		return fmt.Errorf("update srpm build %d: %w: %w", id, err, driven.ErrTransient)
	}
	return fmt.Errorf("update srpm build %d: %w", id, err)
}
