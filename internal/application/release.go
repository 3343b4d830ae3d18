package application

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// defaultDistGitBranch receives downstream updates when a job names no branches.
const defaultDistGitBranch = "rawhide"

// syncReleaseHandler proposes a new upstream release to each configured
// dist-git branch.
type syncReleaseHandler struct {
	*submitter
}

func newSyncReleaseHandler(deps HandlerDeps) *syncReleaseHandler {
	return &syncReleaseHandler{submitter: &submitter{deps: deps, kind: model.GroupSyncRelease, backend: deps.Backends.SyncRelease}}
}

func (h *syncReleaseHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	branches := job.Targets
	if len(branches) == 0 {
		branches = []string{defaultDistGitBranch}
	}
	return planGroup(ctx, h.deps, ev, job, model.GroupSyncRelease, branches, "Proposing the release downstream")
}

// vmImageHandler builds VM images on request.
type vmImageHandler struct {
	*submitter
}

func newVMImageHandler(deps HandlerDeps) *vmImageHandler {
	return &vmImageHandler{submitter: &submitter{deps: deps, kind: model.GroupVMImage, backend: deps.Backends.VMImage}}
}

func (h *vmImageHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	if len(job.Targets) == 0 {
		h.deps.Logger.Info("vm image job has no targets", "job", job.Key(), "project", ev.Project.String())
		return nil, nil
	}
	return planGroup(ctx, h.deps, ev, job, model.GroupVMImage, job.Targets, "Image build is queued")
}

// planGroup creates a group of pending targets for the event's trigger and
// returns their submission tasks.
func planGroup(ctx context.Context, deps HandlerDeps, ev model.Event, job model.JobConfig, kind model.GroupKind, names []string, summary string) ([]model.Task, error) {
	trigger, err := deps.Triggers.GetOrCreate(ctx, model.TriggerFor(ev))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", kind, err)
	}

	group, targets, _, err := deps.Pipelines.CreateGroupPipeline(ctx, model.Group{Kind: kind, TriggerID: trigger.ID, Job: job}, placeholders(names, eventRevision(ev)))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", kind, err)
	}
	for _, t := range targets {
		deps.Notifier.Target(ctx, group, t, summary)
	}
	return submitTasks(group, targets, ev), nil
}
