package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// defaultCoprOwner owns Copr projects when the job names none.
const defaultCoprOwner = "packit"

// buildHandler plans and submits Copr and Koji builds. Koji always builds
// from an SRPM; Copr does when the job asks for it and otherwise builds
// straight from the commit.
type buildHandler struct {
	*submitter
}

func newBuildHandler(deps HandlerDeps, kind model.GroupKind, backend driven.Backend) *buildHandler {
	s := &submitter{deps: deps, kind: kind, backend: backend}
	if kind == model.GroupCopr {
		s.decorate = decorateCopr
	}
	return &buildHandler{submitter: s}
}

// Plan creates the build group with one pending target per configured
// chroot or Koji target. When an SRPM is needed it also creates the SRPM
// pipeline and returns the SRPM task; the target tasks follow once the SRPM
// succeeds.
func (h *buildHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	if len(job.Targets) == 0 {
		h.deps.Logger.Info("build job has no targets", "job", job.Key(), "project", ev.Project.String())
		return nil, nil
	}
	revision := eventRevision(ev)
	if revision == "" {
		h.deps.Logger.Warn("build event has no revision", "kind", ev.Kind, "project", ev.Project.String())
		return nil, nil
	}

	trigger, err := h.deps.Triggers.GetOrCreate(ctx, model.TriggerFor(ev))
	if err != nil {
		return nil, fmt.Errorf("plan %s build: %w", h.kind, err)
	}

	group := model.Group{Kind: h.kind, TriggerID: trigger.ID, Job: job}
	var srpm model.SrpmBuild
	needSrpm := job.BuildSRPM || h.kind == model.GroupKoji
	if needSrpm {
		srpm, _, err = h.deps.Pipelines.CreateSrpmPipeline(ctx, trigger.ID, model.SrpmBuild{CommitSHA: revision})
		if err != nil {
			return nil, fmt.Errorf("plan %s build: %w", h.kind, err)
		}
		group.SrpmBuildID = &srpm.ID
	}

	group, targets, pipeline, err := h.deps.Pipelines.CreateGroupPipeline(ctx, group, placeholders(job.Targets, revision))
	if err != nil {
		return nil, fmt.Errorf("plan %s build: %w", h.kind, err)
	}
	h.deps.Logger.Info("build planned",
		"kind", h.kind,
		"project", ev.Project.String(),
		"trigger_id", trigger.ID,
		"pipeline_id", pipeline.ID,
		"targets", len(targets),
		"srpm", needSrpm,
	)

	summary := "Job is queued"
	if needSrpm {
		summary = "Waiting for the SRPM build"
	}
	for _, t := range targets {
		h.deps.Notifier.Target(ctx, group, t, summary)
	}

	if !needSrpm {
		return submitTasks(group, targets, ev), nil
	}

	h.deps.Notifier.Srpm(ctx, srpm, "SRPM build is queued")
	e := ev
	return []model.Task{{
		ID:          fmt.Sprintf("%s-%d", HandlerSrpmBuild, srpm.ID),
		Handler:     HandlerSrpmBuild,
		SrpmBuildID: srpm.ID,
		Job:         job,
		Event:       &e,
	}}, nil
}

func decorateCopr(req *driven.SubmitRequest, _ model.Target, trigger model.JobTrigger) {
	req.Owner = req.Job.Owner
	if req.Owner == "" {
		req.Owner = defaultCoprOwner
	}
	req.ProjectName = CoprProjectName(req.Job, trigger)
}

// CoprProjectName returns the Copr project a trigger's builds go to:
// the configured project, or one derived from the repository and trigger.
func CoprProjectName(job model.JobConfig, trigger model.JobTrigger) string {
	if job.Project != "" {
		return job.Project
	}

	base := strings.ReplaceAll(trigger.Project.Namespace+"-"+trigger.Project.Repo, "/", "-")
	var name string
	switch trigger.Kind {
	case model.TriggerPullRequest:
		name = fmt.Sprintf("%s-%d", base, trigger.PRNumber)
	case model.TriggerCommit:
		name = base + "-" + strings.ReplaceAll(strings.TrimPrefix(trigger.Branch, "refs/heads/"), "/", "-")
	case model.TriggerRelease:
		name = base + "-releases"
	default:
		name = base
	}
	if job.Identifier != "" {
		name += "-" + job.Identifier
	}
	return name
}
