package application

import (
	"context"
	"fmt"
	"slices"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// testingFarmHandler plans test runs that do not wait for a fresh build:
// skip_build jobs, "/packit test" against the latest builds and
// "/packit retest-failed". It also submits every test target.
type testingFarmHandler struct {
	*submitter
}

func newTestingFarmHandler(deps HandlerDeps) *testingFarmHandler {
	return &testingFarmHandler{submitter: newTestsSubmitter(deps)}
}

func newTestsSubmitter(deps HandlerDeps) *submitter {
	return &submitter{
		deps:    deps,
		kind:    model.GroupTestingFarm,
		backend: deps.Backends.TestingFarm,
		decorate: func(req *driven.SubmitRequest, t model.Target, _ model.JobTrigger) {
			if id, ok := t.Data["build_id"].(string); ok {
				req.BuildID = id
			}
		},
	}
}

func (h *testingFarmHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	retrigger := ev.Kind == model.EventCommentRetriggerRequested
	if !retrigger && !job.SkipBuild {
		// Test runs for built code are planned when the build succeeds.
		return nil, nil
	}

	trigger, err := h.deps.Triggers.GetOrCreate(ctx, model.TriggerFor(ev))
	if err != nil {
		return nil, fmt.Errorf("plan tests: %w", err)
	}

	switch {
	case retrigger && ev.Command == "retest-failed":
		return h.planRetest(ctx, ev, job, trigger)
	case job.SkipBuild:
		if len(job.Targets) == 0 {
			return nil, nil
		}
		group := model.Group{Kind: model.GroupTestingFarm, TriggerID: trigger.ID, Job: job}
		return h.create(ctx, ev, group, placeholders(job.Targets, eventRevision(ev)))
	default:
		return h.planFromLatestBuild(ctx, ev, job, trigger)
	}
}

// planFromLatestBuild tests every successful target of the trigger's latest
// Copr group.
func (h *testingFarmHandler) planFromLatestBuild(ctx context.Context, ev model.Event, job model.JobConfig, trigger model.JobTrigger) ([]model.Task, error) {
	builds, err := h.deps.Pipelines.LatestGroup(ctx, trigger.ID, model.GroupCopr)
	if err != nil {
		return nil, fmt.Errorf("plan tests: %w", err)
	}
	if builds == nil {
		h.deps.Logger.Info("no builds to test", "trigger_id", trigger.ID)
		return nil, nil
	}

	built, err := h.deps.Targets.TargetsForGroup(ctx, builds.ID)
	if err != nil {
		return nil, fmt.Errorf("plan tests: %w", err)
	}

	var targets []model.Target
	for _, b := range built {
		if b.Status != model.StatusSuccess || !wantsTarget(job, b.Name) {
			continue
		}
		targets = append(targets, testTargetFor(b))
	}
	if len(targets) == 0 {
		return nil, nil
	}

	group := model.Group{Kind: model.GroupTestingFarm, TriggerID: trigger.ID, ParentGroupID: &builds.ID, Job: job}
	return h.create(ctx, ev, group, targets)
}

// planRetest reruns the failed and errored targets of the latest test group
// for the same job.
func (h *testingFarmHandler) planRetest(ctx context.Context, ev model.Event, job model.JobConfig, trigger model.JobTrigger) ([]model.Task, error) {
	latest, err := h.deps.Pipelines.LatestGroup(ctx, trigger.ID, model.GroupTestingFarm)
	if err != nil {
		return nil, fmt.Errorf("plan retest: %w", err)
	}
	if latest == nil || latest.Job.Key() != job.Key() {
		return nil, nil
	}

	previous, err := h.deps.Targets.TargetsForGroup(ctx, latest.ID)
	if err != nil {
		return nil, fmt.Errorf("plan retest: %w", err)
	}

	var targets []model.Target
	for _, p := range previous {
		if p.Status != model.StatusFailed && p.Status != model.StatusError {
			continue
		}
		t := model.Target{Name: p.Name, CommitSHA: p.CommitSHA}
		if id, ok := p.Data["build_id"]; ok {
			t.Data = map[string]any{"build_id": id}
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		h.deps.Logger.Info("nothing to retest", "group_id", latest.ID)
		return nil, nil
	}

	group := model.Group{Kind: model.GroupTestingFarm, TriggerID: trigger.ID, ParentGroupID: latest.ParentGroupID, Job: job}
	return h.create(ctx, ev, group, targets)
}

func (h *testingFarmHandler) create(ctx context.Context, ev model.Event, group model.Group, targets []model.Target) ([]model.Task, error) {
	group, stored, _, err := h.deps.Pipelines.CreateGroupPipeline(ctx, group, targets)
	if err != nil {
		return nil, fmt.Errorf("plan tests: %w", err)
	}
	for _, t := range stored {
		h.deps.Notifier.Target(ctx, group, t, "Tests are queued")
	}
	return submitTasks(group, stored, ev), nil
}

// testsFromBuildHandler plans a test run for each Copr chroot that finishes
// successfully. Results for one Copr group feed a single test group.
type testsFromBuildHandler struct {
	*submitter
}

func newTestsFromBuildHandler(deps HandlerDeps) *testsFromBuildHandler {
	return &testsFromBuildHandler{submitter: newTestsSubmitter(deps)}
}

func (h *testsFromBuildHandler) Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error) {
	if ev.State != model.StatusSuccess || job.SkipBuild {
		return nil, nil
	}

	build, err := h.deps.Targets.FindByExternalID(ctx, model.TargetCopr, ev.BuildID, ev.Chroot)
	if err != nil {
		return nil, fmt.Errorf("plan tests for build %s: %w", ev.BuildID, err)
	}
	if build == nil || !wantsTarget(job, build.Name) {
		return nil, nil
	}

	parent, err := h.deps.Pipelines.GetGroup(ctx, build.GroupID)
	if err != nil {
		return nil, fmt.Errorf("plan tests for build %s: %w", ev.BuildID, err)
	}
	if parent == nil {
		return nil, nil
	}

	group, added, err := h.deps.Pipelines.EnsureChildGroup(ctx, model.Group{
		Kind:          model.GroupTestingFarm,
		TriggerID:     parent.TriggerID,
		ParentGroupID: &parent.ID,
		Job:           job,
	}, []model.Target{testTargetFor(*build)})
	if err != nil {
		return nil, fmt.Errorf("plan tests for build %s: %w", ev.BuildID, err)
	}
	if len(added) == 0 {
		return nil, nil
	}

	for _, t := range added {
		h.deps.Notifier.Target(ctx, group, t, "Tests are queued")
	}
	return submitTasks(group, added, ev), nil
}

// testTargetFor derives the test target that consumes a finished build.
func testTargetFor(build model.Target) model.Target {
	return model.Target{
		Name:      build.Name,
		CommitSHA: build.CommitSHA,
		Data:      map[string]any{"build_id": build.ExternalID},
	}
}

func wantsTarget(job model.JobConfig, name string) bool {
	return len(job.Targets) == 0 || slices.Contains(job.Targets, name)
}
