package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Handler names. Task.Handler carries one of these across the queue.
const (
	HandlerCoprBuild            = "copr_build"
	HandlerKojiBuild            = "koji_build"
	HandlerSrpmBuild            = "srpm_build"
	HandlerCoprBuildResult      = "copr_build_result"
	HandlerKojiBuildResult      = "koji_build_result"
	HandlerTestingFarm          = "testing_farm"
	HandlerTestingFarmFromBuild = "testing_farm_from_build"
	HandlerTestingFarmResult    = "testing_farm_result"
	HandlerSyncRelease          = "sync_release"
	HandlerVMImageBuild         = "vm_image_build"
	HandlerVMImageResult        = "vm_image_result"
	HandlerIssueComment         = "issue_comment_recorder"
)

// Enqueuer submits follow-up tasks from inside a running task.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.Task) (model.TaskHandle, error)
}

// Backends are the external systems targets are submitted to. A nil backend
// turns every submission to it into a reported error.
type Backends struct {
	Copr        driven.Backend
	Koji        driven.Backend
	TestingFarm driven.Backend
	SyncRelease driven.Backend
	VMImage     driven.Backend
	Srpm        driven.SrpmBuilder
}

// HandlerDeps are the collaborators shared by the built-in handlers.
type HandlerDeps struct {
	Triggers    driven.TriggerStore
	Pipelines   driven.PipelineStore
	Targets     driven.TargetStore
	Enqueuer    Enqueuer
	Notifier    *Notifier
	Backends    Backends
	CallTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d HandlerDeps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d HandlerDeps) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.CallTimeout)
}

type route struct {
	kind model.EventKind
	job  model.JobType
}

// forgeRoutes routes every forge event kind that can start jobType's work.
func forgeRoutes(jobType model.JobType) []route {
	return []route{
		{model.EventPullRequestUpdated, jobType},
		{model.EventPushToBranch, jobType},
		{model.EventReleaseCreated, jobType},
		{model.EventCommentRetriggerRequested, jobType},
	}
}

// RegisterHandlers fills reg with the built-in handler table.
func RegisterHandlers(reg *Registry, deps HandlerDeps) error {
	table := []struct {
		spec   HandlerSpec
		routes []route
	}{
		{
			spec:   HandlerSpec{Name: HandlerCoprBuild, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newBuildHandler(deps, model.GroupCopr, deps.Backends.Copr)},
			routes: forgeRoutes(model.JobCoprBuild),
		},
		{
			spec:   HandlerSpec{Name: HandlerKojiBuild, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newBuildHandler(deps, model.GroupKoji, deps.Backends.Koji)},
			routes: forgeRoutes(model.JobKojiBuild),
		},
		{
			spec: HandlerSpec{Name: HandlerSrpmBuild, Mode: ModeQueued, Queue: model.QueueLongRunning, Task: newSrpmHandler(deps)},
		},
		{
			spec:   HandlerSpec{Name: HandlerCoprBuildResult, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newResultHandler(deps, HandlerCoprBuildResult, model.TargetCopr)},
			routes: []route{{model.EventCoprBuildStateChanged, model.JobCoprBuild}},
		},
		{
			spec:   HandlerSpec{Name: HandlerKojiBuildResult, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newResultHandler(deps, HandlerKojiBuildResult, model.TargetKoji)},
			routes: []route{{model.EventKojiBuildStateChanged, model.JobKojiBuild}},
		},
		{
			spec:   HandlerSpec{Name: HandlerTestingFarm, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newTestingFarmHandler(deps)},
			routes: forgeRoutes(model.JobTests),
		},
		{
			spec:   HandlerSpec{Name: HandlerTestingFarmFromBuild, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newTestsFromBuildHandler(deps)},
			routes: []route{{model.EventCoprBuildStateChanged, model.JobTests}},
		},
		{
			spec:   HandlerSpec{Name: HandlerTestingFarmResult, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newResultHandler(deps, HandlerTestingFarmResult, model.TargetTestingFarm)},
			routes: []route{{model.EventTestingFarmResultChanged, model.JobTests}},
		},
		{
			spec: HandlerSpec{Name: HandlerSyncRelease, Mode: ModeQueued, Queue: model.QueueLongRunning, Task: newSyncReleaseHandler(deps)},
			routes: []route{
				{model.EventReleaseCreated, model.JobSyncRelease},
				{model.EventCommentRetriggerRequested, model.JobSyncRelease},
			},
		},
		{
			spec:   HandlerSpec{Name: HandlerVMImageBuild, Mode: ModeQueued, Queue: model.QueueLongRunning, Task: newVMImageHandler(deps)},
			routes: []route{{model.EventCommentRetriggerRequested, model.JobVMImage}},
		},
		{
			spec:   HandlerSpec{Name: HandlerVMImageResult, Mode: ModeQueued, Queue: model.QueueShortRunning, Task: newResultHandler(deps, HandlerVMImageResult, model.TargetVMImage)},
			routes: []route{{model.EventVMImageBuildStateChanged, model.JobVMImage}},
		},
		{
			spec:   HandlerSpec{Name: HandlerIssueComment, Mode: ModeInline, Inline: &commentRecorder{deps: deps}},
			routes: []route{{model.EventIssueCommentCreated, model.JobAny}},
		},
	}

	for _, entry := range table {
		if err := reg.Register(entry.spec); err != nil {
			return err
		}
		for _, r := range entry.routes {
			if err := reg.Route(r.kind, r.job, entry.spec.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitHandlers names the handler that submits targets of each group kind.
var submitHandlers = map[model.GroupKind]string{
	model.GroupCopr:        HandlerCoprBuild,
	model.GroupKoji:        HandlerKojiBuild,
	model.GroupTestingFarm: HandlerTestingFarm,
	model.GroupSyncRelease: HandlerSyncRelease,
	model.GroupVMImage:     HandlerVMImageBuild,
}

// submitTasks returns one submission task per target. Task IDs are derived
// from the target so a replayed fan-out is deduplicated by the queue.
func submitTasks(group model.Group, targets []model.Target, ev model.Event) []model.Task {
	handler := submitHandlers[group.Kind]
	tasks := make([]model.Task, 0, len(targets))
	for _, t := range targets {
		e := ev
		tasks = append(tasks, model.Task{
			ID:       fmt.Sprintf("%s-target-%d", handler, t.ID),
			Handler:  handler,
			TargetID: t.ID,
			GroupID:  group.ID,
			Job:      group.Job,
			Event:    &e,
		})
	}
	return tasks
}

// placeholders builds pending targets named after names for commit.
func placeholders(names []string, commit string) []model.Target {
	return lo.Map(names, func(name string, _ int) model.Target {
		return model.Target{Name: name, CommitSHA: commit}
	})
}

// eventRevision returns the commit, tag or ref an event's work is built from.
func eventRevision(ev model.Event) string {
	switch {
	case ev.CommitSHA != "":
		return ev.CommitSHA
	case ev.TagName != "":
		return ev.TagName
	}
	return ev.Ref
}

// commentRecorder records the trigger for plain issue and PR comments so
// later commands on the same issue share it.
type commentRecorder struct {
	deps HandlerDeps
}

func (h *commentRecorder) Handle(ctx context.Context, ev model.Event, _ model.JobConfig) (Outcome, error) {
	trigger, err := h.deps.Triggers.GetOrCreate(ctx, model.TriggerFor(ev))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record comment trigger: %w", err)
	}

	h.deps.Logger.Info("issue comment recorded",
		"project", ev.Project.String(),
		"issue", ev.IssueNum,
		"trigger_id", trigger.ID,
		"actor", ev.Actor,
	)
	return OutcomeRan, nil
}
