// Package application turns forge and backend events into pipeline state
// and queued work.
package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// IngestStatus summarizes what happened to one raw event.
type IngestStatus string

const (
	IngestIgnored      IngestStatus = "ignored"
	IngestBlocked      IngestStatus = "blocked"
	IngestUncorrelated IngestStatus = "uncorrelated"
	IngestDispatched   IngestStatus = "dispatched"
)

// IngestResult is returned for every raw event handed to the Ingestor.
type IngestResult struct {
	Status    IngestStatus
	Event     *model.Event
	Admission model.AllowStatus
	Results   []DispatchResult
}

// resultTargetKinds maps backend event kinds to the targets they report on.
var resultTargetKinds = map[model.EventKind]model.TargetKind{
	model.EventCoprBuildStateChanged:    model.TargetCopr,
	model.EventKojiBuildStateChanged:    model.TargetKoji,
	model.EventTestingFarmResultChanged: model.TargetTestingFarm,
	model.EventVMImageBuildStateChanged: model.TargetVMImage,
}

// IngestorDeps are the collaborators of an Ingestor. PullRequests and
// Fetchers are optional.
type IngestorDeps struct {
	Parser       *Parser
	Admission    *AdmissionService
	Dispatcher   *Dispatcher
	Config       driven.ConfigResolver
	PullRequests driven.PullRequestResolver
	Fetchers     map[model.TargetKind]driven.StatusFetcher
	Triggers     driven.TriggerStore
	Pipelines    driven.PipelineStore
	Targets      driven.TargetStore
	Notifier     *Notifier
	Logger       *slog.Logger
}

// Ingestor is the entry point for every raw payload: it parses, admits,
// resolves repository configuration and dispatches.
type Ingestor struct {
	deps IngestorDeps
}

// NewIngestor creates an Ingestor.
func NewIngestor(deps IngestorDeps) *Ingestor {
	return &Ingestor{deps: deps}
}

// Ingest processes one raw payload. Unparseable payloads are ignored, not
// errors. Forge events from namespaces that are not approved are reported
// once and go no further. Backend results are matched to the target they
// describe before any handler sees them. Errors are returned only for
// failures worth redelivering the payload for.
func (i *Ingestor) Ingest(ctx context.Context, raw model.RawEvent) (IngestResult, error) {
	ev, err := i.deps.Parser.Parse(raw)
	if err != nil {
		return IngestResult{Status: IngestIgnored}, nil
	}

	if ev.Kind.IsBackendResult() {
		return i.ingestResult(ctx, ev)
	}
	return i.ingestForge(ctx, ev)
}

func (i *Ingestor) ingestForge(ctx context.Context, ev model.Event) (IngestResult, error) {
	ns := ev.Namespace()
	status, err := i.deps.Admission.Check(ctx, ns)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest %s: %w", ev.Kind, err)
	}
	if !status.IsApproved() {
		i.deps.Logger.Warn("event from namespace that is not approved",
			"namespace", ns.String(),
			"status", status,
			"kind", ev.Kind,
			"actor", ev.Actor,
		)
		i.deps.Notifier.Event(ctx, ev, model.ReportNeutral, blockedSummary(ns, status))
		return IngestResult{Status: IngestBlocked, Event: &ev, Admission: status}, nil
	}

	if ev.Kind == model.EventCommentRetriggerRequested && ev.PRNumber > 0 && ev.CommitSHA == "" && i.deps.PullRequests != nil {
		sha, ref, err := i.deps.PullRequests.HeadCommit(ctx, ev.Project, ev.PRNumber)
		if err != nil {
			return IngestResult{}, fmt.Errorf("resolve head of %s#%d: %w", ev.Project.FullName(), ev.PRNumber, err)
		}
		ev.CommitSHA, ev.Ref = sha, ref
	}

	var jobs []model.JobConfig
	if ev.Kind != model.EventIssueCommentCreated {
		jobs, err = i.deps.Config.Resolve(ctx, ev.Project, eventRevision(ev))
		if err != nil {
			return IngestResult{}, fmt.Errorf("resolve config for %s: %w", ev.Project, err)
		}
	}

	results := i.deps.Dispatcher.Dispatch(ctx, ev, jobs)
	return IngestResult{Status: IngestDispatched, Event: &ev, Admission: status, Results: results}, nil
}

func (i *Ingestor) ingestResult(ctx context.Context, ev model.Event) (IngestResult, error) {
	kind := resultTargetKinds[ev.Kind]

	// A backend that can be asked is the only source of its state.
	if fetcher := i.deps.Fetchers[kind]; fetcher != nil {
		sub, err := fetcher.FetchStatus(ctx, ev.CorrelationID())
		if err != nil {
			return IngestResult{}, fmt.Errorf("fetch %s status %s: %w", kind, ev.CorrelationID(), err)
		}
		ev.State = sub.Status
		if sub.WebURL != "" {
			ev.WebURL = sub.WebURL
		}
	}
	if ev.State == "" {
		i.deps.Logger.Warn("result carries no state and backend cannot be asked", "kind", ev.Kind, "external_id", ev.CorrelationID())
		return IngestResult{Status: IngestIgnored, Event: &ev}, nil
	}

	target, err := i.deps.Targets.FindByExternalID(ctx, kind, ev.CorrelationID(), ev.Chroot)
	if err != nil {
		return IngestResult{}, fmt.Errorf("correlate %s %s: %w", kind, ev.CorrelationID(), err)
	}
	if target == nil {
		i.deps.Logger.Info("result does not match any target",
			"kind", ev.Kind,
			"external_id", ev.CorrelationID(),
			"chroot", ev.Chroot,
		)
		return IngestResult{Status: IngestUncorrelated, Event: &ev}, nil
	}

	group, err := i.deps.Pipelines.GetGroup(ctx, target.GroupID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load group %d: %w", target.GroupID, err)
	}
	if group == nil {
		return IngestResult{Status: IngestUncorrelated, Event: &ev}, nil
	}
	trigger, err := i.deps.Triggers.Get(ctx, group.TriggerID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load trigger %d: %w", group.TriggerID, err)
	}
	if trigger == nil {
		return IngestResult{Status: IngestUncorrelated, Event: &ev}, nil
	}

	ev.Project = trigger.Project
	ev.CommitSHA = target.CommitSHA
	ev.PRNumber = trigger.PRNumber
	ev.CorrelatedTrigger = trigger.Kind

	jobs, err := i.deps.Config.Resolve(ctx, ev.Project, ev.CommitSHA)
	if err != nil {
		i.deps.Logger.Warn("resolve config for result, using the group's stored job", "project", ev.Project.String(), "error", err)
		jobs = nil
	}
	jobs = withJob(jobs, group.Job)

	results := i.deps.Dispatcher.Dispatch(ctx, ev, jobs)
	return IngestResult{Status: IngestDispatched, Event: &ev, Results: results}, nil
}

// withJob appends job unless a job with the same key is already present.
func withJob(jobs []model.JobConfig, job model.JobConfig) []model.JobConfig {
	if lo.ContainsBy(jobs, func(j model.JobConfig) bool { return j.Key() == job.Key() }) {
		return jobs
	}
	return append(jobs, job)
}

func blockedSummary(ns model.NamespaceRef, status model.AllowStatus) string {
	if status == model.AllowDenied {
		return fmt.Sprintf("Namespace %s is not allowed to use the service", ns.Account())
	}
	return fmt.Sprintf("Namespace %s is waiting for approval", ns.Account())
}
