package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// GroupView is a group with its targets and derived status.
type GroupView struct {
	Group   model.Group
	Trigger model.JobTrigger
	Status  model.TargetStatus
	Targets []model.Target
}

// PipelineView is a pipeline with the unit of work it owns.
type PipelineView struct {
	Pipeline model.Pipeline
	Trigger  model.JobTrigger
	Srpm     *model.SrpmBuild
	Group    *GroupView
}

// PipelineSummary is one line of a trigger's pipeline listing. Status is the
// SRPM build status or the aggregate status of the group's targets.
type PipelineSummary struct {
	Pipeline model.Pipeline
	Group    *model.Group
	Status   model.TargetStatus
}

// TriggerView is a trigger with every pipeline it started, oldest first.
type TriggerView struct {
	Trigger   model.JobTrigger
	Pipelines []PipelineSummary
}

// StatusService answers read-only status queries for the API.
type StatusService struct {
	triggers  driven.TriggerStore
	pipelines driven.PipelineStore
	targets   driven.TargetStore
}

// NewStatusService creates a StatusService.
func NewStatusService(triggers driven.TriggerStore, pipelines driven.PipelineStore, targets driven.TargetStore) *StatusService {
	return &StatusService{triggers: triggers, pipelines: pipelines, targets: targets}
}

// Pipeline returns the pipeline with the given ID, or nil if none exists.
func (s *StatusService) Pipeline(ctx context.Context, id int64) (*PipelineView, error) {
	p, err := s.pipelines.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	trigger, err := s.trigger(ctx, p.TriggerID)
	if err != nil {
		return nil, err
	}
	view := &PipelineView{Pipeline: *p, Trigger: trigger}

	if p.SrpmBuildID != nil {
		view.Srpm, err = s.pipelines.GetSrpmBuild(ctx, *p.SrpmBuildID)
		if err != nil {
			return nil, err
		}
	}
	if p.GroupID != nil {
		view.Group, err = s.Group(ctx, *p.GroupID)
		if err != nil {
			return nil, err
		}
	}
	return view, nil
}

// Group returns the group with the given ID, or nil if none exists.
func (s *StatusService) Group(ctx context.Context, id int64) (*GroupView, error) {
	g, err := s.pipelines.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, nil
	}

	trigger, err := s.trigger(ctx, g.TriggerID)
	if err != nil {
		return nil, err
	}
	targets, err := s.targets.TargetsForGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}

	return &GroupView{
		Group:   *g,
		Trigger: trigger,
		Status:  model.AggregateStatus(targets),
		Targets: targets,
	}, nil
}

// TriggerPipelines lists the pipelines a trigger started, or returns nil if
// the trigger does not exist.
func (s *StatusService) TriggerPipelines(ctx context.Context, triggerID int64) (*TriggerView, error) {
	t, err := s.triggers.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	pipelines, err := s.pipelines.PipelinesForTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	view := &TriggerView{Trigger: *t, Pipelines: make([]PipelineSummary, 0, len(pipelines))}
	for _, p := range pipelines {
		summary := PipelineSummary{Pipeline: p}
		if p.SrpmBuildID != nil {
			b, err := s.pipelines.GetSrpmBuild(ctx, *p.SrpmBuildID)
			if err != nil {
				return nil, err
			}
			if b != nil {
				summary.Status = b.Status
			}
		}
		g, err := s.pipelines.GroupForPipeline(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if g != nil {
			targets, err := s.targets.TargetsForGroup(ctx, g.ID)
			if err != nil {
				return nil, err
			}
			summary.Group = g
			summary.Status = model.AggregateStatus(targets)
		}
		view.Pipelines = append(view.Pipelines, summary)
	}
	return view, nil
}

func (s *StatusService) trigger(ctx context.Context, id int64) (model.JobTrigger, error) {
	t, err := s.triggers.Get(ctx, id)
	if err != nil {
		return model.JobTrigger{}, err
	}
	if t == nil {
		return model.JobTrigger{}, fmt.Errorf("trigger %d: %w", id, driven.ErrNotFound)
	}
	return *t, nil
}

// Summary renders the group as a Markdown table of its targets.
func (v GroupView) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "### %s %s for %s\n\n", reportLabels[v.Group.Kind], v.Status, triggerLabel(v.Trigger))
	b.WriteString("| Target | Status | Link |\n| --- | --- | --- |\n")
	for _, t := range v.Targets {
		link := "-"
		if t.WebURL != "" {
			link = fmt.Sprintf("[details](%s)", t.WebURL)
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", t.Name, t.Status, link)
	}
	return b.String()
}

func triggerLabel(t model.JobTrigger) string {
	name := t.Project.FullName()
	switch t.Kind {
	case model.TriggerPullRequest:
		return fmt.Sprintf("%s#%d", name, t.PRNumber)
	case model.TriggerCommit:
		return fmt.Sprintf("%s@%s", name, strings.TrimPrefix(t.Branch, "refs/heads/"))
	case model.TriggerRelease:
		return fmt.Sprintf("%s %s", name, t.Tag)
	case model.TriggerIssueComment:
		return fmt.Sprintf("%s issue #%d", name, t.IssueNumber)
	}
	return name
}
