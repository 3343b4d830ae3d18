package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// errSubmissionUnknown is recorded when an interrupted submission cannot be
// resolved against the backend.
var errSubmissionUnknown = errors.New("submission state unknown after interrupted attempt")

// submitter runs the placeholder protocol shared by every handler that sends
// targets to a backend. Before calling the backend it persists a
// submission-started marker on the target; after the backend answers it
// records the external ID. A delivery that finds the marker without an
// external ID never submits blindly: it asks the backend by submission key
// when the backend supports lookups and marks the target errored otherwise.
type submitter struct {
	deps    HandlerDeps
	kind    model.GroupKind
	backend driven.Backend
	// decorate adds backend-specific fields to the common request.
	decorate func(req *driven.SubmitRequest, t model.Target, trigger model.JobTrigger)
}

// Run submits the task's target unless an earlier delivery already did.
func (s *submitter) Run(ctx context.Context, task model.Task) error {
	t, err := s.deps.Targets.GetTarget(ctx, task.TargetID)
	if err != nil {
		return fmt.Errorf("load target %d: %w", task.TargetID, err)
	}
	if t == nil {
		s.deps.Logger.Warn("target no longer exists", "target_id", task.TargetID, "handler", task.Handler)
		return nil
	}
	if t.Status.IsTerminal() || t.ExternalID != "" {
		s.deps.Logger.Debug("target already submitted", "target_id", t.ID, "status", t.Status, "external_id", t.ExternalID)
		return nil
	}

	group, err := s.deps.Pipelines.GetGroup(ctx, t.GroupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", t.GroupID, err)
	}
	if group == nil {
		return fmt.Errorf("load group %d: %w", t.GroupID, driven.ErrNotFound)
	}
	if s.backend == nil {
		return fmt.Errorf("%s backend is not configured", s.kind)
	}

	if t.SubmissionInFlight() {
		sub, err := s.lookup(ctx, *t)
		if err != nil {
			return err
		}
		if sub != nil {
			s.deps.Logger.Info("recovered interrupted submission", "target_id", t.ID, "external_id", sub.ExternalID)
			return s.record(ctx, t.ID, *group, *sub)
		}
		if _, ok := s.backend.(driven.SubmissionLookup); !ok {
			return s.markUnknown(ctx, *t, *group)
		}
		s.deps.Logger.Info("interrupted submission never reached backend, submitting again", "target_id", t.ID)
	}

	req, err := s.request(ctx, *t, *group)
	if err != nil {
		return err
	}

	started := s.deps.now()
	t.SubmitStartedAt = &started
	marked, err := s.deps.Targets.UpdateTarget(ctx, *t)
	if errors.Is(err, driven.ErrConflict) {
		return fmt.Errorf("mark target %d submitting: %w: %w", t.ID, err, driven.ErrTransient)
	}
	if err != nil {
		return fmt.Errorf("mark target %d submitting: %w", t.ID, err)
	}

	callCtx, cancel := s.deps.callContext(ctx)
	defer cancel()

	sub, err := s.backend.Submit(callCtx, req)
	if err != nil {
		if errors.Is(err, driven.ErrNotAccepted) {
			s.clearMarker(ctx, marked)
		}
		return fmt.Errorf("submit %s target %d (%s): %w", s.kind, t.ID, t.Name, err)
	}
	return s.record(ctx, t.ID, *group, sub)
}

// Fail marks the task's target errored and reports it.
func (s *submitter) Fail(ctx context.Context, task model.Task, cause error) error {
	return failTarget(ctx, s.deps, task.TargetID, cause)
}

// lookup asks the backend whether the target's submission key was accepted.
// It returns nil, nil when the backend cannot answer or has no record.
func (s *submitter) lookup(ctx context.Context, t model.Target) (*driven.Submission, error) {
	l, ok := s.backend.(driven.SubmissionLookup)
	if !ok {
		return nil, nil
	}

	callCtx, cancel := s.deps.callContext(ctx)
	defer cancel()

	sub, err := l.LookupSubmission(callCtx, t.SubmissionKey)
	if err != nil {
		return nil, fmt.Errorf("look up submission %s for target %d: %w", t.SubmissionKey, t.ID, err)
	}
	return sub, nil
}

func (s *submitter) request(ctx context.Context, t model.Target, group model.Group) (driven.SubmitRequest, error) {
	trigger, err := s.deps.Triggers.Get(ctx, group.TriggerID)
	if err != nil {
		return driven.SubmitRequest{}, fmt.Errorf("load trigger %d: %w", group.TriggerID, err)
	}
	if trigger == nil {
		return driven.SubmitRequest{}, fmt.Errorf("load trigger %d: %w", group.TriggerID, driven.ErrNotFound)
	}

	req := driven.SubmitRequest{
		SubmissionKey: t.SubmissionKey,
		Project:       trigger.Project,
		CommitSHA:     t.CommitSHA,
		Target:        t.Name,
		Job:           group.Job,
		PRNumber:      trigger.PRNumber,
		Tag:           trigger.Tag,
	}

	if group.SrpmBuildID != nil {
		srpm, err := s.deps.Pipelines.GetSrpmBuild(ctx, *group.SrpmBuildID)
		if err != nil {
			return driven.SubmitRequest{}, fmt.Errorf("load srpm build %d: %w", *group.SrpmBuildID, err)
		}
		if srpm == nil || !srpm.Ready() {
			return driven.SubmitRequest{}, fmt.Errorf("target %d: srpm build %d is not ready", t.ID, *group.SrpmBuildID)
		}
		req.SrpmURL = srpm.URL
	}

	if s.decorate != nil {
		s.decorate(&req, t, *trigger)
	}
	return req, nil
}

// record stores the backend's acknowledgement and reports the new status.
func (s *submitter) record(ctx context.Context, id int64, group model.Group, sub driven.Submission) error {
	status := sub.Status
	if status == "" {
		status = model.StatusQueued
	}

	updated, _, err := updateTarget(ctx, s.deps.Targets, id, func(t *model.Target) (model.Transition, error) {
		if err := t.SetExternalID(sub.ExternalID); err != nil {
			return model.TransitionAnomaly, err
		}
		if sub.WebURL != "" {
			t.WebURL = sub.WebURL
		}
		if _, err := t.Transition(status, s.deps.now()); err != nil {
			return model.TransitionAnomaly, err
		}
		return model.TransitionApply, nil
	})
	if err != nil {
		return fmt.Errorf("record submission of target %d: %w", id, err)
	}

	s.deps.Logger.Info("target submitted",
		"target_id", updated.ID,
		"kind", s.kind,
		"name", updated.Name,
		"external_id", updated.ExternalID,
		"status", updated.Status,
	)
	s.deps.Notifier.Target(ctx, group, updated, submittedSummary(updated))
	return nil
}

func (s *submitter) markUnknown(ctx context.Context, t model.Target, group model.Group) error {
	s.deps.Logger.Error("interrupted submission cannot be resolved",
		"target_id", t.ID,
		"submission_key", t.SubmissionKey,
		"submit_started_at", t.SubmitStartedAt,
	)

	updated, tr, err := transitionTarget(ctx, s.deps.Targets, t.ID, model.StatusError, s.deps.now(), errSubmissionUnknown.Error())
	if err != nil {
		return fmt.Errorf("mark target %d unknown: %w", t.ID, err)
	}
	if tr == model.TransitionApply {
		s.deps.Notifier.Target(ctx, group, updated, "Submission state unknown, retrigger to build again")
	}
	return nil
}

// clearMarker removes the submission-started marker after the backend
// rejected the request outright, so the next delivery submits again.
func (s *submitter) clearMarker(ctx context.Context, t model.Target) {
	t.SubmitStartedAt = nil
	if _, err := s.deps.Targets.UpdateTarget(ctx, t); err != nil {
		s.deps.Logger.Warn("clear submission marker", "target_id", t.ID, "error", err)
	}
}

func submittedSummary(t model.Target) string {
	switch t.Status {
	case model.StatusRunning:
		return "Build is in progress"
	case model.StatusSuccess:
		return "Finished successfully"
	}
	return "Submitted, waiting for the backend"
}

// failTarget moves a target to error after a permanent failure and reports
// the cause.
func failTarget(ctx context.Context, deps HandlerDeps, id int64, cause error) error {
	if id == 0 {
		return nil
	}

	updated, tr, err := transitionTarget(ctx, deps.Targets, id, model.StatusError, deps.now(), cause.Error())
	if errors.Is(err, model.ErrStateAnomaly) {
		deps.Logger.Debug("target already finished, failure not recorded", "target_id", id, "cause", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail target %d: %w", id, err)
	}
	if tr != model.TransitionApply {
		return nil
	}

	group, err := deps.Pipelines.GetGroup(ctx, updated.GroupID)
	if err != nil {
		return fmt.Errorf("fail target %d: load group %d: %w", id, updated.GroupID, err)
	}
	if group == nil {
		return nil
	}
	deps.Notifier.Target(ctx, *group, updated, "Failed: "+cause.Error())
	return nil
}
