package model

import (
	"errors"
	"fmt"
	"time"
)

// TargetStatus is the lifecycle state shared by every target kind and by SRPM builds.
type TargetStatus string

const (
	StatusPending           TargetStatus = "pending"
	StatusQueued            TargetStatus = "queued"
	StatusSubmitted         TargetStatus = "submitted"
	StatusRunning           TargetStatus = "running"
	StatusSuccess           TargetStatus = "success"
	StatusFailed            TargetStatus = "failed"
	StatusError             TargetStatus = "error"
	StatusCanceled          TargetStatus = "canceled"
	StatusSkipped           TargetStatus = "skipped"
	StatusWaitingForMetrics TargetStatus = "waiting_for_metrics"
)

// rank orders statuses along the forward-only state machine.
func (s TargetStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued, StatusSubmitted:
		return 1
	case StatusRunning:
		return 2
	case StatusSuccess, StatusFailed, StatusError, StatusCanceled, StatusSkipped, StatusWaitingForMetrics:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s TargetStatus) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s TargetStatus) IsTerminal() bool {
	return s.rank() == 3
}

// Transition is the outcome of checking a requested status change.
type Transition int

const (
	TransitionApply Transition = iota
	TransitionNoop
	TransitionAnomaly
)

// ErrStateAnomaly is matched by every rejected transition.
var ErrStateAnomaly = errors.New("state anomaly")

// AnomalyError describes a rejected transition.
type AnomalyError struct {
	From TargetStatus
	To   TargetStatus
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("rejected transition %s -> %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrStateAnomaly) true for any AnomalyError.
func (e *AnomalyError) Is(target error) bool {
	return target == ErrStateAnomaly
}

// CheckTransition classifies moving from one status to another. Same-state
// moves are no-ops; backward, same-rank and out-of-terminal moves are anomalies.
func CheckTransition(from, to TargetStatus) Transition {
	if from == to {
		return TransitionNoop
	}
	if !to.Valid() || from.IsTerminal() || to.rank() <= from.rank() {
		return TransitionAnomaly
	}
	return TransitionApply
}

// TargetKind names the backend a target runs on.
type TargetKind string

const (
	TargetCopr        TargetKind = "copr"
	TargetKoji        TargetKind = "koji"
	TargetTestingFarm TargetKind = "testing_farm"
	TargetSyncRelease TargetKind = "sync_release"
	TargetVMImage     TargetKind = "vm_image"
)

// Target is one chroot/arch/distro unit of build or test work.
type Target struct {
	ID              int64
	GroupID         int64
	Kind            TargetKind
	Name            string
	ExternalID      string
	CommitSHA       string
	Status          TargetStatus
	WebURL          string
	Data            map[string]any
	SubmissionKey   string
	SubmitStartedAt *time.Time
	AcceptedAt      time.Time
	SubmittedAt     *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Version         int64
}

// ErrExternalIDImmutable is returned when a different external ID is assigned
// to a target that already has one.
var ErrExternalIDImmutable = errors.New("external id is immutable")

// SetExternalID records the backend identifier. Setting the same value again is
// allowed; replacing it is not.
func (t *Target) SetExternalID(id string) error {
	if t.ExternalID != "" && t.ExternalID != id {
		return fmt.Errorf("target %d has external id %q, refusing %q: %w", t.ID, t.ExternalID, id, ErrExternalIDImmutable)
	}
	t.ExternalID = id
	return nil
}

// Transition moves the target to status to at time at and stamps the
// lifecycle timestamps. The finished time is set only on the first terminal
// transition. A rejected move returns an *AnomalyError and leaves t unchanged.
func (t *Target) Transition(to TargetStatus, at time.Time) (Transition, error) {
	switch CheckTransition(t.Status, to) {
	case TransitionNoop:
		return TransitionNoop, nil
	case TransitionAnomaly:
		return TransitionAnomaly, &AnomalyError{From: t.Status, To: to}
	}

	t.Status = to
	at = at.UTC()
	if to.rank() >= 1 && t.SubmittedAt == nil {
		t.SubmittedAt = &at
	}
	if to == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &at
	}
	if to.IsTerminal() && t.FinishedAt == nil {
		t.FinishedAt = &at
	}
	return TransitionApply, nil
}

// SubmissionInFlight reports whether a previous attempt began submitting to
// the backend without recording the outcome.
func (t Target) SubmissionInFlight() bool {
	return t.SubmitStartedAt != nil && t.ExternalID == ""
}

// AggregateStatus derives a group's status from its targets: running while any
// target is non-terminal, success when every target succeeded or was skipped,
// otherwise error if any target errored and failed if not.
func AggregateStatus(targets []Target) TargetStatus {
	if len(targets) == 0 {
		return StatusPending
	}

	var hasError, hasFailure bool
	for _, t := range targets {
		switch {
		case !t.Status.IsTerminal():
			return StatusRunning
		case t.Status == StatusError:
			hasError = true
		case t.Status != StatusSuccess && t.Status != StatusSkipped:
			hasFailure = true
		}
	}

	switch {
	case hasError:
		return StatusError
	case hasFailure:
		return StatusFailed
	}
	return StatusSuccess
}
