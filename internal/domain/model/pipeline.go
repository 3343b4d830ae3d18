package model

import "time"

// JobTrigger is the forge object a pipeline was started for. Exactly one of
// PRNumber, Branch, Tag or IssueNumber is meaningful, selected by Kind.
type JobTrigger struct {
	ID          int64
	Kind        TriggerKind
	Project     ProjectRef
	PRNumber    int
	Branch      string
	Tag         string
	IssueNumber int
	CreatedAt   time.Time
}

// TriggerFor builds the natural key of the trigger an event belongs to.
func TriggerFor(ev Event) JobTrigger {
	t := JobTrigger{Kind: ev.TriggerKind(), Project: ev.Project}
	switch t.Kind {
	case TriggerPullRequest:
		t.PRNumber = ev.PRNumber
	case TriggerCommit:
		t.Branch = ev.Ref
	case TriggerRelease:
		t.Tag = ev.TagName
	case TriggerIssueComment:
		t.IssueNumber = ev.IssueNum
	}
	return t
}

// GroupKind is the backend family a group's targets run on.
type GroupKind string

const (
	GroupCopr        GroupKind = "copr"
	GroupKoji        GroupKind = "koji"
	GroupTestingFarm GroupKind = "testing_farm"
	GroupSyncRelease GroupKind = "sync_release"
	GroupVMImage     GroupKind = "vm_image"
)

// TargetKind returns the kind of the targets a group of this kind owns.
func (k GroupKind) TargetKind() TargetKind {
	return TargetKind(k)
}

// SrpmBuild is the source package build a build group depends on.
type SrpmBuild struct {
	ID         int64
	TriggerID  int64
	CommitSHA  string
	Status     TargetStatus
	URL        string
	LogsURL    string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Version    int64
}

// Ready reports whether groups depending on the build may submit targets.
func (s SrpmBuild) Ready() bool {
	return s.Status == StatusSuccess || s.Status == StatusSkipped
}

// Group owns the targets of one build or test run. Its status is derived from
// the targets with AggregateStatus and never stored.
type Group struct {
	ID            int64
	Kind          GroupKind
	TriggerID     int64
	SrpmBuildID   *int64
	ParentGroupID *int64
	Job           JobConfig
	SubmittedAt   time.Time
}

// Pipeline links a trigger to exactly one unit of work: an SRPM build or a group.
type Pipeline struct {
	ID          int64
	TriggerID   int64
	SrpmBuildID *int64
	GroupID     *int64
	CreatedAt   time.Time
}
