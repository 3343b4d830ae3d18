// Package model holds the domain types: events, jobs, pipelines and tasks.
package model

import (
	"errors"
	"fmt"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventPullRequestUpdated        EventKind = "pull_request_updated"
	EventPushToBranch              EventKind = "push_to_branch"
	EventReleaseCreated            EventKind = "release_created"
	EventIssueCommentCreated       EventKind = "issue_comment_created"
	EventCommentRetriggerRequested EventKind = "comment_retrigger_requested"
	EventCoprBuildStateChanged     EventKind = "copr_build_state_changed"
	EventKojiBuildStateChanged     EventKind = "koji_build_state_changed"
	EventTestingFarmResultChanged  EventKind = "testing_farm_result_changed"
	EventVMImageBuildStateChanged  EventKind = "vm_image_build_state_changed"
)

// IsBackendResult reports whether events of this kind originate from a build
// or test backend rather than a code-forge.
func (k EventKind) IsBackendResult() bool {
	switch k {
	case EventCoprBuildStateChanged, EventKojiBuildStateChanged,
		EventTestingFarmResultChanged, EventVMImageBuildStateChanged:
		return true
	}
	return false
}

// EventSource names the system a raw payload arrived from.
type EventSource string

const (
	SourceGitHub      EventSource = "github"
	SourceBus         EventSource = "bus"
	SourceTestingFarm EventSource = "testing-farm"
)

// RawEvent is an undecoded payload together with the transport metadata used
// to fingerprint it. Header carries the forge event header (X-GitHub-Event) for
// webhooks; Topic carries the message topic for bus messages.
type RawEvent struct {
	Source  EventSource
	Header  string
	Topic   string
	Payload map[string]any
}

// ProjectRef identifies a repository on a code-forge.
type ProjectRef struct {
	ForgeHost string `json:"forge_host"`
	Namespace string `json:"namespace"`
	Repo      string `json:"repo"`
}

// FullName returns "namespace/repo".
func (p ProjectRef) FullName() string {
	return p.Namespace + "/" + p.Repo
}

// String returns "host/namespace/repo".
func (p ProjectRef) String() string {
	return p.ForgeHost + "/" + p.Namespace + "/" + p.Repo
}

// IsZero reports whether no project identity is set.
func (p ProjectRef) IsZero() bool {
	return p.ForgeHost == "" && p.Namespace == "" && p.Repo == ""
}

// Event is an immutable, parsed occurrence from a forge or backend. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Source     EventSource    `json:"source"`
	Project    ProjectRef     `json:"project"`
	CommitSHA  string         `json:"commit_sha,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	PRNumber   int            `json:"pr_number,omitempty"`
	IssueNum   int            `json:"issue_number,omitempty"`
	TagName    string         `json:"tag_name,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Command    string         `json:"command,omitempty"`
	BuildID    string         `json:"build_id,omitempty"`
	Chroot     string         `json:"chroot,omitempty"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	State      TargetStatus   `json:"state,omitempty"`
	WebURL     string         `json:"web_url,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`

	// CorrelatedTrigger is the trigger kind of the pipeline a backend-result
	// event was matched to. Empty until correlation succeeds.
	CorrelatedTrigger TriggerKind `json:"correlated_trigger,omitempty"`
}

// Namespace returns the admission namespace of the event's project.
func (e Event) Namespace() NamespaceRef {
	return NamespaceRef{ForgeHost: e.Project.ForgeHost, Org: e.Project.Namespace, Repo: e.Project.Repo}
}

// CorrelationID returns the backend identifier used to find the Target an
// event reports on.
func (e Event) CorrelationID() string {
	if e.Kind == EventTestingFarmResultChanged {
		return e.PipelineID
	}
	return e.BuildID
}

// TriggerKind returns the job trigger kind an event fires.
func (e Event) TriggerKind() TriggerKind {
	switch e.Kind {
	case EventPullRequestUpdated:
		return TriggerPullRequest
	case EventCommentRetriggerRequested:
		if e.PRNumber > 0 {
			return TriggerPullRequest
		}
		return TriggerIssueComment
	case EventPushToBranch:
		return TriggerCommit
	case EventReleaseCreated:
		return TriggerRelease
	case EventIssueCommentCreated:
		return TriggerIssueComment
	}
	return e.CorrelatedTrigger
}

// ErrParse is matched by every ParseFailure.
var ErrParse = errors.New("unparseable event")

// ParseFailure is the value produced for payloads that match no fingerprint or
// lack the identity fields their fingerprint requires.
type ParseFailure struct {
	Source EventSource
	Header string
	Topic  string
	Reason string
}

func (f *ParseFailure) Error() string {
	return fmt.Sprintf("parse %s event (header=%q topic=%q): %s", f.Source, f.Header, f.Topic, f.Reason)
}

// Is makes errors.Is(err, ErrParse) true for any ParseFailure.
func (f *ParseFailure) Is(target error) bool {
	return target == ErrParse
}
