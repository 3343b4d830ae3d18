package model

import (
	"fmt"
	"strings"
)

// JobType is the kind of work a configured job performs.
type JobType string

const (
	JobCoprBuild   JobType = "copr_build"
	JobKojiBuild   JobType = "koji_build"
	JobTests       JobType = "tests"
	JobSyncRelease JobType = "sync_release"
	JobVMImage     JobType = "vm_image"

	// JobAny registers a handler that runs once per event regardless of the
	// repository's configured jobs.
	JobAny JobType = "*"
)

// Valid reports whether t names a configurable job type.
func (t JobType) Valid() bool {
	switch t {
	case JobCoprBuild, JobKojiBuild, JobTests, JobSyncRelease, JobVMImage:
		return true
	}
	return false
}

// TriggerKind is the forge occurrence a job reacts to.
type TriggerKind string

const (
	TriggerPullRequest  TriggerKind = "pull_request"
	TriggerCommit       TriggerKind = "commit"
	TriggerRelease      TriggerKind = "release"
	TriggerIssueComment TriggerKind = "issue_comment"
)

// JobConfig is one job descriptor from a repository's configuration file.
type JobConfig struct {
	Type        JobType     `json:"job"`
	Trigger     TriggerKind `json:"trigger"`
	Identifier  string      `json:"identifier,omitempty"`
	Targets     []string    `json:"targets,omitempty"`
	Branch      string      `json:"branch,omitempty"`
	Owner       string      `json:"owner,omitempty"`
	Project     string      `json:"project,omitempty"`
	SkipBuild   bool        `json:"skip_build,omitempty"`
	BuildSRPM   bool        `json:"build_srpm"`
	ManualOnly  bool        `json:"manual_trigger,omitempty"`
	ImageType   string      `json:"image_type,omitempty"`
	Dist        string      `json:"dist,omitempty"`
	FmfURL      string      `json:"fmf_url,omitempty"`
	FmfRef      string      `json:"fmf_ref,omitempty"`
	DistGitRepo string      `json:"dist_git_repo,omitempty"`
}

// Key identifies the job within one repository's configuration.
func (j JobConfig) Key() string {
	if j.Identifier != "" {
		return fmt.Sprintf("%s:%s:%s", j.Type, j.Trigger, j.Identifier)
	}
	return fmt.Sprintf("%s:%s", j.Type, j.Trigger)
}

// commandJobs maps "/packit <command>" comment commands to the job types they rerun.
var commandJobs = map[string]JobType{
	"build":              JobCoprBuild,
	"copr-build":         JobCoprBuild,
	"koji-build":         JobKojiBuild,
	"test":               JobTests,
	"retest-failed":      JobTests,
	"propose-downstream": JobSyncRelease,
	"vm-image-build":     JobVMImage,
}

// CommandJobType returns the job type rerun by a comment command.
func CommandJobType(command string) (JobType, bool) {
	t, ok := commandJobs[command]
	return t, ok
}

// Matches reports whether the job should react to ev. Backend-result events
// match on the trigger kind of the pipeline they were correlated with.
func (j JobConfig) Matches(ev Event) bool {
	if ev.Kind.IsBackendResult() {
		return ev.CorrelatedTrigger != "" && j.Trigger == ev.CorrelatedTrigger
	}

	if ev.Kind == EventCommentRetriggerRequested {
		t, ok := CommandJobType(ev.Command)
		if !ok || t != j.Type {
			return false
		}
		// propose-downstream and vm-image-build may be requested on any PR or
		// issue regardless of the job's configured trigger.
		if j.Type == JobSyncRelease || j.Type == JobVMImage {
			return true
		}
		return ev.PRNumber > 0 && j.Trigger == TriggerPullRequest
	}

	if j.ManualOnly {
		return false
	}
	if j.Trigger != ev.TriggerKind() {
		return false
	}
	if j.Branch != "" && ev.Kind == EventPushToBranch {
		return strings.TrimPrefix(ev.Ref, "refs/heads/") == j.Branch
	}
	return true
}
