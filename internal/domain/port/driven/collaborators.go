package driven

import (
	"context"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// Reporter posts status updates back to the code-forge.
type Reporter interface {
	Report(ctx context.Context, r model.Report) error
}

// ConfigResolver returns the jobs configured for a repository at a ref. A
// repository without a configuration file has no jobs and no error.
type ConfigResolver interface {
	Resolve(ctx context.Context, project model.ProjectRef, ref string) ([]model.JobConfig, error)
}

// PullRequestResolver looks up the current head of a pull request. Comment
// webhooks do not carry the commit they refer to.
type PullRequestResolver interface {
	HeadCommit(ctx context.Context, project model.ProjectRef, prNumber int) (sha, ref string, err error)
}

// SubmitRequest describes one target submission to a build or test backend.
type SubmitRequest struct {
	// SubmissionKey is stable across retries of the same target.
	SubmissionKey string
	Project       model.ProjectRef
	CommitSHA     string
	Target        string
	Job           model.JobConfig
	Owner         string
	ProjectName   string
	SrpmURL       string
	// BuildID is the upstream build a test run consumes.
	BuildID  string
	PRNumber int
	Tag      string
}

// Submission is the backend's acknowledgement of a submit call.
type Submission struct {
	ExternalID string
	WebURL     string
	Status     model.TargetStatus
}

// Backend submits targets to an external build or test system: Copr, Koji,
// Testing Farm, the downstream sync service or the VM image builder.
type Backend interface {
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
}

// SubmissionLookup is implemented by backends that can answer whether a
// submission key was already accepted. It returns nil, nil when it was not.
type SubmissionLookup interface {
	LookupSubmission(ctx context.Context, submissionKey string) (*Submission, error)
}

// StatusFetcher is implemented by backends whose notifications carry only an
// identifier. FetchStatus returns the current state of that run.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, externalID string) (Submission, error)
}

// SrpmRequest describes a source package build in the sandbox.
type SrpmRequest struct {
	Project   model.ProjectRef
	CommitSHA string
	Ref       string
	PRNumber  int
}

// SrpmResult is the outcome of a sandboxed SRPM build.
type SrpmResult struct {
	Success bool
	URL     string
	LogsURL string
}

// SrpmBuilder runs SRPM builds in the isolated sandbox executor.
type SrpmBuilder interface {
	BuildSRPM(ctx context.Context, req SrpmRequest) (SrpmResult, error)
}
