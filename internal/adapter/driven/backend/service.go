package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.Backend          = (*Service)(nil)
	_ driven.SubmissionLookup = (*LookupService)(nil)
)

// Service submits targets to one backend. Only the request body differs
// between backends; acknowledgements share one shape.
type Service struct {
	c          *client
	submitPath string
	build      func(driven.SubmitRequest) any
}

// LookupService is a Service whose backend can also answer whether a
// submission key was already accepted.
type LookupService struct {
	*Service
	lookupPath string
}

func newService(name, submitPath string, cfg Config, httpClient *http.Client, logger *slog.Logger, build func(driven.SubmitRequest) any) (driven.Backend, error) {
	c, err := newClient(name, cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{c: c, submitPath: submitPath, build: build}

	if cfg.LookupPath == "" {
		return svc, nil
	}
	if strings.Count(cfg.LookupPath, "%s") != 1 {
		return nil, fmt.Errorf("%s lookup path %q must contain exactly one %%s", name, cfg.LookupPath)
	}
	return &LookupService{Service: svc, lookupPath: cfg.LookupPath}, nil
}

// Submit sends one target to the backend. The submission key doubles as
// the idempotency key.
func (s *Service) Submit(ctx context.Context, req driven.SubmitRequest) (driven.Submission, error) {
	var ack submitResponse
	if err := s.c.do(ctx, http.MethodPost, s.submitPath, req.SubmissionKey, s.build(req), &ack); err != nil {
		return driven.Submission{}, err
	}
	if ack.ID == "" {
		return driven.Submission{}, fmt.Errorf("%s accepted %s without an id", s.c.name, req.SubmissionKey)
	}

	s.c.logger.Info("target submitted", "submission_key", req.SubmissionKey, "external_id", string(ack.ID), "target", req.Target)
	return ack.submission(), nil
}

// LookupSubmission returns the submission recorded under key, or nil when
// the backend has none.
func (s *LookupService) LookupSubmission(ctx context.Context, key string) (*driven.Submission, error) {
	var ack submitResponse
	err := s.c.do(ctx, http.MethodGet, fmt.Sprintf(s.lookupPath, url.PathEscape(key)), "", nil, &ack)
	if errors.Is(err, driven.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ack.ID == "" {
		return nil, nil
	}

	sub := ack.submission()
	return &sub, nil
}

// submitResponse is the acknowledgement every backend returns.
type submitResponse struct {
	ID    flexID `json:"id"`
	URL   string `json:"url"`
	State string `json:"state"`
}

func (r submitResponse) submission() driven.Submission {
	return driven.Submission{ExternalID: string(r.ID), WebURL: r.URL, Status: parseState(r.State)}
}

// flexID accepts identifiers sent as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// parseState maps backend state names onto target statuses. Unknown and
// empty states map to "" so the caller keeps its default.
func parseState(s string) model.TargetStatus {
	switch strings.ToLower(s) {
	case "pending", "new", "queued", "importing", "waiting":
		return model.StatusQueued
	case "starting", "running", "in_progress", "open":
		return model.StatusRunning
	case "succeeded", "success", "passed", "complete", "closed":
		return model.StatusSuccess
	case "failed", "failure":
		return model.StatusFailed
	case "canceled", "cancelled":
		return model.StatusCanceled
	case "skipped":
		return model.StatusSkipped
	case "error":
		return model.StatusError
	}
	return ""
}

// splitChroot splits "fedora-38-x86_64" into "fedora-38" and "x86_64".
func splitChroot(target string) (string, string) {
	i := strings.LastIndex(target, "-")
	if i < 0 {
		return target, ""
	}
	return target[:i], target[i+1:]
}

func cloneURL(p model.ProjectRef) string {
	return "https://" + p.ForgeHost + "/" + p.FullName() + ".git"
}

// NewCopr returns the Copr build backend.
func NewCopr(cfg Config, httpClient *http.Client, logger *slog.Logger) (driven.Backend, error) {
	return newService("copr", "api/v1/builds", cfg, httpClient, logger, func(r driven.SubmitRequest) any {
		body := map[string]any{
			"submission_key": r.SubmissionKey,
			"owner":          r.Owner,
			"project":        r.ProjectName,
			"chroots":        []string{r.Target},
		}
		if r.SrpmURL != "" {
			body["srpm_url"] = r.SrpmURL
		} else {
			body["clone_url"] = cloneURL(r.Project)
			body["committish"] = r.CommitSHA
		}
		return body
	})
}

// NewKoji returns the Koji build backend. Pull request builds are scratch
// builds.
func NewKoji(cfg Config, httpClient *http.Client, logger *slog.Logger) (driven.Backend, error) {
	return newService("koji", "api/v1/builds", cfg, httpClient, logger, func(r driven.SubmitRequest) any {
		return map[string]any{
			"submission_key": r.SubmissionKey,
			"target":         r.Target,
			"srpm_url":       r.SrpmURL,
			"scratch":        r.PRNumber > 0,
			"project":        r.Project.FullName(),
		}
	})
}

// NewTestingFarm returns the Testing Farm test backend.
func NewTestingFarm(cfg Config, httpClient *http.Client, logger *slog.Logger) (driven.Backend, error) {
	return newService("testing-farm", "v0.1/requests", cfg, httpClient, logger, func(r driven.SubmitRequest) any {
		compose, arch := splitChroot(r.Target)

		fmfURL, fmfRef := r.Job.FmfURL, r.Job.FmfRef
		if fmfURL == "" {
			fmfURL, fmfRef = cloneURL(r.Project), r.CommitSHA
		}

		env := map[string]any{
			"arch": arch,
			"os":   map[string]string{"compose": compose},
		}
		if r.BuildID != "" {
			env["artifacts"] = []map[string]string{{"id": r.BuildID + ":" + r.Target, "type": "fedora-copr-build"}}
		}

		return map[string]any{
			"submission_key": r.SubmissionKey,
			"test":           map[string]any{"fmf": map[string]string{"url": fmfURL, "ref": fmfRef}},
			"environments":   []any{env},
		}
	})
}

// NewSyncRelease returns the backend proposing upstream releases to
// downstream dist-git branches.
func NewSyncRelease(cfg Config, httpClient *http.Client, logger *slog.Logger) (driven.Backend, error) {
	return newService("sync-release", "api/v1/proposals", cfg, httpClient, logger, func(r driven.SubmitRequest) any {
		return map[string]any{
			"submission_key": r.SubmissionKey,
			"project":        r.Project.String(),
			"tag":            r.Tag,
			"commit":         r.CommitSHA,
			"branch":         r.Target,
			"dist_git_repo":  r.Job.DistGitRepo,
		}
	})
}

// NewVMImage returns the VM image builder backend.
func NewVMImage(cfg Config, httpClient *http.Client, logger *slog.Logger) (driven.Backend, error) {
	return newService("vm-image", "api/v1/images", cfg, httpClient, logger, func(r driven.SubmitRequest) any {
		_, arch := splitChroot(r.Target)
		if arch == "" {
			arch = r.Target
		}
		return map[string]any{
			"submission_key": r.SubmissionKey,
			"image_type":     r.Job.ImageType,
			"distribution":   r.Job.Dist,
			"architecture":   arch,
			"project":        r.Project.String(),
			"pr_number":      r.PRNumber,
		}
	})
}
