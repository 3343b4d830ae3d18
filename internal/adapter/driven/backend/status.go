package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.StatusFetcher = (*TestingFarmStatus)(nil)
	_ driven.SrpmBuilder   = (*SrpmBuilder)(nil)
)

// TestingFarmStatus reads the state of Testing Farm requests. Testing Farm
// notifications carry only the request id.
type TestingFarmStatus struct {
	c *client
}

// NewTestingFarmStatus creates a TestingFarmStatus for the service in cfg.
func NewTestingFarmStatus(cfg Config, httpClient *http.Client, logger *slog.Logger) (*TestingFarmStatus, error) {
	c, err := newClient("testing-farm", cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &TestingFarmStatus{c: c}, nil
}

type testingFarmRequest struct {
	ID     flexID `json:"id"`
	State  string `json:"state"`
	Result *struct {
		Overall string `json:"overall"`
	} `json:"result"`
	Run *struct {
		Artifacts string `json:"artifacts"`
	} `json:"run"`
}

// FetchStatus returns the current state of request id.
func (s *TestingFarmStatus) FetchStatus(ctx context.Context, id string) (driven.Submission, error) {
	var req testingFarmRequest
	if err := s.c.do(ctx, http.MethodGet, "v0.1/requests/"+url.PathEscape(id), "", nil, &req); err != nil {
		return driven.Submission{}, fmt.Errorf("fetching testing farm request %s: %w", id, err)
	}

	sub := driven.Submission{ExternalID: id, Status: testingFarmState(req)}
	if req.Run != nil {
		sub.WebURL = req.Run.Artifacts
	}
	return sub, nil
}

// testingFarmState maps a request onto a target status. A completed
// request's outcome is in its overall result.
func testingFarmState(req testingFarmRequest) model.TargetStatus {
	if strings.ToLower(req.State) != "complete" {
		if st := parseState(req.State); st != "" {
			return st
		}
		return model.StatusRunning
	}
	if req.Result == nil {
		return model.StatusError
	}
	switch strings.ToLower(req.Result.Overall) {
	case "passed", "skipped":
		return model.StatusSuccess
	case "failed":
		return model.StatusFailed
	}
	return model.StatusError
}

// srpmTimeout bounds one sandboxed SRPM build when the caller supplies no
// http.Client of its own.
const srpmTimeout = 30 * time.Minute

// SrpmBuilder runs SRPM builds through the sandbox executor's API. The call
// returns once the build has finished.
type SrpmBuilder struct {
	c *client
}

// NewSrpmBuilder creates an SrpmBuilder for the sandbox in cfg.
func NewSrpmBuilder(cfg Config, httpClient *http.Client, logger *slog.Logger) (*SrpmBuilder, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: srpmTimeout}
	}
	c, err := newClient("srpm-builder", cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &SrpmBuilder{c: c}, nil
}

type srpmResponse struct {
	Success bool   `json:"success"`
	SrpmURL string `json:"srpm_url"`
	LogsURL string `json:"logs_url"`
}

// BuildSRPM builds the source package for req's commit. A failed build is
// a result, not an error.
func (b *SrpmBuilder) BuildSRPM(ctx context.Context, req driven.SrpmRequest) (driven.SrpmResult, error) {
	body := map[string]any{
		"project":   req.Project.String(),
		"clone_url": cloneURL(req.Project),
		"commit":    req.CommitSHA,
		"ref":       req.Ref,
		"pr_number": req.PRNumber,
	}

	var resp srpmResponse
	if err := b.c.do(ctx, http.MethodPost, "api/v1/srpm-builds", "", body, &resp); err != nil {
		return driven.SrpmResult{}, fmt.Errorf("building srpm for %s@%s: %w", req.Project.FullName(), req.CommitSHA, err)
	}
	if resp.Success && resp.SrpmURL == "" {
		return driven.SrpmResult{}, fmt.Errorf("building srpm for %s@%s: successful build without srpm url", req.Project.FullName(), req.CommitSHA)
	}

	return driven.SrpmResult{Success: resp.Success, URL: resp.SrpmURL, LogsURL: resp.LogsURL}, nil
}
