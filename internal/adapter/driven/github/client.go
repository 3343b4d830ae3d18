// Package github implements the forge-facing ports (status reporting, job
// configuration lookup and pull request resolution) using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/forgeflow/internal/adapter/driven/jobconfig"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.Reporter            = (*Client)(nil)
	_ driven.ConfigResolver      = (*Client)(nil)
	_ driven.PullRequestResolver = (*Client)(nil)
)

// maxDescriptionLen is GitHub's limit on commit status descriptions.
const maxDescriptionLen = 140

// Client talks to the GitHub REST API on behalf of the forgeflow service.
type Client struct {
	gh          *gh.Client
	configFiles []string
	logger      *slog.Logger
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client, token auth when a token is set)
//
// configFiles are the repository paths tried, in order, by Resolve. A
// non-empty apiURL points the client at a GitHub Enterprise instance.
func NewClient(token, apiURL string, configFiles []string, logger *slog.Logger) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	if apiURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub API URL: %w", err)
		}
	}

	return &Client{gh: client, configFiles: configFiles, logger: logger}, nil
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string, configFiles []string, logger *slog.Logger) (*Client, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client, configFiles: configFiles, logger: logger}, nil
}

// Report posts r as a commit status on r.CommitSHA and, when r.Comment is set
// on a pull request report, as a comment on the pull request.
func (c *Client) Report(ctx context.Context, r model.Report) error {
	owner, repo := r.Project.Namespace, r.Project.Repo

	status := &gh.RepoStatus{
		State:       gh.Ptr(commitState(r.State)),
		Context:     gh.Ptr(r.Context),
		Description: gh.Ptr(truncate(r.Summary, maxDescriptionLen)),
	}
	if r.URL != "" {
		status.TargetURL = gh.Ptr(r.URL)
	}

	_, resp, err := c.gh.Repositories.CreateStatus(ctx, owner, repo, r.CommitSHA, *status)
	if err != nil {
		return classify(resp, fmt.Errorf("creating status %s on %s@%s: %w", r.Context, r.Project.FullName(), r.CommitSHA, err))
	}
	c.logRateLimit(resp, r.Project.FullName()+"/statuses")

	if !r.Comment || r.PRNumber <= 0 {
		return nil
	}

	body := r.Summary
	if r.URL != "" {
		body += "\n\n" + r.URL
	}
	_, resp, err = c.gh.Issues.CreateComment(ctx, owner, repo, r.PRNumber, &gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return classify(resp, fmt.Errorf("commenting on %s#%d: %w", r.Project.FullName(), r.PRNumber, err))
	}
	c.logRateLimit(resp, r.Project.FullName()+"/comments")

	return nil
}

// Resolve fetches the first configuration file present at ref and decodes its
// jobs. A repository without any of the files has no jobs.
func (c *Client) Resolve(ctx context.Context, project model.ProjectRef, ref string) ([]model.JobConfig, error) {
	opts := &gh.RepositoryContentGetOptions{Ref: ref}

	for _, path := range c.configFiles {
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, project.Namespace, project.Repo, path, opts)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				continue
			}
			return nil, classify(resp, fmt.Errorf("fetching %s from %s@%s: %w", path, project.FullName(), ref, err))
		}
		c.logRateLimit(resp, project.FullName()+"/contents")

		if file == nil {
			// path names a directory.
			continue
		}

		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding %s from %s@%s: %w", path, project.FullName(), ref, err)
		}

		jobs, err := jobconfig.Decode([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("%s in %s@%s: %w", path, project.FullName(), ref, err)
		}
		return jobs, nil
	}

	c.logger.Debug("no job configuration found", "project", project.FullName(), "ref", ref)
	return nil, nil
}

// HeadCommit returns the current head commit and branch of a pull request.
func (c *Client) HeadCommit(ctx context.Context, project model.ProjectRef, prNumber int) (string, string, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, project.Namespace, project.Repo, prNumber)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", "", fmt.Errorf("pull request %s#%d: %w", project.FullName(), prNumber, driven.ErrNotFound)
		}
		return "", "", classify(resp, fmt.Errorf("fetching pull request %s#%d: %w", project.FullName(), prNumber, err))
	}
	c.logRateLimit(resp, project.FullName()+"/pulls")

	return pr.GetHead().GetSHA(), pr.GetHead().GetRef(), nil
}

// commitState maps a report state onto the four states GitHub commit statuses
// accept.
func commitState(s model.ReportState) string {
	switch s {
	case model.ReportPending, model.ReportRunning:
		return "pending"
	case model.ReportSuccess:
		return "success"
	case model.ReportFailure:
		return "failure"
	}
	return "error"
}

// classify marks err transient when GitHub rate limited the call, answered
// with a server error, or never answered at all.
func classify(resp *gh.Response, err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return fmt.Errorf("%w: %w", driven.ErrTransient, err)
	case resp == nil:
		return fmt.Errorf("%w: %w", driven.ErrTransient, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", driven.ErrTransient, err)
	}
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// logRateLimit logs rate limit info from a GitHub API response and warns
// when remaining quota is low.
func (c *Client) logRateLimit(resp *gh.Response, endpoint string) {
	if resp == nil {
		return
	}

	c.logger.Debug("github api call",
		"endpoint", endpoint,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		c.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
