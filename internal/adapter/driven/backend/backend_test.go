package backend_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/adapter/driven/backend"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

var project = model.ProjectRef{ForgeHost: "github.com", Namespace: "packit", Repo: "hello-world"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture records the last request a test server received.
type capture struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, c *capture, status int, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c != nil {
			c.method, c.path, c.header = r.Method, r.URL.Path, r.Header.Clone()
			c.body = nil
			if r.ContentLength > 0 {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func coprRequest() driven.SubmitRequest {
	return driven.SubmitRequest{
		SubmissionKey: "0192f3c4-key",
		Project:       project,
		CommitSHA:     "abc123",
		Target:        "fedora-38-x86_64",
		Job:           model.JobConfig{Type: model.JobCoprBuild, Trigger: model.TriggerPullRequest},
		Owner:         "packit",
		ProjectName:   "packit-hello-world-42",
		PRNumber:      42,
	}
}

func TestCopr_Submit(t *testing.T) {
	var c capture
	srv := newServer(t, &c, http.StatusCreated, `{"id": 1234, "url": "https://copr.example.org/build/1234", "state": "pending"}`)
	copr, err := backend.NewCopr(backend.Config{URL: srv.URL, Token: "s3cret"}, srv.Client(), discardLogger())
	require.NoError(t, err)

	sub, err := copr.Submit(t.Context(), coprRequest())

	require.NoError(t, err)
	assert.Equal(t, driven.Submission{ExternalID: "1234", WebURL: "https://copr.example.org/build/1234", Status: model.StatusQueued}, sub)
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/api/v1/builds", c.path)
	assert.Equal(t, "Bearer s3cret", c.header.Get("Authorization"))
	assert.Equal(t, "0192f3c4-key", c.header.Get("Idempotency-Key"))
	assert.Equal(t, "packit-hello-world-42", c.body["project"])
	assert.Equal(t, "https://github.com/packit/hello-world.git", c.body["clone_url"])
	assert.Equal(t, "abc123", c.body["committish"])
	assert.NotContains(t, c.body, "srpm_url")
}

func TestCopr_SubmitFromSrpm(t *testing.T) {
	var c capture
	srv := newServer(t, &c, http.StatusCreated, `{"id": "88"}`)
	copr, err := backend.NewCopr(backend.Config{URL: srv.URL + "/"}, srv.Client(), discardLogger())
	require.NoError(t, err)

	req := coprRequest()
	req.SrpmURL = "https://sandbox.example.org/results/hello.src.rpm"
	sub, err := copr.Submit(t.Context(), req)

	require.NoError(t, err)
	assert.Equal(t, "88", sub.ExternalID)
	assert.Empty(t, sub.Status, "unknown state leaves the default to the caller")
	assert.Equal(t, "/api/v1/builds", c.path)
	assert.Empty(t, c.header.Get("Authorization"))
	assert.Equal(t, req.SrpmURL, c.body["srpm_url"])
	assert.NotContains(t, c.body, "clone_url")
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		transient   bool
		notAccepted bool
	}{
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"bad gateway", http.StatusBadGateway, true, true},
		{"unavailable", http.StatusServiceUnavailable, true, true},
		{"internal error may have created the build", http.StatusInternalServerError, true, false},
		{"gateway timeout", http.StatusGatewayTimeout, true, false},
		{"bad request", http.StatusBadRequest, false, true},
		{"forbidden", http.StatusForbidden, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, nil, tt.status, `{"error": "nope"}`)
			copr, err := backend.NewCopr(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
			require.NoError(t, err)

			_, err = copr.Submit(t.Context(), coprRequest())

			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, driven.ErrTransient))
			assert.Equal(t, tt.notAccepted, errors.Is(err, driven.ErrNotAccepted))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestSubmit_ConnectionRefusedIsNotAccepted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	copr, err := backend.NewCopr(backend.Config{URL: url}, nil, discardLogger())
	require.NoError(t, err)

	_, err = copr.Submit(t.Context(), coprRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrTransient)
	assert.ErrorIs(t, err, driven.ErrNotAccepted)
}

func TestSubmit_MissingID(t *testing.T) {
	srv := newServer(t, nil, http.StatusOK, `{"state": "running"}`)
	koji, err := backend.NewKoji(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
	require.NoError(t, err)

	_, err = koji.Submit(t.Context(), coprRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "without an id")
}

func TestLookup_OnlyWhenConfigured(t *testing.T) {
	plain, err := backend.NewCopr(backend.Config{URL: "https://copr.example.org"}, nil, discardLogger())
	require.NoError(t, err)
	_, ok := plain.(driven.SubmissionLookup)
	assert.False(t, ok)

	withLookup, err := backend.NewCopr(backend.Config{URL: "https://copr.example.org", LookupPath: "api/v1/submissions/%s"}, nil, discardLogger())
	require.NoError(t, err)
	_, ok = withLookup.(driven.SubmissionLookup)
	assert.True(t, ok)

	_, err = backend.NewCopr(backend.Config{URL: "https://copr.example.org", LookupPath: "api/v1/submissions"}, nil, discardLogger())
	require.Error(t, err)

	_, err = backend.NewCopr(backend.Config{URL: "ftp://copr.example.org"}, nil, discardLogger())
	require.Error(t, err)
}

func TestLookupSubmission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/submissions/known-key", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id": 777, "url": "https://copr.example.org/build/777", "state": "running"}`)
	})
	mux.HandleFunc("GET /api/v1/submissions/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b, err := backend.NewCopr(backend.Config{URL: srv.URL, LookupPath: "api/v1/submissions/%s"}, srv.Client(), discardLogger())
	require.NoError(t, err)
	lookup := b.(driven.SubmissionLookup)

	sub, err := lookup.LookupSubmission(t.Context(), "known-key")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "777", sub.ExternalID)
	assert.Equal(t, model.StatusRunning, sub.Status)

	sub, err = lookup.LookupSubmission(t.Context(), "other-key")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestTestingFarm_SubmitRequestShape(t *testing.T) {
	var c capture
	srv := newServer(t, &c, http.StatusOK, `{"id": "tf-1", "state": "new"}`)
	tf, err := backend.NewTestingFarm(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
	require.NoError(t, err)

	req := coprRequest()
	req.BuildID = "1234"
	sub, err := tf.Submit(t.Context(), req)

	require.NoError(t, err)
	assert.Equal(t, "tf-1", sub.ExternalID)
	assert.Equal(t, model.StatusQueued, sub.Status)
	assert.Equal(t, "/v0.1/requests", c.path)

	envs := c.body["environments"].([]any)
	require.Len(t, envs, 1)
	env := envs[0].(map[string]any)
	assert.Equal(t, "x86_64", env["arch"])
	assert.Equal(t, map[string]any{"compose": "fedora-38"}, env["os"])
	assert.Equal(t, []any{map[string]any{"id": "1234:fedora-38-x86_64", "type": "fedora-copr-build"}}, env["artifacts"])
}

func TestTestingFarmStatus(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     model.TargetStatus
	}{
		{"passed", `{"id": "tf-1", "state": "complete", "result": {"overall": "passed"}, "run": {"artifacts": "https://artifacts.example.org/tf-1"}}`, model.StatusSuccess},
		{"failed", `{"id": "tf-1", "state": "complete", "result": {"overall": "failed"}}`, model.StatusFailed},
		{"errored", `{"id": "tf-1", "state": "complete", "result": {"overall": "error"}}`, model.StatusError},
		{"running", `{"id": "tf-1", "state": "running"}`, model.StatusRunning},
		{"queued", `{"id": "tf-1", "state": "queued"}`, model.StatusQueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c capture
			srv := newServer(t, &c, http.StatusOK, tt.response)
			fetcher, err := backend.NewTestingFarmStatus(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
			require.NoError(t, err)

			sub, err := fetcher.FetchStatus(t.Context(), "tf-1")

			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.Status)
			assert.Equal(t, "tf-1", sub.ExternalID)
			assert.Equal(t, "/v0.1/requests/tf-1", c.path)
		})
	}
}

func TestSrpmBuilder(t *testing.T) {
	var c capture
	srv := newServer(t, &c, http.StatusOK, `{"success": true, "srpm_url": "https://sandbox.example.org/hello.src.rpm", "logs_url": "https://sandbox.example.org/logs/1"}`)
	b, err := backend.NewSrpmBuilder(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
	require.NoError(t, err)

	res, err := b.BuildSRPM(t.Context(), driven.SrpmRequest{Project: project, CommitSHA: "abc123", Ref: "feature", PRNumber: 42})

	require.NoError(t, err)
	assert.Equal(t, driven.SrpmResult{Success: true, URL: "https://sandbox.example.org/hello.src.rpm", LogsURL: "https://sandbox.example.org/logs/1"}, res)
	assert.Equal(t, "/api/v1/srpm-builds", c.path)
	assert.Equal(t, "abc123", c.body["commit"])
	assert.InDelta(t, 42, c.body["pr_number"], 0)
}

func TestSrpmBuilder_FailedBuildIsAResult(t *testing.T) {
	srv := newServer(t, nil, http.StatusOK, `{"success": false, "logs_url": "https://sandbox.example.org/logs/2"}`)
	b, err := backend.NewSrpmBuilder(backend.Config{URL: srv.URL}, srv.Client(), discardLogger())
	require.NoError(t, err)

	res, err := b.BuildSRPM(t.Context(), driven.SrpmRequest{Project: project, CommitSHA: "abc123"})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "https://sandbox.example.org/logs/2", res.LogsURL)
}
