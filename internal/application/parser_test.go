package application_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payload(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

const repositoryJSON = `"repository": {"name": "hello-world", "html_url": "https://github.com/packit/hello-world", "owner": {"login": "packit"}}`

func TestParser_PullRequest(t *testing.T) {
	p := application.NewParser(discardLogger())

	ev, err := p.Parse(model.RawEvent{
		Source: model.SourceGitHub,
		Header: "pull_request",
		Payload: payload(t, `{
			"action": "synchronize",
			"number": 42,
			"pull_request": {"head": {"sha": "abc123", "ref": "feature"}, "html_url": "https://github.com/packit/hello-world/pull/42"},
			"sender": {"login": "octocat"},
			`+repositoryJSON+`
		}`),
	})

	require.NoError(t, err)
	assert.Equal(t, model.EventPullRequestUpdated, ev.Kind)
	assert.Equal(t, model.ProjectRef{ForgeHost: "github.com", Namespace: "packit", Repo: "hello-world"}, ev.Project)
	assert.Equal(t, "abc123", ev.CommitSHA)
	assert.Equal(t, 42, ev.PRNumber)
	assert.Equal(t, "octocat", ev.Actor)
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestParser_PullRequestClosedIsIgnored(t *testing.T) {
	p := application.NewParser(discardLogger())

	_, err := p.Parse(model.RawEvent{
		Source:  model.SourceGitHub,
		Header:  "pull_request",
		Payload: payload(t, `{"action": "closed", "number": 42, `+repositoryJSON+`}`),
	})

	var failure *model.ParseFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, model.ErrParse)
	assert.Equal(t, "pull_request", failure.Header)
}

func TestParser_PushAndRelease(t *testing.T) {
	p := application.NewParser(discardLogger())

	push, err := p.Parse(model.RawEvent{
		Source:  model.SourceGitHub,
		Header:  "push",
		Payload: payload(t, `{"ref": "refs/heads/main", "after": "def456", "pusher": {"name": "octocat"}, `+repositoryJSON+`}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventPushToBranch, push.Kind)
	assert.Equal(t, "def456", push.CommitSHA)

	_, err = p.Parse(model.RawEvent{
		Source:  model.SourceGitHub,
		Header:  "push",
		Payload: payload(t, `{"ref": "refs/heads/old", "after": "0000000000", "deleted": true, `+repositoryJSON+`}`),
	})
	assert.ErrorIs(t, err, model.ErrParse, "branch deletions are not builds")

	release, err := p.Parse(model.RawEvent{
		Source:  model.SourceGitHub,
		Header:  "release",
		Payload: payload(t, `{"action": "published", "release": {"tag_name": "v1.2.0"}, `+repositoryJSON+`}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventReleaseCreated, release.Kind)
	assert.Equal(t, "v1.2.0", release.TagName)
}

func TestParser_Comments(t *testing.T) {
	p := application.NewParser(discardLogger())

	tests := []struct {
		name    string
		body    string
		onPR    bool
		kind    model.EventKind
		command string
	}{
		{name: "build command on PR", body: "/packit build", onPR: true, kind: model.EventCommentRetriggerRequested, command: "build"},
		{name: "command after text", body: "thanks!\n/packit retest-failed", onPR: true, kind: model.EventCommentRetriggerRequested, command: "retest-failed"},
		{name: "propose on issue", body: "/packit propose-downstream", kind: model.EventCommentRetriggerRequested, command: "propose-downstream"},
		{name: "unknown command", body: "/packit dance", onPR: true, kind: model.EventIssueCommentCreated},
		{name: "plain comment", body: "LGTM", kind: model.EventIssueCommentCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := map[string]any{"number": float64(7)}
			if tt.onPR {
				issue["pull_request"] = map[string]any{"url": "https://api.github.com/repos/packit/hello-world/pulls/7"}
			}
			raw := payload(t, `{"action": "created", `+repositoryJSON+`}`)
			raw["issue"] = issue
			raw["comment"] = map[string]any{"body": tt.body, "user": map[string]any{"login": "octocat"}}

			ev, err := p.Parse(model.RawEvent{Source: model.SourceGitHub, Header: "issue_comment", Payload: raw})

			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.command, ev.Command)
			assert.Equal(t, 7, ev.IssueNum)
			if tt.onPR {
				assert.Equal(t, 7, ev.PRNumber)
			} else {
				assert.Zero(t, ev.PRNumber)
			}
		})
	}
}

func TestParser_CoprTopics(t *testing.T) {
	p := application.NewParser(discardLogger())

	start, err := p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "org.fedoraproject.prod.copr.build.start",
		Payload: payload(t, `{"build": 555, "chroot": "fedora-38-x86_64", "status": 3, "owner": "packit", "copr": "packit-hello-world-42"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventCoprBuildStateChanged, start.Kind)
	assert.Equal(t, "555", start.BuildID)
	assert.Equal(t, model.StatusRunning, start.State)

	end, err := p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "org.fedoraproject.prod.copr.build.end",
		Payload: payload(t, `{"build": 555, "chroot": "fedora-38-x86_64", "status": 1, "timestamp": 1700000000}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, end.State)
	assert.Equal(t, int64(1700000000), end.OccurredAt.Unix())

	failed, err := p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "org.fedoraproject.prod.copr.build.end",
		Payload: payload(t, `{"build": 556, "chroot": "fedora-38-x86_64", "status": 0}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.State)

	_, err = p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "org.fedoraproject.prod.copr.build.end",
		Payload: payload(t, `{"chroot": "fedora-38-x86_64", "status": 1}`),
	})
	assert.ErrorIs(t, err, model.ErrParse, "missing build id")
}

func TestParser_KojiAndVMImage(t *testing.T) {
	p := application.NewParser(discardLogger())

	koji, err := p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "org.fedoraproject.prod.buildsys.task.state.change",
		Payload: payload(t, `{"id": 98765, "old": "OPEN", "new": "CLOSED"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventKojiBuildStateChanged, koji.Kind)
	assert.Equal(t, "98765", koji.BuildID)
	assert.Equal(t, model.StatusSuccess, koji.State)

	vm, err := p.Parse(model.RawEvent{
		Source:  model.SourceBus,
		Topic:   "forgeflow.bus.vm_image.build.state",
		Payload: payload(t, `{"build_id": "img-1", "status": "building"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventVMImageBuildStateChanged, vm.Kind)
	assert.Equal(t, model.StatusRunning, vm.State)
}

func TestParser_TestingFarm(t *testing.T) {
	p := application.NewParser(discardLogger())

	full, err := p.Parse(model.RawEvent{
		Source:  model.SourceTestingFarm,
		Payload: payload(t, `{"request_id": "tf-1", "state": "complete", "result": {"overall": "failed"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.EventTestingFarmResultChanged, full.Kind)
	assert.Equal(t, "tf-1", full.CorrelationID())
	assert.Empty(t, full.State, "payload state is never trusted")
	assert.Empty(t, full.WebURL)

	bare, err := p.Parse(model.RawEvent{
		Source:  model.SourceTestingFarm,
		Payload: payload(t, `{"request_id": "tf-2"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, bare.State)
}

func TestParser_UnknownPayloads(t *testing.T) {
	p := application.NewParser(discardLogger())

	tests := []model.RawEvent{
		{Source: model.SourceGitHub, Header: "star", Payload: map[string]any{"action": "created"}},
		{Source: model.SourceBus, Topic: "org.fedoraproject.prod.bodhi.update.comment", Payload: map[string]any{}},
		{Source: model.SourceBus, Topic: "org.fedoraproject.prod.copr.build.end", Payload: nil},
		{Source: model.SourceTestingFarm, Payload: map[string]any{"request_id": 5}},
	}

	for _, raw := range tests {
		_, err := p.Parse(raw)
		assert.ErrorIs(t, err, model.ErrParse, "header=%s topic=%s", raw.Header, raw.Topic)
	}
}

