package application

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// commandPrefix starts every comment command addressed to the service.
const commandPrefix = "/packit"

// fingerprint recognizes one payload shape. Fingerprints are tried in
// registration order and the first match decides the event kind.
type fingerprint struct {
	name  string
	match func(raw model.RawEvent) bool
	parse func(p *Parser, raw model.RawEvent) (model.Event, string)
}

// Parser turns raw webhook and bus payloads into typed events.
type Parser struct {
	logger       *slog.Logger
	now          func() time.Time
	fingerprints []fingerprint
}

// NewParser creates a Parser with the built-in fingerprint table.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger,
		now:    time.Now,
		fingerprints: []fingerprint{
			{name: "github pull_request", match: githubHeader("pull_request"), parse: (*Parser).parsePullRequest},
			{name: "github push", match: githubHeader("push"), parse: (*Parser).parsePush},
			{name: "github release", match: githubHeader("release"), parse: (*Parser).parseRelease},
			{name: "github issue_comment", match: githubHeader("issue_comment"), parse: (*Parser).parseIssueComment},
			{name: "copr build", match: topicSuffix("copr.build.start", "copr.build.end"), parse: (*Parser).parseCopr},
			{name: "koji task", match: topicSuffix("buildsys.task.state.change"), parse: (*Parser).parseKoji},
			{name: "vm image build", match: topicSuffix("vm_image.build.state"), parse: (*Parser).parseVMImage},
			{name: "testing farm", match: isTestingFarm, parse: (*Parser).parseTestingFarm},
		},
	}
}

// Parse fingerprints raw and extracts a typed event. Payloads no fingerprint
// recognizes, or that lack required identity fields, yield a *ParseFailure.
// Parse never panics on malformed input.
func (p *Parser) Parse(raw model.RawEvent) (model.Event, error) {
	for _, fp := range p.fingerprints {
		if !fp.match(raw) {
			continue
		}

		ev, reason := fp.parse(p, raw)
		if reason != "" {
			return model.Event{}, p.failure(raw, fmt.Sprintf("%s: %s", fp.name, reason))
		}
		ev.Source = raw.Source
		ev.Payload = raw.Payload
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = p.now().UTC()
		}
		return ev, nil
	}
	return model.Event{}, p.failure(raw, "no fingerprint matched")
}

func (p *Parser) failure(raw model.RawEvent, reason string) error {
	f := &model.ParseFailure{Source: raw.Source, Header: raw.Header, Topic: raw.Topic, Reason: reason}
	p.logger.Warn("event not parsed",
		"source", raw.Source,
		"header", raw.Header,
		"topic", raw.Topic,
		"reason", reason,
	)
	return f
}

func githubHeader(name string) func(model.RawEvent) bool {
	return func(raw model.RawEvent) bool {
		return raw.Source == model.SourceGitHub && raw.Header == name
	}
}

func topicSuffix(suffixes ...string) func(model.RawEvent) bool {
	return func(raw model.RawEvent) bool {
		if raw.Source != model.SourceBus {
			return false
		}
		for _, s := range suffixes {
			if strings.HasSuffix(raw.Topic, s) {
				return true
			}
		}
		return false
	}
}

func isTestingFarm(raw model.RawEvent) bool {
	return raw.Source == model.SourceTestingFarm && str(raw.Payload, "request_id") != ""
}

func (p *Parser) parsePullRequest(raw model.RawEvent) (model.Event, string) {
	switch action := str(raw.Payload, "action"); action {
	case "opened", "reopened", "synchronize":
	default:
		return model.Event{}, fmt.Sprintf("action %q is not processed", action)
	}

	project, ok := githubProject(raw.Payload)
	if !ok {
		return model.Event{}, "missing repository"
	}
	number := num(raw.Payload, "number")
	sha := str(raw.Payload, "pull_request", "head", "sha")
	if number == 0 || sha == "" {
		return model.Event{}, "missing pull request number or head commit"
	}

	return model.Event{
		Kind:      model.EventPullRequestUpdated,
		Project:   project,
		CommitSHA: sha,
		Ref:       str(raw.Payload, "pull_request", "head", "ref"),
		PRNumber:  number,
		Actor:     str(raw.Payload, "sender", "login"),
		WebURL:    str(raw.Payload, "pull_request", "html_url"),
	}, ""
}

func (p *Parser) parsePush(raw model.RawEvent) (model.Event, string) {
	if deleted, _ := lookup(raw.Payload, "deleted").(bool); deleted {
		return model.Event{}, "branch deletion"
	}
	ref := str(raw.Payload, "ref")
	if !strings.HasPrefix(ref, "refs/heads/") {
		return model.Event{}, fmt.Sprintf("ref %q is not a branch", ref)
	}

	project, ok := githubProject(raw.Payload)
	if !ok {
		return model.Event{}, "missing repository"
	}
	sha := str(raw.Payload, "after")
	if sha == "" || strings.Trim(sha, "0") == "" {
		return model.Event{}, "missing head commit"
	}

	actor := str(raw.Payload, "pusher", "name")
	if actor == "" {
		actor = str(raw.Payload, "sender", "login")
	}
	return model.Event{
		Kind:      model.EventPushToBranch,
		Project:   project,
		CommitSHA: sha,
		Ref:       ref,
		Actor:     actor,
		WebURL:    str(raw.Payload, "compare"),
	}, ""
}

func (p *Parser) parseRelease(raw model.RawEvent) (model.Event, string) {
	if action := str(raw.Payload, "action"); action != "published" {
		return model.Event{}, fmt.Sprintf("action %q is not processed", action)
	}

	project, ok := githubProject(raw.Payload)
	if !ok {
		return model.Event{}, "missing repository"
	}
	tag := str(raw.Payload, "release", "tag_name")
	if tag == "" {
		return model.Event{}, "missing tag name"
	}

	return model.Event{
		Kind:    model.EventReleaseCreated,
		Project: project,
		Ref:     tag,
		TagName: tag,
		Actor:   str(raw.Payload, "sender", "login"),
		WebURL:  str(raw.Payload, "release", "html_url"),
	}, ""
}

func (p *Parser) parseIssueComment(raw model.RawEvent) (model.Event, string) {
	if action := str(raw.Payload, "action"); action != "created" {
		return model.Event{}, fmt.Sprintf("action %q is not processed", action)
	}

	project, ok := githubProject(raw.Payload)
	if !ok {
		return model.Event{}, "missing repository"
	}
	issue := num(raw.Payload, "issue", "number")
	if issue == 0 {
		return model.Event{}, "missing issue number"
	}

	ev := model.Event{
		Kind:     model.EventIssueCommentCreated,
		Project:  project,
		IssueNum: issue,
		Actor:    str(raw.Payload, "comment", "user", "login"),
		Comment:  str(raw.Payload, "comment", "body"),
		WebURL:   str(raw.Payload, "comment", "html_url"),
	}
	if lookup(raw.Payload, "issue", "pull_request") != nil {
		ev.PRNumber = issue
	}

	if command, ok := parseCommand(ev.Comment); ok {
		ev.Kind = model.EventCommentRetriggerRequested
		ev.Command = command
	}
	return ev, ""
}

// parseCommand extracts the command word from the first "/packit" line of
// a comment. Unknown commands are not retriggers.
func parseCommand(body string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != commandPrefix {
			continue
		}
		if _, ok := model.CommandJobType(fields[1]); ok {
			return fields[1], true
		}
		return "", false
	}
	return "", false
}

// coprStatuses maps Copr's numeric build states to target statuses.
var coprStatuses = map[int]model.TargetStatus{
	0: model.StatusFailed,
	1: model.StatusSuccess,
	2: model.StatusCanceled,
	3: model.StatusRunning,
	4: model.StatusQueued,
	5: model.StatusSkipped,
	6: model.StatusRunning,
	7: model.StatusQueued,
	9: model.StatusQueued,
}

func (p *Parser) parseCopr(raw model.RawEvent) (model.Event, string) {
	buildID := idString(lookup(raw.Payload, "build"))
	chroot := str(raw.Payload, "chroot")
	if buildID == "" || chroot == "" {
		return model.Event{}, "missing build id or chroot"
	}

	var state model.TargetStatus
	if strings.HasSuffix(raw.Topic, "copr.build.start") {
		state = model.StatusRunning
	} else {
		code, ok := lookup(raw.Payload, "status").(float64)
		if !ok {
			return model.Event{}, "missing status"
		}
		if state, ok = coprStatuses[int(code)]; !ok {
			return model.Event{}, fmt.Sprintf("unknown copr status %v", code)
		}
	}

	ev := model.Event{
		Kind:    model.EventCoprBuildStateChanged,
		BuildID: buildID,
		Chroot:  chroot,
		State:   state,
		Actor:   str(raw.Payload, "user"),
	}
	if owner, project := str(raw.Payload, "owner"), str(raw.Payload, "copr"); owner != "" && project != "" {
		ev.WebURL = fmt.Sprintf("https://copr.fedorainfracloud.org/coprs/build/%s/", buildID)
	}
	if ts, ok := lookup(raw.Payload, "timestamp").(float64); ok && ts > 0 {
		ev.OccurredAt = time.Unix(int64(ts), 0).UTC()
	}
	return ev, ""
}

// kojiStates maps Koji task states to target statuses.
var kojiStates = map[string]model.TargetStatus{
	"FREE":     model.StatusQueued,
	"ASSIGNED": model.StatusQueued,
	"OPEN":     model.StatusRunning,
	"CLOSED":   model.StatusSuccess,
	"CANCELED": model.StatusCanceled,
	"FAILED":   model.StatusFailed,
}

func (p *Parser) parseKoji(raw model.RawEvent) (model.Event, string) {
	taskID := idString(lookup(raw.Payload, "id"))
	if taskID == "" {
		return model.Event{}, "missing task id"
	}
	state, ok := kojiStates[str(raw.Payload, "new")]
	if !ok {
		return model.Event{}, fmt.Sprintf("unknown koji state %q", str(raw.Payload, "new"))
	}

	return model.Event{
		Kind:    model.EventKojiBuildStateChanged,
		BuildID: taskID,
		State:   state,
		WebURL:  "https://koji.fedoraproject.org/koji/taskinfo?taskID=" + taskID,
	}, ""
}

// vmImageStates maps image builder states to target statuses.
var vmImageStates = map[string]model.TargetStatus{
	"pending":  model.StatusQueued,
	"building": model.StatusRunning,
	"success":  model.StatusSuccess,
	"failure":  model.StatusFailed,
	"error":    model.StatusError,
}

func (p *Parser) parseVMImage(raw model.RawEvent) (model.Event, string) {
	buildID := idString(lookup(raw.Payload, "build_id"))
	if buildID == "" {
		return model.Event{}, "missing build id"
	}
	state, ok := vmImageStates[str(raw.Payload, "status")]
	if !ok {
		return model.Event{}, fmt.Sprintf("unknown image build status %q", str(raw.Payload, "status"))
	}

	return model.Event{
		Kind:    model.EventVMImageBuildStateChanged,
		BuildID: buildID,
		State:   state,
		WebURL:  str(raw.Payload, "url"),
	}, ""
}

// parseTestingFarm keeps only the request id of a notification. State and
// links are always read back from Testing Farm, never taken from the body.
func (p *Parser) parseTestingFarm(raw model.RawEvent) (model.Event, string) {
	return model.Event{
		Kind:       model.EventTestingFarmResultChanged,
		PipelineID: str(raw.Payload, "request_id"),
	}, ""
}

// githubProject reads the repository identity shared by all GitHub payloads.
func githubProject(payload map[string]any) (model.ProjectRef, bool) {
	owner := str(payload, "repository", "owner", "login")
	if owner == "" {
		owner = str(payload, "repository", "owner", "name")
	}
	name := str(payload, "repository", "name")
	if owner == "" || name == "" {
		return model.ProjectRef{}, false
	}

	host := "github.com"
	if u, err := url.Parse(str(payload, "repository", "html_url")); err == nil && u.Host != "" {
		host = u.Host
	}
	return model.ProjectRef{ForgeHost: host, Namespace: owner, Repo: name}, true
}

// lookup walks nested JSON objects and returns nil when any step is missing.
func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func str(m map[string]any, path ...string) string {
	s, _ := lookup(m, path...).(string)
	return s
}

func num(m map[string]any, path ...string) int {
	f, _ := lookup(m, path...).(float64)
	return int(f)
}

// idString renders numeric or string identifiers the same way.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id <= 0 {
			return ""
		}
		return strconv.FormatInt(int64(id), 10)
	}
	return ""
}
