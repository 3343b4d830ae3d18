package application_test

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// --- In-memory stores ---

// memStore implements TriggerStore, PipelineStore and TargetStore with the
// same versioning rules as the SQLite adapter.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	now       time.Time
	triggers  map[int64]model.JobTrigger
	pipelines []model.Pipeline
	groups    map[int64]model.Group
	srpms     map[int64]model.SrpmBuild
	targets   map[int64]model.Target
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now().UTC(),
		triggers: map[int64]model.JobTrigger{},
		groups:   map[int64]model.Group{},
		srpms:    map[int64]model.SrpmBuild{},
		targets:  map[int64]model.Target{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetOrCreate(_ context.Context, t model.JobTrigger) (model.JobTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.triggers {
		if existing.Kind == t.Kind && existing.Project == t.Project && existing.PRNumber == t.PRNumber &&
			existing.Branch == t.Branch && existing.Tag == t.Tag && existing.IssueNumber == t.IssueNumber {
			return existing, nil
		}
	}
	t.ID = s.id()
	t.CreatedAt = s.now
	s.triggers[t.ID] = t
	return t, nil
}

func (s *memStore) Get(_ context.Context, id int64) (*model.JobTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *memStore) CreateSrpmPipeline(_ context.Context, triggerID int64, b model.SrpmBuild) (model.SrpmBuild, model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.id()
	b.TriggerID = triggerID
	b.Version = 1
	b.CreatedAt = s.now
	if b.Status == "" {
		b.Status = model.StatusPending
	}
	s.srpms[b.ID] = b
	p := model.Pipeline{ID: s.id(), TriggerID: triggerID, SrpmBuildID: &b.ID, CreatedAt: s.now}
	s.pipelines = append(s.pipelines, p)
	return b, p, nil
}

func (s *memStore) CreateGroupPipeline(_ context.Context, g model.Group, targets []model.Target) (model.Group, []model.Target, model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(targets) == 0 {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("no targets")
	}
	g, stored, p := s.createGroup(g, targets)
	return g, stored, p, nil
}

func (s *memStore) createGroup(g model.Group, targets []model.Target) (model.Group, []model.Target, model.Pipeline) {
	g.ID = s.id()
	g.SubmittedAt = s.now
	s.groups[g.ID] = g
	stored := s.addTargets(g, targets)
	gid := g.ID
	p := model.Pipeline{ID: s.id(), TriggerID: g.TriggerID, GroupID: &gid, CreatedAt: s.now}
	s.pipelines = append(s.pipelines, p)
	return g, stored, p
}

func (s *memStore) addTargets(g model.Group, targets []model.Target) []model.Target {
	var added []model.Target
	for _, t := range targets {
		if slices.ContainsFunc(s.groupTargets(g.ID), func(e model.Target) bool { return e.Name == t.Name }) {
			continue
		}
		t.ID = s.id()
		t.GroupID = g.ID
		t.Kind = g.Kind.TargetKind()
		t.Status = model.StatusPending
		t.SubmissionKey = fmt.Sprintf("key-%d", t.ID)
		t.AcceptedAt = s.now
		t.Version = 1
		s.targets[t.ID] = t
		added = append(added, t)
	}
	return added
}

func (s *memStore) groupTargets(groupID int64) []model.Target {
	var out []model.Target
	for _, t := range s.targets {
		if t.GroupID == groupID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *memStore) EnsureChildGroup(_ context.Context, g model.Group, targets []model.Target) (model.Group, []model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if child := s.child(*g.ParentGroupID, g.Kind); child != nil {
		return *child, s.addTargets(*child, targets), nil
	}
	g, stored, _ := s.createGroup(g, targets)
	return g, stored, nil
}

func (s *memStore) child(parentID int64, kind model.GroupKind) *model.Group {
	var best *model.Group
	for _, g := range s.groups {
		if g.ParentGroupID != nil && *g.ParentGroupID == parentID && g.Kind == kind {
			if best == nil || g.ID < best.ID {
				g := g
				best = &g
			}
		}
	}
	return best
}

func (s *memStore) GetPipeline(_ context.Context, id int64) (*model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pipelines {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *memStore) PipelinesForTrigger(_ context.Context, triggerID int64) ([]model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Pipeline
	for _, p := range s.pipelines {
		if p.TriggerID == triggerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) GetGroup(_ context.Context, id int64) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *memStore) GroupForPipeline(ctx context.Context, pipelineID int64) (*model.Group, error) {
	p, _ := s.GetPipeline(ctx, pipelineID)
	if p == nil || p.GroupID == nil {
		return nil, nil
	}
	return s.GetGroup(ctx, *p.GroupID)
}

func (s *memStore) GroupsForSrpmBuild(_ context.Context, srpmID int64) ([]model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Group
	for _, g := range s.groups {
		if g.SrpmBuildID != nil && *g.SrpmBuildID == srpmID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) LatestGroup(_ context.Context, triggerID int64, kind model.GroupKind) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Group
	for _, g := range s.groups {
		if g.TriggerID == triggerID && g.Kind == kind && (best == nil || g.ID > best.ID) {
			g := g
			best = &g
		}
	}
	return best, nil
}

func (s *memStore) GetSrpmBuild(_ context.Context, id int64) (*model.SrpmBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.srpms[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memStore) UpdateSrpmBuild(_ context.Context, b model.SrpmBuild) (model.SrpmBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.srpms[b.ID]
	if !ok {
		return model.SrpmBuild{}, driven.ErrNotFound
	}
	if stored.Version != b.Version {
		return model.SrpmBuild{}, driven.ErrConflict
	}
	b.Version++
	s.srpms[b.ID] = b
	return b, nil
}

func (s *memStore) GetTarget(_ context.Context, id int64) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *memStore) TargetsForGroup(_ context.Context, groupID int64) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupTargets(groupID), nil
}

func (s *memStore) FindByExternalID(_ context.Context, kind model.TargetKind, externalID, name string) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Target
	for _, t := range s.targets {
		if t.Kind != kind || t.ExternalID == "" || t.ExternalID != externalID || (name != "" && t.Name != name) {
			continue
		}
		if best == nil || t.ID > best.ID {
			t := t
			best = &t
		}
	}
	return best, nil
}

func (s *memStore) UpdateTarget(_ context.Context, t model.Target) (model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.targets[t.ID]
	if !ok {
		return model.Target{}, driven.ErrNotFound
	}
	if stored.Version != t.Version {
		return model.Target{}, driven.ErrConflict
	}
	if stored.ExternalID != "" && stored.ExternalID != t.ExternalID {
		return model.Target{}, model.ErrExternalIDImmutable
	}
	t.Version++
	s.targets[t.ID] = t
	return t, nil
}

func (s *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Target
	for _, t := range s.targets {
		if !t.Status.IsTerminal() && t.AcceptedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// target returns a stored target by name, failing the test when absent.
func (s *memStore) target(t *testing.T, kind model.TargetKind, name string) model.Target {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []model.Target
	for _, tg := range s.targets {
		if tg.Kind == kind && tg.Name == name {
			found = append(found, tg)
		}
	}
	if len(found) != 1 {
		t.Fatalf("want one %s target %q, found %d", kind, name, len(found))
	}
	return found[0]
}

func (s *memStore) pipelineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines)
}

type memAllowlist struct {
	mu      sync.Mutex
	records map[string]model.Namespace
}

func newMemAllowlist(seed map[string]model.AllowStatus) *memAllowlist {
	a := &memAllowlist{records: map[string]model.Namespace{}}
	for name, status := range seed {
		a.records[name] = model.Namespace{Name: name, Status: status}
	}
	return a
}

func (a *memAllowlist) Get(_ context.Context, name string) (*model.Namespace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[name]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (a *memAllowlist) CreateIfAbsent(_ context.Context, name string, status model.AllowStatus) (model.Namespace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.records[name]; ok {
		return rec, nil
	}
	rec := model.Namespace{Name: name, Status: status}
	a.records[name] = rec
	return rec, nil
}

func (a *memAllowlist) Set(_ context.Context, name string, status model.AllowStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[name] = model.Namespace{Name: name, Status: status}
	return nil
}

func (a *memAllowlist) ListByStatus(_ context.Context, status model.AllowStatus) ([]model.Namespace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Namespace
	for _, rec := range a.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *memAllowlist) Remove(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[name]; !ok {
		return driven.ErrNotFound
	}
	delete(a.records, name)
	return nil
}

// --- Queue, reporter, config ---

type fakeQueue struct {
	mu      sync.Mutex
	seen    map[string]bool
	pending []model.Task
	failOn  string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, task model.Task) (model.TaskHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn != "" && task.Handler == q.failOn {
		return model.TaskHandle{}, fmt.Errorf("broker unavailable: %w", driven.ErrTransient)
	}
	h := model.TaskHandle{ID: task.ID, Queue: task.Queue, Sequence: uint64(len(q.seen) + 1)}
	if q.seen[task.ID] {
		h.Duplicate = true
		return h, nil
	}
	q.seen[task.ID] = true
	q.pending = append(q.pending, task)
	return h, nil
}

func (q *fakeQueue) pop() (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return model.Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

func (q *fakeQueue) tasks() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []model.Report
}

func (r *fakeReporter) Report(_ context.Context, rep model.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *fakeReporter) all() []model.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.reports)
}

// forContext returns the reports posted under one status context.
func (r *fakeReporter) forContext(name string) []model.Report {
	var out []model.Report
	for _, rep := range r.all() {
		if rep.Context == name {
			out = append(out, rep)
		}
	}
	return out
}

type staticConfig struct {
	jobs []model.JobConfig
	err  error
}

func (c staticConfig) Resolve(context.Context, model.ProjectRef, string) ([]model.JobConfig, error) {
	return c.jobs, c.err
}

// --- Backends ---

// fakeBackend counts submissions and answers with submit.
type fakeBackend struct {
	mu       sync.Mutex
	requests []driven.SubmitRequest
	submit   func(req driven.SubmitRequest) (driven.Submission, error)
}

func (b *fakeBackend) Submit(_ context.Context, req driven.SubmitRequest) (driven.Submission, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.submit == nil {
		return driven.Submission{ExternalID: "1"}, nil
	}
	return b.submit(req)
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// lookupBackend also answers submission lookups from known.
type lookupBackend struct {
	fakeBackend
	known map[string]driven.Submission
}

func (b *lookupBackend) LookupSubmission(_ context.Context, key string) (*driven.Submission, error) {
	sub, ok := b.known[key]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

type fakeSrpmBuilder struct {
	result driven.SrpmResult
	err    error
	calls  int
}

func (b *fakeSrpmBuilder) BuildSRPM(context.Context, driven.SrpmRequest) (driven.SrpmResult, error) {
	b.calls++
	return b.result, b.err
}

// --- Harness ---

// harness wires the application layer over in-memory adapters.
type harness struct {
	store      *memStore
	allowlist  *memAllowlist
	queue      *fakeQueue
	reporter   *fakeReporter
	registry   *application.Registry
	dispatcher *application.Dispatcher
	worker     *application.Worker
	deps       application.HandlerDeps
	ingestDeps application.IngestorDeps
	ingestor   *application.Ingestor
}

func newHarness(t *testing.T, backends application.Backends, jobs ...model.JobConfig) *harness {
	t.Helper()

	h := &harness{
		store:     newMemStore(),
		allowlist: newMemAllowlist(map[string]model.AllowStatus{"github.com/packit": model.AllowApproved}),
		queue:     newFakeQueue(),
		reporter:  &fakeReporter{},
		registry:  application.NewRegistry(),
	}
	logger := discardLogger()

	h.dispatcher = application.NewDispatcher(h.registry, h.queue, logger)
	h.deps = application.HandlerDeps{
		Triggers:    h.store,
		Pipelines:   h.store,
		Targets:     h.store,
		Enqueuer:    h.dispatcher,
		Notifier:    application.NewNotifier(h.reporter, h.store, "forgeflow", logger),
		Backends:    backends,
		CallTimeout: time.Second,
		Logger:      logger,
	}
	if err := application.RegisterHandlers(h.registry, h.deps); err != nil {
		t.Fatalf("register handlers: %v", err)
	}

	h.worker = application.NewWorker(h.registry, application.DefaultRetryPolicy(), time.Minute, logger)
	h.ingestDeps = application.IngestorDeps{
		Parser:     application.NewParser(logger),
		Admission:  application.NewAdmissionService(h.allowlist, nil, logger),
		Dispatcher: h.dispatcher,
		Config:     staticConfig{jobs: jobs},
		Triggers:   h.store,
		Pipelines:  h.store,
		Targets:    h.store,
		Notifier:   h.deps.Notifier,
		Logger:     logger,
	}
	h.ingestor = application.NewIngestor(h.ingestDeps)
	return h
}

// useFetchers rebuilds the ingestor with status fetchers for bare notifications.
func (h *harness) useFetchers(fetchers map[model.TargetKind]driven.StatusFetcher) {
	h.ingestDeps.Fetchers = fetchers
	h.ingestor = application.NewIngestor(h.ingestDeps)
}

// ingest feeds one raw event through the ingestor.
func (h *harness) ingest(t *testing.T, raw model.RawEvent) application.IngestResult {
	t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), raw)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

// drain delivers queued tasks, including ones enqueued while draining,
// redelivering retried tasks immediately. It returns the final dispositions.
func (h *harness) drain(t *testing.T) []driven.Disposition {
	t.Helper()

	var out []driven.Disposition
	for i := 0; i < 100; i++ {
		task, ok := h.queue.pop()
		if !ok {
			return out
		}
		attempt := 1
		for {
			d := h.worker.Handle(context.Background(), driven.Delivery{Task: task, Attempt: attempt})
			if d.Kind != driven.DispositionRetry {
				out = append(out, d)
				break
			}
			attempt++
		}
	}
	t.Fatal("queue did not drain")
	return nil
}
