package application

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// Mode says whether a handler runs during dispatch or through the queue.
type Mode int

const (
	// ModeInline handlers run synchronously inside Dispatch.
	ModeInline Mode = iota
	// ModeQueued handlers plan tasks during dispatch and run them on a worker.
	ModeQueued
)

// InlineHandler does its whole job during dispatch.
type InlineHandler interface {
	Handle(ctx context.Context, ev model.Event, job model.JobConfig) (Outcome, error)
}

// TaskHandler splits its work between dispatch and a queue worker. Plan
// validates the event against the job, persists any placeholders and returns
// the tasks to enqueue; an empty slice means the event does not apply. Run
// executes one task on a worker and must be idempotent under redelivery. Fail
// records a permanent failure once the task will not be retried.
type TaskHandler interface {
	Plan(ctx context.Context, ev model.Event, job model.JobConfig) ([]model.Task, error)
	Run(ctx context.Context, task model.Task) error
	Fail(ctx context.Context, task model.Task, cause error) error
}

// HandlerSpec is one entry of the registration table.
type HandlerSpec struct {
	Name   string
	Mode   Mode
	Queue  model.QueueName
	Inline InlineHandler
	Task   TaskHandler
}

type routeKey struct {
	kind model.EventKind
	job  model.JobType
}

// Registry maps (event kind, job type) pairs to handlers. It is populated
// explicitly at startup and read-only afterwards.
type Registry struct {
	byName map[string]HandlerSpec
	routes map[routeKey][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]HandlerSpec),
		routes: make(map[routeKey][]string),
	}
}

// Register adds a handler. Names must be unique and queued handlers need a
// valid queue.
func (r *Registry) Register(spec HandlerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if _, dup := r.byName[spec.Name]; dup {
		return fmt.Errorf("register handler %s: duplicate name", spec.Name)
	}
	switch spec.Mode {
	case ModeInline:
		if spec.Inline == nil {
			return fmt.Errorf("register handler %s: inline handler missing", spec.Name)
		}
	case ModeQueued:
		if spec.Task == nil {
			return fmt.Errorf("register handler %s: task handler missing", spec.Name)
		}
		if !spec.Queue.Valid() {
			return fmt.Errorf("register handler %s: unknown queue %q", spec.Name, spec.Queue)
		}
	default:
		return fmt.Errorf("register handler %s: unknown mode %d", spec.Name, spec.Mode)
	}

	r.byName[spec.Name] = spec
	return nil
}

// Route makes the named handler eligible for events of kind under jobs of
// type job. Use model.JobAny for handlers that run once per event.
func (r *Registry) Route(kind model.EventKind, job model.JobType, name string) error {
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("route %s/%s: unknown handler %s", kind, job, name)
	}
	key := routeKey{kind: kind, job: job}
	r.routes[key] = append(r.routes[key], name)
	return nil
}

// Handlers returns the handlers routed for a pair in registration order.
func (r *Registry) Handlers(kind model.EventKind, job model.JobType) []HandlerSpec {
	return lo.Map(r.routes[routeKey{kind: kind, job: job}], func(name string, _ int) HandlerSpec {
		return r.byName[name]
	})
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (HandlerSpec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}

// Names lists registered handler names in sorted order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.byName)
	sort.Strings(names)
	return names
}
