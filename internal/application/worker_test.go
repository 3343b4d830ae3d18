package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := application.DefaultRetryPolicy()

	assert.Equal(t, 7*time.Second, p.Delay(1))
	assert.Equal(t, 14*time.Second, p.Delay(2))
	assert.Equal(t, 28*time.Second, p.Delay(3))

	capped := application.RetryPolicy{MaxRetries: 5, Initial: time.Second, Max: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, capped.Delay(2))
	assert.Equal(t, 3*time.Second, capped.Delay(3))
	assert.Equal(t, 3*time.Second, capped.Delay(5))
}

func TestRetryable(t *testing.T) {
	assert.True(t, application.Retryable(fmt.Errorf("submit: %w", driven.ErrTransient)))
	assert.True(t, application.Retryable(context.DeadlineExceeded))
	assert.False(t, application.Retryable(errors.New("copr returned 400")))
	assert.False(t, application.Retryable(driven.ErrNotAccepted))
}

func singleChrootHarness(t *testing.T, backend driven.Backend) (*harness, model.Task) {
	t.Helper()
	job := coprJob
	job.Targets = []string{chrootX86}
	h := newHarness(t, application.Backends{Copr: backend}, job)

	h.ingest(t, pullRequestEvent(t, 42, "abc123"))
	task, ok := h.queue.pop()
	require.True(t, ok)
	return h, task
}

func TestWorker_RetriesThenGivesUp(t *testing.T) {
	copr := &fakeBackend{submit: func(driven.SubmitRequest) (driven.Submission, error) {
		return driven.Submission{}, fmt.Errorf("copr returned 502: %w: %w", driven.ErrTransient, driven.ErrNotAccepted)
	}}
	h, task := singleChrootHarness(t, copr)
	ctx := context.Background()

	d := h.worker.Handle(ctx, driven.Delivery{Task: task, Attempt: 1})
	assert.Equal(t, driven.Disposition{Kind: driven.DispositionRetry, Delay: 7 * time.Second}, d)

	d = h.worker.Handle(ctx, driven.Delivery{Task: task, Attempt: 2})
	assert.Equal(t, driven.Disposition{Kind: driven.DispositionRetry, Delay: 14 * time.Second}, d)

	d = h.worker.Handle(ctx, driven.Delivery{Task: task, Attempt: 3})
	assert.Equal(t, driven.DispositionDrop, d.Kind)

	assert.Equal(t, 3, copr.calls())
	target := h.store.target(t, model.TargetCopr, chrootX86)
	assert.Equal(t, model.StatusError, target.Status)
	assert.Contains(t, target.Data["reason"], "copr returned 502")

	reports := h.reporter.forContext("forgeflow/rpm-build:" + chrootX86)
	assert.Equal(t, model.ReportError, reports[len(reports)-1].State)
}

func TestWorker_PermanentFailureDropsImmediately(t *testing.T) {
	copr := &fakeBackend{submit: func(driven.SubmitRequest) (driven.Submission, error) {
		return driven.Submission{}, fmt.Errorf("copr returned 400: %w", driven.ErrNotAccepted)
	}}
	h, task := singleChrootHarness(t, copr)

	d := h.worker.Handle(context.Background(), driven.Delivery{Task: task, Attempt: 1})

	assert.Equal(t, driven.DispositionDrop, d.Kind)
	assert.Equal(t, 1, copr.calls())
	assert.Equal(t, model.StatusError, h.store.target(t, model.TargetCopr, chrootX86).Status)
}

func TestWorker_OverdeliveredTaskIsDropped(t *testing.T) {
	copr := coprBackend("555")
	h, task := singleChrootHarness(t, copr)

	d := h.worker.Handle(context.Background(), driven.Delivery{Task: task, Attempt: 4})

	assert.Equal(t, driven.DispositionDrop, d.Kind)
	assert.Zero(t, copr.calls())
	assert.Equal(t, model.StatusError, h.store.target(t, model.TargetCopr, chrootX86).Status)
}

func TestWorker_MissingBackendFailsTarget(t *testing.T) {
	h, task := singleChrootHarness(t, nil)

	d := h.worker.Handle(context.Background(), driven.Delivery{Task: task, Attempt: 1})

	assert.Equal(t, driven.DispositionDrop, d.Kind)
	assert.Equal(t, model.StatusError, h.store.target(t, model.TargetCopr, chrootX86).Status)
}

func TestWorker_UnknownHandlerIsDropped(t *testing.T) {
	h := newHarness(t, application.Backends{})

	d := h.worker.Handle(context.Background(), driven.Delivery{
		Task:    model.Task{ID: "t-1", Handler: "retired_handler"},
		Attempt: 1,
	})

	assert.Equal(t, driven.DispositionDrop, d.Kind)
}

func TestWorker_ShutdownReturnsTaskWithoutDelay(t *testing.T) {
	blocked := make(chan struct{})
	copr := &fakeBackend{submit: func(driven.SubmitRequest) (driven.Submission, error) {
		<-blocked
		return driven.Submission{}, fmt.Errorf("interrupted: %w", context.Canceled)
	}}
	h, task := singleChrootHarness(t, copr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		cancel()
		close(blocked)
	}()
	d := h.worker.Handle(ctx, driven.Delivery{Task: task, Attempt: 1})

	assert.Equal(t, driven.Disposition{Kind: driven.DispositionRetry}, d)
}

// recordingConsumer hands each queue one delivery and records the verdicts.
type recordingConsumer struct {
	mu     sync.Mutex
	tasks  map[model.QueueName]model.Task
	result map[model.QueueName]driven.Disposition
	slots  map[model.QueueName]int
}

func (c *recordingConsumer) Consume(ctx context.Context, queue model.QueueName, concurrency int, handle func(context.Context, driven.Delivery) driven.Disposition) error {
	d := handle(ctx, driven.Delivery{Task: c.tasks[queue], Attempt: 1})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.result[queue] = d
	c.slots[queue] = concurrency
	return nil
}

func TestWorker_RunConsumesEveryQueue(t *testing.T) {
	h := newHarness(t, application.Backends{})
	consumer := &recordingConsumer{
		tasks: map[model.QueueName]model.Task{
			model.QueueShortRunning: {ID: "a", Handler: "nope"},
			model.QueueLongRunning:  {ID: "b", Handler: "nope"},
		},
		result: map[model.QueueName]driven.Disposition{},
		slots:  map[model.QueueName]int{},
	}

	err := h.worker.Run(context.Background(), consumer, map[model.QueueName]int{
		model.QueueShortRunning: 4,
		model.QueueLongRunning:  1,
	})

	require.NoError(t, err)
	assert.Equal(t, 4, consumer.slots[model.QueueShortRunning])
	assert.Equal(t, 1, consumer.slots[model.QueueLongRunning])
	assert.Equal(t, driven.DispositionDrop, consumer.result[model.QueueLongRunning].Kind)
}
