package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// RetryPolicy bounds task retries. A task is delivered at most MaxRetries+1
// times; retry n waits Initial*Multiplier^(n-1), capped at Max.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy retries twice, starting at seven seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Initial: 7 * time.Second, Max: 10 * time.Minute, Multiplier: 2}
}

// Delay returns the wait before redelivering after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, driven.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Worker executes queued tasks with their registered handlers.
type Worker struct {
	registry *Registry
	policy   RetryPolicy
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. timeout bounds each task run.
func NewWorker(registry *Registry, policy RetryPolicy, timeout time.Duration, logger *slog.Logger) *Worker {
	return &Worker{registry: registry, policy: policy, timeout: timeout, logger: logger}
}

// Handle runs one delivery and tells the queue what to do with it. Success
// and state anomalies acknowledge the task. Transient failures are retried
// with backoff while attempts remain. Anything else, or an exhausted retry
// budget, fails the task's target and drops the task.
func (w *Worker) Handle(ctx context.Context, d driven.Delivery) driven.Disposition {
	task := d.Task
	log := w.logger.With("task_id", task.ID, "handler", task.Handler, "attempt", d.Attempt)

	spec, ok := w.registry.Lookup(task.Handler)
	if !ok || spec.Mode != ModeQueued {
		log.Error("no handler registered for task")
		return driven.Disposition{Kind: driven.DispositionDrop}
	}

	if d.Attempt > w.policy.MaxRetries+1 {
		w.fail(ctx, log, spec, task, fmt.Errorf("task delivered %d times: retries exhausted", d.Attempt))
		return driven.Disposition{Kind: driven.DispositionDrop}
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := spec.Task.Run(runCtx, task)
	cancel()

	switch {
	case err == nil:
		log.Info("task completed", "duration", time.Since(start).Round(time.Millisecond))
		return driven.Disposition{Kind: driven.DispositionAck}

	case errors.Is(err, model.ErrStateAnomaly):
		log.Warn("state anomaly ignored", "error", err)
		return driven.Disposition{Kind: driven.DispositionAck}

	case ctx.Err() != nil:
		// Shutting down: hand the task back without spending an attempt's delay.
		log.Info("task interrupted by shutdown", "error", err)
		return driven.Disposition{Kind: driven.DispositionRetry}

	case Retryable(err) && d.Attempt <= w.policy.MaxRetries:
		delay := w.policy.Delay(d.Attempt)
		log.Warn("task failed, will retry", "delay", delay, "error", err)
		return driven.Disposition{Kind: driven.DispositionRetry, Delay: delay}
	}

	w.fail(ctx, log, spec, task, err)
	return driven.Disposition{Kind: driven.DispositionDrop}
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, spec HandlerSpec, task model.Task, cause error) {
	log.Error("task failed permanently", "error", cause)

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := spec.Task.Fail(failCtx, task, cause); err != nil {
		log.Error("record task failure", "error", err)
	}
}

// Run consumes the given queues until ctx is canceled. concurrency maps each
// queue to its number of fetch loops.
func (w *Worker) Run(ctx context.Context, consumer driven.TaskConsumer, concurrency map[model.QueueName]int) error {
	g, ctx := errgroup.WithContext(ctx)
	for queue, n := range concurrency {
		w.logger.Info("consuming queue", "queue", queue, "concurrency", n)
		g.Go(func() error {
			if err := consumer.Consume(ctx, queue, n, w.Handle); err != nil {
				return fmt.Errorf("consume %s: %w", queue, err)
			}
			return nil
		})
	}
	return g.Wait()
}
