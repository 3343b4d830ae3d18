package natsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.TaskQueue    = (*Client)(nil)
	_ driven.TaskConsumer = (*Client)(nil)
)

// fetchWait bounds one pull request to the broker. Fetch loops re-issue it
// until their context ends.
const fetchWait = 5 * time.Second

// Enqueue publishes task on its queue's subject. The task ID is the message
// ID, so the stream drops repeats inside its duplicate window.
func (c *Client) Enqueue(ctx context.Context, task model.Task) (model.TaskHandle, error) {
	if !task.Queue.Valid() {
		return model.TaskHandle{}, fmt.Errorf("enqueue task %s: unknown queue %q", task.ID, task.Queue)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return model.TaskHandle{}, fmt.Errorf("encoding task %s: %w", task.ID, err)
	}

	ack, err := c.js.Publish(Subject(c.prefix, task.Queue), data, nats.MsgId(task.ID), nats.Context(ctx))
	if err != nil {
		return model.TaskHandle{}, fmt.Errorf("%w: publishing task %s: %w", driven.ErrTransient, task.ID, err)
	}

	return model.TaskHandle{ID: task.ID, Queue: task.Queue, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

// Consume pulls tasks from queue with concurrency fetch loops, each holding
// at most one unacknowledged task, until ctx is canceled. The concurrency is
// local to this process; the shared consumer carries no in-flight cap, so
// workers with different settings can consume side by side.
func (c *Client) Consume(ctx context.Context, queue model.QueueName, concurrency int, handle func(context.Context, driven.Delivery) driven.Disposition) error {
	if err := c.ensureConsumer(queue); err != nil {
		return err
	}
	sub, err := c.js.PullSubscribe(
		Subject(c.prefix, queue),
		durableName(queue),
		nats.Bind(c.stream, durableName(queue)),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", queue, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("unsubscribe failed", "queue", queue, "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error {
			c.fetchLoop(ctx, queue, sub, handle)
			return nil
		})
	}
	return g.Wait()
}

// consumerConfig describes the durable pull consumer every worker of queue
// shares.
func (c *Client) consumerConfig(queue model.QueueName) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: Subject(c.prefix, queue),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       c.ackWait,
	}
}

// ensureConsumer creates the durable consumer for queue, or updates it to the
// current configuration if it already exists.
func (c *Client) ensureConsumer(queue model.QueueName) error {
	cfg := c.consumerConfig(queue)

	_, err := c.js.ConsumerInfo(c.stream, cfg.Durable)
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := c.js.AddConsumer(c.stream, cfg); err != nil {
			return fmt.Errorf("creating consumer %s: %w", cfg.Durable, err)
		}
		c.logger.Info("created task consumer", "consumer", cfg.Durable, "subject", cfg.FilterSubject)
	case err != nil:
		return fmt.Errorf("reading consumer %s: %w", cfg.Durable, err)
	default:
		if _, err := c.js.UpdateConsumer(c.stream, cfg); err != nil {
			return fmt.Errorf("updating consumer %s: %w", cfg.Durable, err)
		}
	}
	return nil
}

func (c *Client) fetchLoop(ctx context.Context, queue model.QueueName, sub *nats.Subscription, handle func(context.Context, driven.Delivery) driven.Disposition) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Warn("fetch failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			c.deliver(ctx, queue, msg, handle)
		}
	}
}

func (c *Client) deliver(ctx context.Context, queue model.QueueName, msg *nats.Msg, handle func(context.Context, driven.Delivery) driven.Disposition) {
	meta, err := msg.Metadata()
	if err != nil {
		c.logger.Error("task message without metadata", "queue", queue, "error", err)
		_ = settle(msg, driven.Disposition{Kind: driven.DispositionDrop})
		return
	}

	delivery, err := decodeDelivery(msg.Data, meta.NumDelivered)
	if err != nil {
		c.logger.Error("undecodable task dropped", "queue", queue, "sequence", meta.Sequence.Stream, "error", err)
		_ = settle(msg, driven.Disposition{Kind: driven.DispositionDrop})
		return
	}

	stop := c.keepAlive(msg)
	disposition := handle(ctx, delivery)
	stop()

	if err := settle(msg, disposition); err != nil {
		c.logger.Error("settle task", "task_id", delivery.Task.ID, "queue", queue, "error", err)
	}
}

// keepAlive tells the broker a task is still being worked on every half
// AckWait until the returned func is called.
func (c *Client) keepAlive(msg *nats.Msg) func() {
	if c.ackWait <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.ackWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Debug("extend ack deadline", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func decodeDelivery(data []byte, numDelivered uint64) (driven.Delivery, error) {
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return driven.Delivery{}, fmt.Errorf("decoding task: %w", err)
	}
	if task.ID == "" || task.Handler == "" {
		return driven.Delivery{}, errors.New("decoding task: missing id or handler")
	}
	return driven.Delivery{Task: task, Attempt: int(numDelivered)}, nil
}

// acker is the subset of *nats.Msg used to settle a delivery.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func settle(msg acker, d driven.Disposition) error {
	switch d.Kind {
	case driven.DispositionAck:
		return msg.Ack()
	case driven.DispositionRetry:
		if d.Delay <= 0 {
			return msg.Nak()
		}
		return msg.NakWithDelay(d.Delay)
	}
	return msg.Term()
}
