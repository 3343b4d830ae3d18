package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// TaskQueue defines the driven port for durable task submission. Enqueueing
// the same task ID twice is deduplicated by the queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, task model.Task) (model.TaskHandle, error)
}

// Delivery is one at-least-once delivery of a task. Attempt starts at 1.
type Delivery struct {
	Task    model.Task
	Attempt int
}

// DispositionKind tells the queue what to do with a delivered task.
type DispositionKind int

const (
	// DispositionAck removes the task from the queue.
	DispositionAck DispositionKind = iota
	// DispositionRetry redelivers the task after Delay.
	DispositionRetry
	// DispositionDrop removes the task without further delivery.
	DispositionDrop
)

// Disposition is the worker's verdict on a delivery.
type Disposition struct {
	Kind  DispositionKind
	Delay time.Duration
}

// TaskConsumer defines the driven port for pulling tasks. Consume runs
// concurrency fetch loops, each holding at most one unacknowledged task, and
// blocks until ctx is canceled.
type TaskConsumer interface {
	Consume(ctx context.Context, queue model.QueueName, concurrency int, handle func(context.Context, Delivery) Disposition) error
}
