package model

import "time"

// QueueName selects one of the two physically separate task queues.
type QueueName string

const (
	QueueShortRunning QueueName = "short-running"
	QueueLongRunning  QueueName = "long-running"
)

// Valid reports whether q names a known queue.
func (q QueueName) Valid() bool {
	return q == QueueShortRunning || q == QueueLongRunning
}

// Task is a unit of queued handler work. Exactly one task exists per target
// submission; result and SRPM tasks carry the event or build they act on.
type Task struct {
	ID          string    `json:"id"`
	Handler     string    `json:"handler"`
	Queue       QueueName `json:"queue"`
	TargetID    int64     `json:"target_id,omitempty"`
	GroupID     int64     `json:"group_id,omitempty"`
	SrpmBuildID int64     `json:"srpm_build_id,omitempty"`
	Job         JobConfig `json:"job"`
	Event       *Event    `json:"event,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// TaskHandle is returned by the queue once a task is durably accepted.
type TaskHandle struct {
	ID        string
	Queue     QueueName
	Sequence  uint64
	Duplicate bool
}
