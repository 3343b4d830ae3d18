package natsqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

type recordingAcker struct {
	calls []string
	delay time.Duration
}

func (a *recordingAcker) Ack(...nats.AckOpt) error {
	a.calls = append(a.calls, "ack")
	return nil
}

func (a *recordingAcker) Nak(...nats.AckOpt) error {
	a.calls = append(a.calls, "nak")
	return nil
}

func (a *recordingAcker) NakWithDelay(delay time.Duration, _ ...nats.AckOpt) error {
	a.calls = append(a.calls, "nak")
	a.delay = delay
	return nil
}

func (a *recordingAcker) Term(...nats.AckOpt) error {
	a.calls = append(a.calls, "term")
	return nil
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name      string
		d         driven.Disposition
		wantCall  string
		wantDelay time.Duration
	}{
		{"ack", driven.Disposition{Kind: driven.DispositionAck}, "ack", 0},
		{"retry with backoff", driven.Disposition{Kind: driven.DispositionRetry, Delay: 14 * time.Second}, "nak", 14 * time.Second},
		{"retry now", driven.Disposition{Kind: driven.DispositionRetry}, "nak", 0},
		{"drop", driven.Disposition{Kind: driven.DispositionDrop}, "term", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &recordingAcker{}

			require.NoError(t, settle(a, tt.d))

			assert.Equal(t, []string{tt.wantCall}, a.calls)
			assert.Equal(t, tt.wantDelay, a.delay)
		})
	}
}

func TestDecodeDelivery(t *testing.T) {
	task := model.Task{
		ID:       "copr_build-target-7",
		Handler:  "copr_build",
		Queue:    model.QueueLongRunning,
		TargetID: 7,
		Job:      model.JobConfig{Type: model.JobCoprBuild, Trigger: model.TriggerPullRequest},
	}
	data, err := json.Marshal(task)
	require.NoError(t, err)

	d, err := decodeDelivery(data, 3)

	require.NoError(t, err)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, "copr_build-target-7", d.Task.ID)
	assert.Equal(t, int64(7), d.Task.TargetID)
	assert.Equal(t, model.JobCoprBuild, d.Task.Job.Type)
}

func TestDecodeDelivery_Rejects(t *testing.T) {
	_, err := decodeDelivery([]byte("not json"), 1)
	require.Error(t, err)

	_, err = decodeDelivery([]byte(`{"queue": "short-running"}`), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id or handler")
}

func TestSubjectsAndConsumers(t *testing.T) {
	assert.Equal(t, "forgeflow.tasks.short-running", Subject("forgeflow.tasks", model.QueueShortRunning))
	assert.Equal(t, "forgeflow.tasks.long-running", Subject("forgeflow.tasks", model.QueueLongRunning))
	assert.Equal(t, "forgeflow-long-running", durableName(model.QueueLongRunning))
}

func TestConsumerConfig(t *testing.T) {
	c := &Client{prefix: "forgeflow.tasks", ackWait: 15 * time.Minute}

	cfg := c.consumerConfig(model.QueueLongRunning)

	assert.Equal(t, "forgeflow-long-running", cfg.Durable)
	assert.Equal(t, "forgeflow.tasks.long-running", cfg.FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, 15*time.Minute, cfg.AckWait)
	assert.Zero(t, cfg.MaxAckPending, "in-flight work is bounded per process, not on the shared consumer")
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	c := &Client{prefix: "forgeflow.tasks"}

	_, err := c.Enqueue(t.Context(), model.Task{ID: "x", Handler: "copr_build", Queue: "medium-running"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue")
}
