// Package bus feeds build-system messages from the NATS message bus into the
// ingestion pipeline.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// queueGroup spreads bus messages across API replicas so each message is
// ingested once.
const queueGroup = "forgeflow-ingest"

// Ingester consumes raw events.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawEvent) (application.IngestResult, error)
}

// Subscriber delivers bus messages to an Ingester.
type Subscriber struct {
	conn     *nats.Conn
	subject  string
	ingester Ingester
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSubscriber creates a Subscriber for subject. timeout bounds the
// ingestion of a single message.
func NewSubscriber(conn *nats.Conn, subject string, ingester Ingester, timeout time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{conn: conn, subject: subject, ingester: ingester, timeout: timeout, logger: logger}
}

// Start subscribes to the bus and unsubscribes when ctx is canceled.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, queueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		s.HandleMessage(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}

	s.logger.Info("subscribed to message bus", "subject", s.subject)

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe from message bus", "error", err)
		}
	}()
	return nil
}

// HandleMessage ingests one message. The subject is the message topic.
func (s *Subscriber) HandleMessage(ctx context.Context, subject string, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("dropping undecodable bus message", "topic", subject, "error", err)
		return
	}

	ingestCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.ingester.Ingest(ingestCtx, model.RawEvent{Source: model.SourceBus, Topic: subject, Payload: payload})
	if err != nil {
		s.logger.Error("bus message ingestion failed", "topic", subject, "error", err)
		return
	}
	s.logger.Debug("bus message ingested", "topic", subject, "status", res.Status)
}
