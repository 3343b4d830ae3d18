// Package natsqueue implements the task queue ports on NATS JetStream and
// exposes the core NATS connection for message bus subscriptions.
package natsqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ericfisherdev/forgeflow/internal/config"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	stream  string
	prefix  string
	window  time.Duration
	ackWait time.Duration
	logger  *slog.Logger
}

// Connect dials the broker described by cfg. ackWait bounds how long a
// delivered task may go unacknowledged before the broker redelivers it;
// consumers extend it while a task is still running.
func Connect(cfg config.NATSConfig, name string, ackWait time.Duration, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening JetStream context: %w", err)
	}

	logger.Info("connected to NATS", "url", cfg.URL, "stream", cfg.Stream)

	return &Client{
		conn:    conn,
		js:      js,
		stream:  cfg.Stream,
		prefix:  cfg.SubjectPrefix,
		window:  cfg.DuplicateWindow,
		ackWait: ackWait,
		logger:  logger,
	}, nil
}

// EnsureStream creates the task stream, or updates it to the current
// configuration if it already exists. Both queues share one work-queue
// stream on separate subjects.
func (c *Client) EnsureStream() error {
	cfg := &nats.StreamConfig{
		Name:       c.stream,
		Subjects:   []string{Subject(c.prefix, model.QueueShortRunning), Subject(c.prefix, model.QueueLongRunning)},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: c.window,
	}

	_, err := c.js.StreamInfo(c.stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := c.js.AddStream(cfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", c.stream, err)
		}
		c.logger.Info("created task stream", "stream", c.stream, "subjects", cfg.Subjects)
	case err != nil:
		return fmt.Errorf("reading stream %s: %w", c.stream, err)
	default:
		if _, err := c.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("updating stream %s: %w", c.stream, err)
		}
	}
	return nil
}

// Conn returns the underlying connection for core NATS subscriptions.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	c.logger.Info("NATS connection closed")
	return nil
}

// Subject returns the subject tasks for queue are published on.
func Subject(prefix string, queue model.QueueName) string {
	return prefix + "." + string(queue)
}

// durableName returns the consumer name shared by every worker of queue.
func durableName(queue model.QueueName) string {
	return "forgeflow-" + string(queue)
}
