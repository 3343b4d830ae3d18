package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/bootstrap"
	"github.com/ericfisherdev/forgeflow/internal/config"
	"github.com/ericfisherdev/forgeflow/internal/logging"
)

// ackMargin is added to the task timeout so the broker does not redeliver a
// task whose handler is still unwinding.
const ackMargin = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, "forgeflow-worker")

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Wire storage, broker, forge and handlers.
	app, err := bootstrap.New(ctx, cfg, "forgeflow-worker", cfg.TaskTimeout+ackMargin, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing resources", "error", closeErr)
		}
	}()

	// 4. Consume the configured queues until shutdown.
	policy := bootstrap.RetryPolicy(cfg)
	worker := application.NewWorker(app.Registry, policy, cfg.TaskTimeout, logger)
	logger.Info("worker started",
		"queues", cfg.WorkerQueues,
		"task_timeout", cfg.TaskTimeout,
		"max_retries", policy.MaxRetries,
	)

	if err := worker.Run(ctx, app.Queue, bootstrap.Concurrency(cfg)); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
