package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/forgeflow/internal/adapter/driving/bus"
	httphandler "github.com/ericfisherdev/forgeflow/internal/adapter/driving/http"
	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/bootstrap"
	"github.com/ericfisherdev/forgeflow/internal/config"
	"github.com/ericfisherdev/forgeflow/internal/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, "forgeflow")
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"nats_url", cfg.NATS.URL,
		"github_token", cfg.HasGitHubToken(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Wire storage, broker, forge and handlers.
	app, err := bootstrap.New(ctx, cfg, "forgeflow-api", cfg.TaskTimeout, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing resources", "error", closeErr)
		}
	}()

	// 4. Subscribe to the message bus.
	subscriber := bus.NewSubscriber(app.Queue.Conn(), cfg.NATS.BusSubject, app.Ingestor, cfg.ExternalCallTimeout, logger)
	if err := subscriber.Start(ctx); err != nil {
		return err
	}

	// 5. Start the stale target reaper.
	reaper := application.NewReaperService(app.Deps, cfg.StaleTargetTimeout, cfg.StaleReapInterval)
	go reaper.Start(ctx)

	// 6. Create HTTP handler.
	apiHandler := httphandler.NewHandler(app.Ingestor, app.Admission, app.Status, app.Queue, httphandler.Options{
		WebhookSecret:     cfg.GitHub.WebhookSecret,
		TestingFarmSecret: cfg.TestingFarmSecret,
		AdminToken:        cfg.AdminToken,
		RatePerMinute:     cfg.WebhookRatePerMinute,
		IngestTimeout:     cfg.ExternalCallTimeout,
		TrustedProxies:    cfg.TrustedProxies,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	logger.Info("forgeflow started",
		"listen_addr", cfg.ListenAddr,
		"bus_subject", cfg.NATS.BusSubject,
		"handlers", len(app.Registry.Names()),
	)

	// 7. Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down")

	// 8. Graceful shutdown: drain in-flight requests before closing the broker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
