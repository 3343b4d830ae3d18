// Package bootstrap wires the adapters and application services shared by
// the API and worker processes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/adapter/driven/backend"
	githubadapter "github.com/ericfisherdev/forgeflow/internal/adapter/driven/github"
	"github.com/ericfisherdev/forgeflow/internal/adapter/driven/natsqueue"
	sqliteadapter "github.com/ericfisherdev/forgeflow/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/config"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// App holds everything a process needs after startup.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sqliteadapter.DB
	Queue      *natsqueue.Client
	Registry   *application.Registry
	Dispatcher *application.Dispatcher
	Admission  *application.AdmissionService
	Status     *application.StatusService
	Ingestor   *application.Ingestor
	Deps       application.HandlerDeps
}

// New opens the database, connects to the broker and builds the handler
// registry. name identifies the process to the broker. ackWait is how long
// the broker waits for a task acknowledgement before redelivering it.
func New(ctx context.Context, cfg *config.Config, name string, ackWait time.Duration, logger *slog.Logger) (*App, error) {
	// 1. Open database and migrate.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database ready", "path", cfg.DBPath, "schema_version", version)

	// 2. Connect to the broker and declare the task stream.
	queue, err := natsqueue.Connect(cfg.NATS, name, ackWait, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := queue.EnsureStream(); err != nil {
		_ = queue.Close()
		_ = db.Close()
		return nil, err
	}

	app, err := wire(cfg, db, queue, logger)
	if err != nil {
		_ = queue.Close()
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func wire(cfg *config.Config, db *sqliteadapter.DB, queue *natsqueue.Client, logger *slog.Logger) (*App, error) {
	// 3. Stores.
	allowlist := sqliteadapter.NewAllowlistRepo(db)
	triggers := sqliteadapter.NewTriggerRepo(db)
	pipelines := sqliteadapter.NewPipelineRepo(db)
	targets := sqliteadapter.NewTargetRepo(db)

	// 4. Forge client and reporting.
	gh, err := githubadapter.NewClient(cfg.GitHub.Token, cfg.GitHub.APIURL, cfg.ConfigFiles, logger)
	if err != nil {
		return nil, err
	}
	notifier := application.NewNotifier(NewReporter(cfg, gh, logger), triggers, cfg.GitHub.StatusContext, logger)

	// 5. Backends.
	backends, fetchers, err := NewBackends(cfg, logger)
	if err != nil {
		return nil, err
	}

	// 6. Registry and dispatcher. Handlers enqueue follow-up work through
	// the dispatcher, so it exists before they are registered.
	registry := application.NewRegistry()
	dispatcher := application.NewDispatcher(registry, queue, logger)
	deps := application.HandlerDeps{
		Triggers:    triggers,
		Pipelines:   pipelines,
		Targets:     targets,
		Enqueuer:    dispatcher,
		Notifier:    notifier,
		Backends:    backends,
		CallTimeout: cfg.ExternalCallTimeout,
		Logger:      logger,
		Now:         time.Now,
	}
	if err := application.RegisterHandlers(registry, deps); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	logger.Debug("handlers registered", "handlers", registry.Names())

	admission := application.NewAdmissionService(allowlist, cfg.AutoApproveNamespaces, logger)
	ingestor := application.NewIngestor(application.IngestorDeps{
		Parser:       application.NewParser(logger),
		Admission:    admission,
		Dispatcher:   dispatcher,
		Config:       gh,
		PullRequests: gh,
		Fetchers:     fetchers,
		Triggers:     triggers,
		Pipelines:    pipelines,
		Targets:      targets,
		Notifier:     notifier,
		Logger:       logger,
	})

	return &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Queue:      queue,
		Registry:   registry,
		Dispatcher: dispatcher,
		Admission:  admission,
		Status:     application.NewStatusService(triggers, pipelines, targets),
		Ingestor:   ingestor,
		Deps:       deps,
	}, nil
}

// Close drains the broker connection and closes the database.
func (a *App) Close() error {
	return errors.Join(a.Queue.Close(), a.DB.Close())
}

// NewReporter returns the forge client when a token is configured. Without
// one, reports are only logged.
func NewReporter(cfg *config.Config, gh driven.Reporter, logger *slog.Logger) driven.Reporter {
	if cfg.HasGitHubToken() {
		return gh
	}
	logger.Warn("no github token configured, status reports will only be logged")
	return &logReporter{logger: logger}
}

// NewBackends builds a client for every backend with a configured URL.
// Backends left unconfigured stay nil and their handlers fail the targets
// they are given.
func NewBackends(cfg *config.Config, logger *slog.Logger) (application.Backends, map[model.TargetKind]driven.StatusFetcher, error) {
	var (
		b    application.Backends
		errs []error
	)

	submitters := []struct {
		cfg   config.BackendConfig
		dst   *driven.Backend
		build func(backend.Config, *http.Client, *slog.Logger) (driven.Backend, error)
	}{
		{cfg.Copr, &b.Copr, backend.NewCopr},
		{cfg.Koji, &b.Koji, backend.NewKoji},
		{cfg.TestingFarm, &b.TestingFarm, backend.NewTestingFarm},
		{cfg.Sync, &b.SyncRelease, backend.NewSyncRelease},
		{cfg.VMImage, &b.VMImage, backend.NewVMImage},
	}
	for _, s := range submitters {
		if !s.cfg.Enabled() {
			continue
		}
		svc, err := s.build(backendConfig(s.cfg), nil, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*s.dst = svc
	}

	fetchers := map[model.TargetKind]driven.StatusFetcher{}
	if cfg.TestingFarm.Enabled() {
		status, err := backend.NewTestingFarmStatus(backendConfig(cfg.TestingFarm), nil, logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			fetchers[model.TargetTestingFarm] = status
		}
	}

	if cfg.SrpmBuilder.Enabled() {
		srpm, err := backend.NewSrpmBuilder(backendConfig(cfg.SrpmBuilder), nil, logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			b.Srpm = srpm
		}
	}

	if err := errors.Join(errs...); err != nil {
		return application.Backends{}, nil, fmt.Errorf("configure backends: %w", err)
	}
	return b, fetchers, nil
}

func backendConfig(c config.BackendConfig) backend.Config {
	return backend.Config{URL: c.URL, Token: c.Token, LookupPath: c.LookupPath}
}

// RetryPolicy builds the worker retry policy from configuration.
func RetryPolicy(cfg *config.Config) application.RetryPolicy {
	return application.RetryPolicy{
		MaxRetries: cfg.TaskMaxRetries,
		Initial:    cfg.RetryBackoff,
		Max:        cfg.RetryBackoffMax,
		Multiplier: cfg.RetryBackoffFactor,
	}
}

// Concurrency maps each queue the worker consumes to its fetch loop count.
func Concurrency(cfg *config.Config) map[model.QueueName]int {
	out := make(map[model.QueueName]int, len(cfg.WorkerQueues))
	for _, q := range cfg.WorkerQueues {
		switch model.QueueName(q) {
		case model.QueueShortRunning:
			out[model.QueueShortRunning] = cfg.ShortRunningWorkers
		case model.QueueLongRunning:
			out[model.QueueLongRunning] = cfg.LongRunningWorkers
		}
	}
	return out
}

type logReporter struct {
	logger *slog.Logger
}

func (r *logReporter) Report(_ context.Context, rep model.Report) error {
	r.logger.Info("status report",
		"project", rep.Project.String(),
		"commit", rep.CommitSHA,
		"context", rep.Context,
		"state", rep.State,
		"summary", rep.Summary,
		"url", rep.URL,
	)
	return nil
}
