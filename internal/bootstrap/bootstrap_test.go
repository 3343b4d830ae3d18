package bootstrap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/config"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubReporter struct{ calls int }

func (s *stubReporter) Report(context.Context, model.Report) error {
	s.calls++
	return nil
}

func TestNewBackends_OnlyConfigured(t *testing.T) {
	cfg := &config.Config{
		Copr:        config.BackendConfig{URL: "https://copr.example.org", LookupPath: "api/v1/builds/by-key/%s"},
		TestingFarm: config.BackendConfig{URL: "https://tf.example.org"},
	}

	b, fetchers, err := NewBackends(cfg, discardLogger())

	require.NoError(t, err)
	assert.NotNil(t, b.Copr)
	assert.NotNil(t, b.TestingFarm)
	assert.Nil(t, b.Koji)
	assert.Nil(t, b.SyncRelease)
	assert.Nil(t, b.VMImage)
	assert.Nil(t, b.Srpm)

	_, ok := b.Copr.(driven.SubmissionLookup)
	assert.True(t, ok, "copr with a lookup path answers submission lookups")
	_, ok = b.TestingFarm.(driven.SubmissionLookup)
	assert.False(t, ok)

	require.Contains(t, fetchers, model.TargetTestingFarm)
	assert.Len(t, fetchers, 1)
}

func TestNewBackends_InvalidURL(t *testing.T) {
	cfg := &config.Config{
		Koji:        config.BackendConfig{URL: "ftp://koji.example.org"},
		SrpmBuilder: config.BackendConfig{URL: "sandbox:9000"},
	}

	_, _, err := NewBackends(cfg, discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "koji")
	assert.Contains(t, err.Error(), "srpm-builder")
}

func TestNewReporter(t *testing.T) {
	gh := &stubReporter{}

	withToken := NewReporter(&config.Config{GitHub: config.GitHubConfig{Token: "ghp_x"}}, gh, discardLogger())
	assert.Same(t, gh, withToken)

	var buf bytes.Buffer
	logged := NewReporter(&config.Config{}, gh, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, logged.Report(context.Background(), model.Report{
		Project: model.ProjectRef{ForgeHost: "github.com", Namespace: "packit", Repo: "ogr"},
		Context: "forgeflow/rpm-build:fedora-rawhide-x86_64",
		State:   model.ReportSuccess,
	}))

	assert.Zero(t, gh.calls)
	assert.Contains(t, buf.String(), "status report")
	assert.Contains(t, buf.String(), "forgeflow/rpm-build:fedora-rawhide-x86_64")
}

func TestRetryPolicy(t *testing.T) {
	cfg := &config.Config{
		TaskMaxRetries:     3,
		RetryBackoff:       time.Second,
		RetryBackoffMax:    time.Minute,
		RetryBackoffFactor: 3,
	}

	p := RetryPolicy(cfg)

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))
}

func TestConcurrency(t *testing.T) {
	cfg := &config.Config{
		WorkerQueues:        []string{"long-running"},
		ShortRunningWorkers: 2,
		LongRunningWorkers:  5,
	}
	assert.Equal(t, map[model.QueueName]int{model.QueueLongRunning: 5}, Concurrency(cfg))

	cfg.WorkerQueues = []string{"short-running", "long-running"}
	assert.Equal(t, map[model.QueueName]int{
		model.QueueShortRunning: 2,
		model.QueueLongRunning:  5,
	}, Concurrency(cfg))
}
