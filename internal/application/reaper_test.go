package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

func TestReaper_ErrorsStaleTargets(t *testing.T) {
	h := newHarness(t, application.Backends{Copr: coprBackend("555")}, coprJob)
	h.ingest(t, pullRequestEvent(t, 42, "abc123"))
	h.drain(t)
	h.ingest(t, coprEndEvent(t, 555, chrootX86, 1))
	h.drain(t)

	deps := h.deps
	deps.Now = func() time.Time { return h.store.now.Add(8 * 24 * time.Hour) }
	reaper := application.NewReaperService(deps, 7*24*time.Hour, time.Hour)

	reaped, err := reaper.ReapOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	arm := h.store.target(t, model.TargetCopr, chrootArm)
	assert.Equal(t, model.StatusError, arm.Status)
	assert.Equal(t, "no result within 168h0m0s", arm.Data["reason"])
	assert.Equal(t, model.StatusSuccess, h.store.target(t, model.TargetCopr, chrootX86).Status, "finished targets are left alone")

	reports := h.reporter.forContext("forgeflow/rpm-build:" + chrootArm)
	assert.Equal(t, model.ReportError, reports[len(reports)-1].State)

	again, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReaper_LeavesFreshTargets(t *testing.T) {
	h := newHarness(t, application.Backends{Copr: coprBackend("555")}, coprJob)
	h.ingest(t, pullRequestEvent(t, 42, "abc123"))

	reaper := application.NewReaperService(h.deps, 7*24*time.Hour, time.Hour)
	reaped, err := reaper.ReapOnce(context.Background())

	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Equal(t, model.StatusPending, h.store.target(t, model.TargetCopr, chrootX86).Status)
}

func TestReaper_StartStopsWithContext(t *testing.T) {
	h := newHarness(t, application.Backends{})
	reaper := application.NewReaperService(h.deps, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
