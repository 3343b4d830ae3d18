package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// reapBatch caps how many stale targets one pass handles.
const reapBatch = 100

// ReaperService periodically errors out targets whose backend never reported
// a final state.
type ReaperService struct {
	deps     HandlerDeps
	maxAge   time.Duration
	interval time.Duration
}

// NewReaperService creates a ReaperService that errors targets accepted more
// than maxAge ago, checking every interval.
func NewReaperService(deps HandlerDeps, maxAge, interval time.Duration) *ReaperService {
	return &ReaperService{deps: deps, maxAge: maxAge, interval: interval}
}

// Start runs a pass immediately and then on every tick. It blocks until the
// context is canceled.
func (s *ReaperService) Start(ctx context.Context) {
	if _, err := s.ReapOnce(ctx); err != nil {
		s.deps.Logger.Error("initial reap failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := s.ReapOnce(ctx); err != nil {
				s.deps.Logger.Error("reap cycle failed", "error", err)
			}
		}
	}
}

// ReapOnce errors out one batch of stale targets and returns how many moved.
func (s *ReaperService) ReapOnce(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.deps.now().Add(-s.maxAge)

	stale, err := s.deps.Targets.ListStale(ctx, cutoff, reapBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale targets: %w", err)
	}

	reason := fmt.Sprintf("no result within %s", s.maxAge)
	var reaped, failures int
	for _, t := range stale {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}

		updated, tr, err := transitionTarget(ctx, s.deps.Targets, t.ID, model.StatusError, s.deps.now(), reason)
		if err != nil {
			s.deps.Logger.Error("reap target", "target_id", t.ID, "error", err)
			failures++
			continue
		}
		if tr != model.TransitionApply {
			continue
		}
		reaped++

		if group, err := s.deps.Pipelines.GetGroup(ctx, updated.GroupID); err == nil && group != nil {
			s.deps.Notifier.Target(ctx, *group, updated, "Timed out waiting for the backend")
		}
	}

	if len(stale) > 0 {
		s.deps.Logger.Info("reap cycle complete",
			"stale", len(stale),
			"reaped", reaped,
			"errors", failures,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
	return reaped, nil
}
