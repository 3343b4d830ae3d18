package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// maxUpdateAttempts bounds reload-and-retry loops on version conflicts.
const maxUpdateAttempts = 3

// updateTarget loads a target, applies mutate and writes it back, reloading
// and reapplying on version conflicts. A Noop result from mutate skips the
// write. Anomalies from mutate are returned unchanged.
func updateTarget(ctx context.Context, store driven.TargetStore, id int64, mutate func(t *model.Target) (model.Transition, error)) (model.Target, model.Transition, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		t, err := store.GetTarget(ctx, id)
		if err != nil {
			return model.Target{}, 0, fmt.Errorf("load target %d: %w", id, err)
		}
		if t == nil {
			return model.Target{}, 0, fmt.Errorf("load target %d: %w", id, driven.ErrNotFound)
		}

		tr, err := mutate(t)
		if err != nil {
			return *t, tr, err
		}
		if tr == model.TransitionNoop {
			return *t, tr, nil
		}

		updated, err := store.UpdateTarget(ctx, *t)
		if errors.Is(err, driven.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Target{}, 0, fmt.Errorf("update target %d: %w", id, err)
		}
		return updated, tr, nil
	}
	return model.Target{}, 0, fmt.Errorf("update target %d after %d attempts: %w: %w", id, maxUpdateAttempts, driven.ErrConflict, driven.ErrTransient)
}

// transitionTarget moves a target to status at time at, recording reason in
// its data when the move applies.
func transitionTarget(ctx context.Context, store driven.TargetStore, id int64, to model.TargetStatus, at time.Time, reason string) (model.Target, model.Transition, error) {
	return updateTarget(ctx, store, id, func(t *model.Target) (model.Transition, error) {
		tr, err := t.Transition(to, at)
		if tr == model.TransitionApply && reason != "" {
			if t.Data == nil {
				t.Data = map[string]any{}
			}
			t.Data["reason"] = reason
		}
		return tr, err
	})
}
