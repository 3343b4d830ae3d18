package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// TriggerStore defines the driven port for job trigger persistence.
type TriggerStore interface {
	// GetOrCreate returns the stored trigger with the same natural key,
	// inserting it first when absent.
	GetOrCreate(ctx context.Context, trigger model.JobTrigger) (model.JobTrigger, error)
	Get(ctx context.Context, id int64) (*model.JobTrigger, error)
}

// PipelineStore defines the driven port for pipelines, SRPM builds and groups.
// Lookups return nil, nil when nothing matches.
type PipelineStore interface {
	// CreateSrpmPipeline inserts a pending SRPM build and the pipeline that
	// owns it in one transaction.
	CreateSrpmPipeline(ctx context.Context, triggerID int64, build model.SrpmBuild) (model.SrpmBuild, model.Pipeline, error)
	// CreateGroupPipeline inserts a group, its placeholder targets and the
	// pipeline that owns the group in one transaction.
	CreateGroupPipeline(ctx context.Context, group model.Group, targets []model.Target) (model.Group, []model.Target, model.Pipeline, error)

	GetPipeline(ctx context.Context, id int64) (*model.Pipeline, error)
	// PipelinesForTrigger returns a trigger's pipelines in creation order.
	PipelinesForTrigger(ctx context.Context, triggerID int64) ([]model.Pipeline, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	GroupForPipeline(ctx context.Context, pipelineID int64) (*model.Group, error)
	GroupsForSrpmBuild(ctx context.Context, srpmBuildID int64) ([]model.Group, error)
	// LatestGroup returns the most recently submitted group of the given kind
	// for a trigger.
	LatestGroup(ctx context.Context, triggerID int64, kind model.GroupKind) (*model.Group, error)
	// EnsureChildGroup appends targets to the child group of group.Kind under
	// group.ParentGroupID, creating the group and its pipeline when absent.
	// Only the newly added targets are returned.
	EnsureChildGroup(ctx context.Context, group model.Group, targets []model.Target) (model.Group, []model.Target, error)

	GetSrpmBuild(ctx context.Context, id int64) (*model.SrpmBuild, error)
	// UpdateSrpmBuild writes b if its version still matches the stored row
	// and returns it with the bumped version; ErrConflict otherwise.
	UpdateSrpmBuild(ctx context.Context, b model.SrpmBuild) (model.SrpmBuild, error)
}

// TargetStore defines the driven port for target persistence.
type TargetStore interface {
	// GetTarget returns nil, nil when the target does not exist.
	GetTarget(ctx context.Context, id int64) (*model.Target, error)
	TargetsForGroup(ctx context.Context, groupID int64) ([]model.Target, error)
	// FindByExternalID correlates a backend identifier with a target. An
	// empty name matches any target carrying the external ID.
	FindByExternalID(ctx context.Context, kind model.TargetKind, externalID, name string) (*model.Target, error)
	// UpdateTarget writes t if its version still matches the stored row and
	// returns it with the bumped version. It returns ErrConflict on a version
	// mismatch and ErrNotFound when the row is gone.
	UpdateTarget(ctx context.Context, t model.Target) (model.Target, error)
	// ListStale returns non-terminal targets accepted before the cutoff.
	ListStale(ctx context.Context, acceptedBefore time.Time, limit int) ([]model.Target, error)
}
