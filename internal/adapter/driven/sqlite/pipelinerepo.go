package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PipelineStore = (*PipelineRepo)(nil)

// PipelineRepo is the SQLite implementation of the PipelineStore port.
type PipelineRepo struct {
	db *DB
}

// NewPipelineRepo creates a new PipelineRepo backed by the given DB.
func NewPipelineRepo(db *DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

const (
	pipelineColumns = `id, trigger_id, srpm_build_id, group_id, created_at`
	groupColumns    = `id, kind, trigger_id, srpm_build_id, parent_group_id, job_config, submitted_at`
	srpmColumns     = `id, trigger_id, commit_sha, status, url, logs_url, created_at, started_at, finished_at, version`
)

// CreateSrpmPipeline inserts a pending SRPM build and its pipeline atomically.
func (r *PipelineRepo) CreateSrpmPipeline(ctx context.Context, triggerID int64, build model.SrpmBuild) (model.SrpmBuild, model.Pipeline, error) {
	const insertBuild = `
		INSERT INTO srpm_builds (trigger_id, commit_sha, status, url, logs_url, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	build.TriggerID = triggerID
	build.CreatedAt = now
	build.Version = 1
	if build.Status == "" {
		build.Status = model.StatusPending
	}

	var pipeline model.Pipeline
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, insertBuild,
			triggerID, build.CommitSHA, string(build.Status), build.URL, build.LogsURL,
			formatTime(now), formatTimePtr(build.StartedAt), formatTimePtr(build.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert srpm build: %w", err)
		}
		build.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("srpm build id: %w", err)
		}

		pipeline, err = insertPipeline(ctx, tx, triggerID, &build.ID, nil, now)
		return err
	})
	if err != nil {
		return model.SrpmBuild{}, model.Pipeline{}, fmt.Errorf("create srpm pipeline for trigger %d: %w", triggerID, err)
	}

	return build, pipeline, nil
}

// CreateGroupPipeline inserts the group, its placeholder targets and the
// pipeline pointing at the group atomically.
func (r *PipelineRepo) CreateGroupPipeline(ctx context.Context, group model.Group, targets []model.Target) (model.Group, []model.Target, model.Pipeline, error) {
	if len(targets) == 0 {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("create %s group: no targets", group.Kind)
	}

	var pipeline model.Pipeline
	var stored []model.Target
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		group, stored, pipeline, err = createGroup(ctx, tx, group, targets, time.Now().UTC())
		return err
	})
	if err != nil {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("create %s group pipeline for trigger %d: %w", group.Kind, group.TriggerID, err)
	}

	return group, stored, pipeline, nil
}

// EnsureChildGroup adds targets to the group of group.Kind fed by
// group.ParentGroupID, creating that group and its pipeline on first use.
// Lookup and insert share one transaction so concurrent callers converge on
// a single child group.
func (r *PipelineRepo) EnsureChildGroup(ctx context.Context, group model.Group, targets []model.Target) (model.Group, []model.Target, error) {
	if group.ParentGroupID == nil {
		return model.Group{}, nil, fmt.Errorf("ensure %s child group: no parent group", group.Kind)
	}
	query := `
		SELECT ` + groupColumns + ` FROM target_groups
		WHERE parent_group_id = ? AND kind = ?
		ORDER BY id
		LIMIT 1
	`

	var added []model.Target
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		existing, err := scanGroup(tx.QueryRowContext(ctx, query, *group.ParentGroupID, string(group.Kind)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if len(targets) == 0 {
				return fmt.Errorf("create %s group: no targets", group.Kind)
			}
			group, added, _, err = createGroup(ctx, tx, group, targets, now)
			return err
		case err != nil:
			return fmt.Errorf("find child group: %w", err)
		}

		group = *existing
		added, err = addTargets(ctx, tx, group.ID, group.Kind, targets, now)
		return err
	})
	if err != nil {
		return model.Group{}, nil, fmt.Errorf("ensure %s child of group %d: %w", group.Kind, *group.ParentGroupID, err)
	}
	return group, added, nil
}

// GetPipeline returns the pipeline with the given ID, or nil, nil.
func (r *PipelineRepo) GetPipeline(ctx context.Context, id int64) (*model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`

	p, err := scanPipeline(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %d: %w", id, err)
	}
	return p, nil
}

// PipelinesForTrigger returns the trigger's pipelines in creation order.
func (r *PipelineRepo) PipelinesForTrigger(ctx context.Context, triggerID int64) ([]model.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE trigger_id = ? ORDER BY created_at, id`

	rows, err := r.db.Reader.QueryContext(ctx, query, triggerID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines for trigger %d: %w", triggerID, err)
	}
	defer rows.Close()

	var out []model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	return out, nil
}

// GetGroup returns the group with the given ID, or nil, nil.
func (r *PipelineRepo) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM target_groups WHERE id = ?`
	return r.queryGroup(ctx, query, id)
}

// GroupForPipeline returns the group a pipeline owns, or nil, nil when the
// pipeline owns an SRPM build instead.
func (r *PipelineRepo) GroupForPipeline(ctx context.Context, pipelineID int64) (*model.Group, error) {
	query := `
		SELECT g.id, g.kind, g.trigger_id, g.srpm_build_id, g.parent_group_id, g.job_config, g.submitted_at
		FROM target_groups g
		JOIN pipelines p ON p.group_id = g.id
		WHERE p.id = ?
	`
	return r.queryGroup(ctx, query, pipelineID)
}

// GroupsForSrpmBuild returns the build groups waiting on an SRPM build.
func (r *PipelineRepo) GroupsForSrpmBuild(ctx context.Context, srpmBuildID int64) ([]model.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM target_groups WHERE srpm_build_id = ? ORDER BY id`
	return r.queryGroups(ctx, query, srpmBuildID)
}

// LatestGroup returns the newest group of a kind for a trigger, or nil, nil.
func (r *PipelineRepo) LatestGroup(ctx context.Context, triggerID int64, kind model.GroupKind) (*model.Group, error) {
	query := `
		SELECT ` + groupColumns + ` FROM target_groups
		WHERE trigger_id = ? AND kind = ?
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	return r.queryGroup(ctx, query, triggerID, string(kind))
}

// GetSrpmBuild returns the SRPM build with the given ID, or nil, nil.
func (r *PipelineRepo) GetSrpmBuild(ctx context.Context, id int64) (*model.SrpmBuild, error) {
	query := `SELECT ` + srpmColumns + ` FROM srpm_builds WHERE id = ?`

	b, err := scanSrpmBuild(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get srpm build %d: %w", id, err)
	}
	return b, nil
}

// UpdateSrpmBuild writes b when its version matches and bumps the version.
func (r *PipelineRepo) UpdateSrpmBuild(ctx context.Context, b model.SrpmBuild) (model.SrpmBuild, error) {
	const query = `
		UPDATE srpm_builds SET
			status = ?, url = ?, logs_url = ?, started_at = ?, finished_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(b.Status), b.URL, b.LogsURL, formatTimePtr(b.StartedAt), formatTimePtr(b.FinishedAt),
		b.ID, b.Version,
	)
	if err != nil {
		return model.SrpmBuild{}, fmt.Errorf("update srpm build %d: %w", b.ID, err)
	}

	if err := checkVersionedUpdate(ctx, r.db, result, "srpm_builds", b.ID); err != nil {
		return model.SrpmBuild{}, fmt.Errorf("update srpm build %d: %w", b.ID, err)
	}

	b.Version++
	return b, nil
}

func (r *PipelineRepo) queryGroup(ctx context.Context, query string, args ...any) (*model.Group, error) {
	g, err := scanGroup(r.db.Reader.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}
	return g, nil
}

func (r *PipelineRepo) queryGroups(ctx context.Context, query string, args ...any) ([]model.Group, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}

func createGroup(ctx context.Context, tx *sql.Tx, group model.Group, targets []model.Target, now time.Time) (model.Group, []model.Target, model.Pipeline, error) {
	const insertGroup = `
		INSERT INTO target_groups (kind, trigger_id, srpm_build_id, parent_group_id, job_key, job_config, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	jobJSON, err := json.Marshal(group.Job)
	if err != nil {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("marshal job config: %w", err)
	}

	group.SubmittedAt = now
	result, err := tx.ExecContext(ctx, insertGroup,
		string(group.Kind), group.TriggerID, nullInt64(group.SrpmBuildID), nullInt64(group.ParentGroupID),
		group.Job.Key(), string(jobJSON), formatTime(now),
	)
	if err != nil {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("insert group: %w", err)
	}
	group.ID, err = result.LastInsertId()
	if err != nil {
		return model.Group{}, nil, model.Pipeline{}, fmt.Errorf("group id: %w", err)
	}

	stored := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		t.GroupID = group.ID
		t.Kind = group.Kind.TargetKind()
		inserted, err := insertTarget(ctx, tx, t, now)
		if err != nil {
			return model.Group{}, nil, model.Pipeline{}, err
		}
		stored = append(stored, inserted)
	}

	pipeline, err := insertPipeline(ctx, tx, group.TriggerID, nil, &group.ID, now)
	if err != nil {
		return model.Group{}, nil, model.Pipeline{}, err
	}
	return group, stored, pipeline, nil
}

func addTargets(ctx context.Context, tx *sql.Tx, groupID int64, kind model.GroupKind, targets []model.Target, now time.Time) ([]model.Target, error) {
	const existsQuery = `SELECT COUNT(*) FROM targets WHERE group_id = ? AND name = ?`

	var added []model.Target
	for _, t := range targets {
		var n int
		if err := tx.QueryRowContext(ctx, existsQuery, groupID, t.Name).Scan(&n); err != nil {
			return nil, fmt.Errorf("check target %s: %w", t.Name, err)
		}
		if n > 0 {
			continue
		}

		t.GroupID = groupID
		t.Kind = kind.TargetKind()
		inserted, err := insertTarget(ctx, tx, t, now)
		if err != nil {
			return nil, err
		}
		added = append(added, inserted)
	}
	return added, nil
}

func insertPipeline(ctx context.Context, tx *sql.Tx, triggerID int64, srpmBuildID, groupID *int64, now time.Time) (model.Pipeline, error) {
	const query = `INSERT INTO pipelines (trigger_id, srpm_build_id, group_id, created_at) VALUES (?, ?, ?, ?)`

	result, err := tx.ExecContext(ctx, query, triggerID, nullInt64(srpmBuildID), nullInt64(groupID), formatTime(now))
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("pipeline id: %w", err)
	}

	return model.Pipeline{
		ID:          id,
		TriggerID:   triggerID,
		SrpmBuildID: srpmBuildID,
		GroupID:     groupID,
		CreatedAt:   now,
	}, nil
}

// checkVersionedUpdate turns a zero-row versioned UPDATE into ErrConflict or
// ErrNotFound depending on whether the row still exists.
func checkVersionedUpdate(ctx context.Context, db *DB, result sql.Result, table string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = db.Writer.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if exists == 0 {
		return driven.ErrNotFound
	}
	return driven.ErrConflict
}

func scanPipeline(s scanner) (*model.Pipeline, error) {
	var p model.Pipeline
	var srpmID, groupID sql.NullInt64
	var createdAt string

	if err := s.Scan(&p.ID, &p.TriggerID, &srpmID, &groupID, &createdAt); err != nil {
		return nil, err
	}

	p.SrpmBuildID = int64Ptr(srpmID)
	p.GroupID = int64Ptr(groupID)

	var err error
	p.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &p, nil
}

func scanGroup(s scanner) (*model.Group, error) {
	var g model.Group
	var kind, jobJSON, submittedAt string
	var srpmID, parentID sql.NullInt64

	if err := s.Scan(&g.ID, &kind, &g.TriggerID, &srpmID, &parentID, &jobJSON, &submittedAt); err != nil {
		return nil, err
	}

	g.Kind = model.GroupKind(kind)
	g.SrpmBuildID = int64Ptr(srpmID)
	g.ParentGroupID = int64Ptr(parentID)

	if err := json.Unmarshal([]byte(jobJSON), &g.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}

	var err error
	g.SubmittedAt, err = parseTime(submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	return &g, nil
}

func scanSrpmBuild(s scanner) (*model.SrpmBuild, error) {
	var b model.SrpmBuild
	var status, createdAt string
	var startedAt, finishedAt sql.NullString

	err := s.Scan(
		&b.ID, &b.TriggerID, &b.CommitSHA, &status, &b.URL, &b.LogsURL,
		&createdAt, &startedAt, &finishedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	b.Status = model.TargetStatus(status)

	b.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if b.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &b, nil
}
