package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TargetStore = (*TargetRepo)(nil)

// TargetRepo is the SQLite implementation of the TargetStore port.
type TargetRepo struct {
	db *DB
}

// NewTargetRepo creates a new TargetRepo backed by the given DB.
func NewTargetRepo(db *DB) *TargetRepo {
	return &TargetRepo{db: db}
}

const targetColumns = `
	id, group_id, kind, name, external_id, commit_sha, status, web_url, data,
	submission_key, submit_started_at, accepted_at, submitted_at, started_at, finished_at, version
`

// terminalStatuses is the SQL list of statuses a stale target cannot be in.
var terminalStatuses = func() string {
	statuses := []model.TargetStatus{
		model.StatusSuccess, model.StatusFailed, model.StatusError,
		model.StatusCanceled, model.StatusSkipped, model.StatusWaitingForMetrics,
	}
	quoted := make([]string, 0, len(statuses))
	for _, s := range statuses {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}()

// GetTarget returns the target with the given ID, or nil, nil. Reads go through
// the writer so a task always sees its own last write.
func (r *TargetRepo) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = ?`

	t, err := scanTarget(r.db.Writer.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get target %d: %w", id, err)
	}
	return t, nil
}

// TargetsForGroup returns a group's targets ordered by name.
func (r *TargetRepo) TargetsForGroup(ctx context.Context, groupID int64) ([]model.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE group_id = ? ORDER BY name`
	return r.queryTargets(ctx, query, groupID)
}

// FindByExternalID returns the newest target of a kind carrying externalID and,
// when name is non-empty, that target name. Returns nil, nil if none matches.
func (r *TargetRepo) FindByExternalID(ctx context.Context, kind model.TargetKind, externalID, name string) (*model.Target, error) {
	query := `
		SELECT ` + targetColumns + ` FROM targets
		WHERE kind = ? AND external_id = ? AND (? = '' OR name = ?)
		ORDER BY id DESC
		LIMIT 1
	`

	t, err := scanTarget(r.db.Reader.QueryRowContext(ctx, query, string(kind), externalID, name, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s target %s/%s: %w", kind, externalID, name, err)
	}
	return t, nil
}

// UpdateTarget writes every mutable column when the stored version equals
// t.Version, then returns t with the bumped version.
func (r *TargetRepo) UpdateTarget(ctx context.Context, t model.Target) (model.Target, error) {
	const query = `
		UPDATE targets SET
			external_id = ?, status = ?, web_url = ?, data = ?,
			submit_started_at = ?, submitted_at = ?, started_at = ?, finished_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	dataJSON, err := marshalData(t.Data)
	if err != nil {
		return model.Target{}, err
	}

	var externalID sql.NullString
	if t.ExternalID != "" {
		externalID = sql.NullString{String: t.ExternalID, Valid: true}
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		externalID, string(t.Status), t.WebURL, dataJSON,
		formatTimePtr(t.SubmitStartedAt), formatTimePtr(t.SubmittedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return model.Target{}, fmt.Errorf("update target %d: %w", t.ID, err)
	}

	if err := checkVersionedUpdate(ctx, r.db, result, "targets", t.ID); err != nil {
		return model.Target{}, fmt.Errorf("update target %d: %w", t.ID, err)
	}

	t.Version++
	return t, nil
}

// ListStale returns non-terminal targets accepted before the cutoff, oldest first.
func (r *TargetRepo) ListStale(ctx context.Context, acceptedBefore time.Time, limit int) ([]model.Target, error) {
	query := `
		SELECT ` + targetColumns + ` FROM targets
		WHERE status NOT IN (` + terminalStatuses + `) AND accepted_at < ?
		ORDER BY accepted_at
		LIMIT ?
	`
	return r.queryTargets(ctx, query, formatTime(acceptedBefore), limit)
}

func (r *TargetRepo) queryTargets(ctx context.Context, query string, args ...any) ([]model.Target, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// insertTarget stores a placeholder target inside tx. A missing submission key
// is generated so every row has a stable identity before any backend call.
func insertTarget(ctx context.Context, tx *sql.Tx, t model.Target, now time.Time) (model.Target, error) {
	const query = `
		INSERT INTO targets (
			group_id, kind, name, commit_sha, status, web_url, data, submission_key, accepted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if t.SubmissionKey == "" {
		key, err := uuid.NewV7()
		if err != nil {
			return model.Target{}, fmt.Errorf("generate submission key: %w", err)
		}
		t.SubmissionKey = key.String()
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}

	dataJSON, err := marshalData(t.Data)
	if err != nil {
		return model.Target{}, err
	}

	result, err := tx.ExecContext(ctx, query,
		t.GroupID, string(t.Kind), t.Name, t.CommitSHA, string(t.Status), t.WebURL, dataJSON,
		t.SubmissionKey, formatTime(now),
	)
	if err != nil {
		return model.Target{}, fmt.Errorf("insert target %s: %w", t.Name, err)
	}

	t.ID, err = result.LastInsertId()
	if err != nil {
		return model.Target{}, fmt.Errorf("target id: %w", err)
	}
	t.AcceptedAt = now
	t.Version = 1
	return t, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal target data: %w", err)
	}
	return string(b), nil
}

func scanTarget(s scanner) (*model.Target, error) {
	var t model.Target
	var kind, status, dataJSON, acceptedAt string
	var externalID, submitStartedAt, submittedAt, startedAt, finishedAt sql.NullString

	err := s.Scan(
		&t.ID, &t.GroupID, &kind, &t.Name, &externalID, &t.CommitSHA, &status, &t.WebURL, &dataJSON,
		&t.SubmissionKey, &submitStartedAt, &acceptedAt, &submittedAt, &startedAt, &finishedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = model.TargetKind(kind)
	t.Status = model.TargetStatus(status)
	t.ExternalID = externalID.String

	if err := json.Unmarshal([]byte(dataJSON), &t.Data); err != nil {
		return nil, fmt.Errorf("unmarshal target data: %w", err)
	}

	if t.AcceptedAt, err = parseTime(acceptedAt); err != nil {
		return nil, fmt.Errorf("parse accepted_at: %w", err)
	}
	if t.SubmitStartedAt, err = parseTimePtr(submitStartedAt); err != nil {
		return nil, fmt.Errorf("parse submit_started_at: %w", err)
	}
	if t.SubmittedAt, err = parseTimePtr(submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if t.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &t, nil
}
