package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TriggerStore = (*TriggerRepo)(nil)

// TriggerRepo is the SQLite implementation of the TriggerStore port.
type TriggerRepo struct {
	db *DB
}

// NewTriggerRepo creates a new TriggerRepo backed by the given DB.
func NewTriggerRepo(db *DB) *TriggerRepo {
	return &TriggerRepo{db: db}
}

const triggerColumns = `id, kind, forge_host, namespace, repo, pr_number, branch, tag, issue_number, created_at`

// GetOrCreate returns the trigger with the same natural key, inserting it first
// when absent.
func (r *TriggerRepo) GetOrCreate(ctx context.Context, t model.JobTrigger) (model.JobTrigger, error) {
	const insert = `
		INSERT INTO job_triggers (kind, forge_host, namespace, repo, pr_number, branch, tag, issue_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, forge_host, namespace, repo, pr_number, branch, tag, issue_number) DO NOTHING
	`
	const query = `
		SELECT ` + triggerColumns + ` FROM job_triggers
		WHERE kind = ? AND forge_host = ? AND namespace = ? AND repo = ?
		  AND pr_number = ? AND branch = ? AND tag = ? AND issue_number = ?
	`

	args := []any{
		string(t.Kind), t.Project.ForgeHost, t.Project.Namespace, t.Project.Repo,
		t.PRNumber, t.Branch, t.Tag, t.IssueNumber,
	}

	if _, err := r.db.Writer.ExecContext(ctx, insert, append(args, formatTime(time.Now()))...); err != nil {
		return model.JobTrigger{}, fmt.Errorf("insert %s trigger for %s: %w", t.Kind, t.Project, err)
	}

	stored, err := scanTrigger(r.db.Writer.QueryRowContext(ctx, query, args...))
	if err != nil {
		return model.JobTrigger{}, fmt.Errorf("read %s trigger for %s: %w", t.Kind, t.Project, err)
	}
	return *stored, nil
}

// Get returns the trigger with the given ID, or nil, nil if it does not exist.
func (r *TriggerRepo) Get(ctx context.Context, id int64) (*model.JobTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM job_triggers WHERE id = ?`

	t, err := scanTrigger(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %d: %w", id, err)
	}
	return t, nil
}

func scanTrigger(s scanner) (*model.JobTrigger, error) {
	var t model.JobTrigger
	var kind, createdAt string

	err := s.Scan(
		&t.ID, &kind, &t.Project.ForgeHost, &t.Project.Namespace, &t.Project.Repo,
		&t.PRNumber, &t.Branch, &t.Tag, &t.IssueNumber, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = model.TriggerKind(kind)
	t.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &t, nil
}
