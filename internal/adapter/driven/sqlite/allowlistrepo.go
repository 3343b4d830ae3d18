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
var _ driven.AllowlistStore = (*AllowlistRepo)(nil)

// AllowlistRepo is the SQLite implementation of the AllowlistStore port.
type AllowlistRepo struct {
	db *DB
}

// NewAllowlistRepo creates a new AllowlistRepo backed by the given DB.
func NewAllowlistRepo(db *DB) *AllowlistRepo {
	return &AllowlistRepo{db: db}
}

// Get returns the record for name, or nil, nil if there is none.
func (r *AllowlistRepo) Get(ctx context.Context, name string) (*model.Namespace, error) {
	const query = `SELECT namespace, status, updated_at FROM allowlist WHERE namespace = ?`

	ns, err := scanNamespace(r.db.Reader.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get namespace %s: %w", name, err)
	}
	return ns, nil
}

// CreateIfAbsent inserts name with status unless a record exists, then returns
// the stored record. Concurrent first sightings resolve to a single row.
func (r *AllowlistRepo) CreateIfAbsent(ctx context.Context, name string, status model.AllowStatus) (model.Namespace, error) {
	const insert = `
		INSERT INTO allowlist (namespace, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO NOTHING
	`
	const query = `SELECT namespace, status, updated_at FROM allowlist WHERE namespace = ?`

	if _, err := r.db.Writer.ExecContext(ctx, insert, name, string(status), formatTime(time.Now())); err != nil {
		return model.Namespace{}, fmt.Errorf("create namespace %s: %w", name, err)
	}

	// Read back through the writer so the row just inserted is visible.
	ns, err := scanNamespace(r.db.Writer.QueryRowContext(ctx, query, name))
	if err != nil {
		return model.Namespace{}, fmt.Errorf("read namespace %s: %w", name, err)
	}
	return *ns, nil
}

// Set upserts the status of name.
func (r *AllowlistRepo) Set(ctx context.Context, name string, status model.AllowStatus) error {
	const query = `
		INSERT INTO allowlist (namespace, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, name, string(status), formatTime(time.Now())); err != nil {
		return fmt.Errorf("set namespace %s to %s: %w", name, status, err)
	}
	return nil
}

// ListByStatus returns all namespaces with the given status ordered by name.
func (r *AllowlistRepo) ListByStatus(ctx context.Context, status model.AllowStatus) ([]model.Namespace, error) {
	const query = `
		SELECT namespace, status, updated_at FROM allowlist
		WHERE status = ?
		ORDER BY namespace
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list namespaces with status %s: %w", status, err)
	}
	defer rows.Close()

	var out []model.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, *ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return out, nil
}

// Remove deletes the record for name. Returns driven.ErrNotFound if absent.
func (r *AllowlistRepo) Remove(ctx context.Context, name string) error {
	result, err := r.db.Writer.ExecContext(ctx, `DELETE FROM allowlist WHERE namespace = ?`, name)
	if err != nil {
		return fmt.Errorf("remove namespace %s: %w", name, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("remove namespace %s: %w", name, driven.ErrNotFound)
	}
	return nil
}

func scanNamespace(s scanner) (*model.Namespace, error) {
	var ns model.Namespace
	var status, updatedAt string

	if err := s.Scan(&ns.Name, &status, &updatedAt); err != nil {
		return nil, err
	}

	ns.Status = model.AllowStatus(status)

	var err error
	ns.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &ns, nil
}
