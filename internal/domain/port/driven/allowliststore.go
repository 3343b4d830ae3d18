package driven

import (
	"context"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// AllowlistStore defines the driven port for namespace admission records.
// Get returns nil, nil when no record exists. Remove returns ErrNotFound if
// the namespace has no record.
type AllowlistStore interface {
	Get(ctx context.Context, name string) (*model.Namespace, error)
	// CreateIfAbsent inserts a record with the given status unless one exists
	// and returns whichever record is stored afterwards.
	CreateIfAbsent(ctx context.Context, name string, status model.AllowStatus) (model.Namespace, error)
	Set(ctx context.Context, name string, status model.AllowStatus) error
	ListByStatus(ctx context.Context, status model.AllowStatus) ([]model.Namespace, error)
	Remove(ctx context.Context, name string) error
}
