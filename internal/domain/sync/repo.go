package sync

import (
	"context"

	"github.com/google/uuid"
)

// RunRepository persists synchronization runs for status queries and audit.
type RunRepository interface {
	Create(ctx context.Context, run *ActiveSync) error
	Update(ctx context.Context, run *ActiveSync) error
	GetByID(ctx context.Context, id uuid.UUID) (*ActiveSync, error)
	List(ctx context.Context, limit, offset int) ([]*ActiveSync, int, error)
}

// ResolutionRepository is the append-only audit log of conflict resolutions.
type ResolutionRepository interface {
	CreateBatch(ctx context.Context, entries []ConflictResolution) error
	ListByResource(ctx context.Context, resourceID string, limit, offset int) ([]*ConflictResolution, int, error)
	ListBySync(ctx context.Context, syncID uuid.UUID) ([]*ConflictResolution, error)
}
