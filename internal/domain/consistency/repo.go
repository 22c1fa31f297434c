package consistency

import (
	"context"

	"github.com/google/uuid"

	"github.com/medsync/medsync/internal/domain/sync"
)

// Sampler reads target records for auditing.
type Sampler interface {
	// Sample returns up to limit non-deleted records of one resource type.
	Sample(ctx context.Context, targetSystem, resourceType string, limit int) ([]*sync.TargetRecord, error)
	// GetRecord returns one record from a target system, or nil when the
	// resource is absent there.
	GetRecord(ctx context.Context, targetSystem, resourceType, resourceID string) (*sync.TargetRecord, error)
}

// ReportRepository persists audit reports.
type ReportRepository interface {
	Create(ctx context.Context, rep *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	List(ctx context.Context, limit, offset int) ([]*Report, int, error)
}
