package mapping

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, sm *SchemaMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*SchemaMapping, error)
	GetVersion(ctx context.Context, sourceSystem, targetSystem, resourceType string, version int) (*SchemaMapping, error)
	GetActive(ctx context.Context, sourceSystem, targetSystem, resourceType string) (*SchemaMapping, error)
	MaxVersion(ctx context.Context, sourceSystem, targetSystem, resourceType string) (int, error)
	ListVersions(ctx context.Context, sourceSystem, targetSystem, resourceType string) ([]*SchemaMapping, error)
	List(ctx context.Context, limit, offset int) ([]*SchemaMapping, int, error)
	Activate(ctx context.Context, id uuid.UUID) error
}
