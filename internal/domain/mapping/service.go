// Package mapping implements the schema catalog: versioned field-level
// conversion rules between two systems' representations of a resource type.
package mapping

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the schema catalog. Lookups are pure functions of
// (source system, target system, resource type, version); versions are
// append-only and history is never mutated.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateVersion validates and appends a new mapping version for the triple.
// The new version number is one past the current maximum; the version is
// created inactive and must be activated explicitly.
func (s *Service) CreateVersion(ctx context.Context, sm *SchemaMapping) error {
	if err := sm.Validate(); err != nil {
		return fmt.Errorf("invalid mapping: %w", err)
	}
	max, err := s.repo.MaxVersion(ctx, sm.SourceSystem, sm.TargetSystem, sm.ResourceType)
	if err != nil {
		return err
	}
	sm.Version = max + 1
	sm.Active = false
	return s.repo.Create(ctx, sm)
}

// Activate makes the given mapping version the active one for its triple,
// deactivating the previous active version.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) error {
	return s.repo.Activate(ctx, id)
}

// Active returns the active mapping for the triple.
func (s *Service) Active(ctx context.Context, sourceSystem, targetSystem, resourceType string) (*SchemaMapping, error) {
	return s.repo.GetActive(ctx, sourceSystem, targetSystem, resourceType)
}

// Version returns a specific mapping version for the triple.
func (s *Service) Version(ctx context.Context, sourceSystem, targetSystem, resourceType string, version int) (*SchemaMapping, error) {
	return s.repo.GetVersion(ctx, sourceSystem, targetSystem, resourceType, version)
}

// Versions returns all versions for the triple in ascending order.
func (s *Service) Versions(ctx context.Context, sourceSystem, targetSystem, resourceType string) ([]*SchemaMapping, error) {
	return s.repo.ListVersions(ctx, sourceSystem, targetSystem, resourceType)
}

// Get returns a mapping by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*SchemaMapping, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns mappings across all triples, paginated.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*SchemaMapping, int, error) {
	return s.repo.List(ctx, limit, offset)
}
