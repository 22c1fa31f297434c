package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the application face of the engine: run lifecycle plus the
// standalone conflict-resolution operation used for manual review tooling.
type Service struct {
	coord       *Coordinator
	runs        RunRepository
	resolutions ResolutionRepository
	mappings    MappingSource
	reviews     ReviewQueue
	resolver    *Resolver
}

func NewService(coord *Coordinator, runs RunRepository, resolutions ResolutionRepository, mappings MappingSource, reviews ReviewQueue) *Service {
	return &Service{
		coord:       coord,
		runs:        runs,
		resolutions: resolutions,
		mappings:    mappings,
		reviews:     reviews,
		resolver:    coord.Resolver(),
	}
}

func (s *Service) StartSync(ctx context.Context, req SyncRequest, strategy ResolutionStrategy) (*ActiveSync, error) {
	return s.coord.StartSync(ctx, req, strategy)
}

func (s *Service) Status(ctx context.Context, syncID uuid.UUID) (*ActiveSync, error) {
	return s.coord.Status(ctx, syncID)
}

func (s *Service) Cancel(syncID uuid.UUID) error {
	return s.coord.Cancel(syncID)
}

func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*ActiveSync, int, error) {
	return s.runs.List(ctx, limit, offset)
}

// ResolveConflicts applies a strategy to an externally supplied conflict set
// without running a synchronization. Resolutions are persisted for audit;
// applying the final values to the target stays with the caller.
func (s *Service) ResolveConflicts(ctx context.Context, cd *ConflictSet) (*ConflictResolutionResult, error) {
	if err := cd.Strategy.Validate(); err != nil {
		return nil, err
	}
	if cd.ResourceID == "" || len(cd.Conflicts) == 0 {
		return nil, &ValidationError{Field: "conflicts", Reason: "resource id and at least one conflict are required"}
	}
	sm, err := s.mappings.Active(ctx, cd.SourceSystem, cd.TargetSystem, cd.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("no active mapping for %s -> %s %s: %w",
			cd.SourceSystem, cd.TargetSystem, cd.ResourceType, err)
	}

	res := s.resolver.Resolve(cd, sm)
	if len(res.Resolutions) > 0 {
		if err := s.resolutions.CreateBatch(ctx, res.Resolutions); err != nil {
			return nil, fmt.Errorf("persist resolutions: %w", err)
		}
	}
	if res.Deferred && s.reviews != nil {
		if err := s.reviews.Enqueue(ctx, ReviewItem{
			ResourceType: cd.ResourceType,
			ResourceID:   cd.ResourceID,
			SourceSystem: cd.SourceSystem,
			TargetSystem: cd.TargetSystem,
			Conflicts:    cd.Conflicts,
		}); err != nil {
			return nil, fmt.Errorf("enqueue review item: %w", err)
		}
	}
	return res, nil
}

// PendingReview lists records awaiting manual resolution.
func (s *Service) PendingReview(ctx context.Context, limit, offset int) ([]ReviewItem, int, error) {
	if s.reviews == nil {
		return nil, 0, nil
	}
	return s.reviews.List(ctx, limit, offset)
}

// AcknowledgeReview removes a reviewed item from the queue.
func (s *Service) AcknowledgeReview(ctx context.Context, id uuid.UUID) error {
	if s.reviews == nil {
		return fmt.Errorf("no review queue configured")
	}
	return s.reviews.Acknowledge(ctx, id)
}

func (s *Service) ResolutionHistory(ctx context.Context, resourceID string, limit, offset int) ([]*ConflictResolution, int, error) {
	return s.resolutions.ListByResource(ctx, resourceID, limit, offset)
}

func (s *Service) RunResolutions(ctx context.Context, syncID uuid.UUID) ([]*ConflictResolution, error) {
	return s.resolutions.ListBySync(ctx, syncID)
}
