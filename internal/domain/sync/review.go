package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReviewItem is one record whose conflicts deferred to manual review. The
// record is not applied until a human (or tooling) resolves it and triggers
// a new sync.
type ReviewItem struct {
	ID           uuid.UUID      `json:"id"`
	SyncID       uuid.UUID      `json:"sync_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	SourceSystem string         `json:"source_system"`
	TargetSystem string         `json:"target_system"`
	Conflicts    []DataConflict `json:"conflicts"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
}

// ReviewQueue holds deferred records awaiting manual resolution.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item ReviewItem) error
	List(ctx context.Context, limit, offset int) ([]ReviewItem, int, error)
	// Acknowledge removes a reviewed item from the queue.
	Acknowledge(ctx context.Context, id uuid.UUID) error
}

// MemoryReviewQueue is the in-memory ReviewQueue used by tests and the dev
// server. Items are ordered by enqueue time.
type MemoryReviewQueue struct {
	mu    sync.Mutex
	items []ReviewItem
}

func NewMemoryReviewQueue() *MemoryReviewQueue {
	return &MemoryReviewQueue{}
}

func (q *MemoryReviewQueue) Enqueue(_ context.Context, item ReviewItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return nil
}

func (q *MemoryReviewQueue) List(_ context.Context, limit, offset int) ([]ReviewItem, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
	})
	total := len(q.items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]ReviewItem, end-offset)
	copy(out, q.items[offset:end])
	return out, total, nil
}

func (q *MemoryReviewQueue) Acknowledge(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("review item %s not found", id)
}
