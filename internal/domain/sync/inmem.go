package sync

import (
	"context"
	"strconv"
	"sync"
)

// MemorySource is an in-memory SourceConnector used by tests and the dev
// server. Seed it with Load before starting a run; cursors are plain offsets
// into the seeded slice.
type MemorySource struct {
	mu      sync.Mutex
	records map[string][]*DataRecord
}

func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string][]*DataRecord)}
}

// Load replaces the seeded records for one resource type.
func (s *MemorySource) Load(resourceType string, records []*DataRecord) {
	s.mu.Lock()
	s.records[resourceType] = append([]*DataRecord(nil), records...)
	s.mu.Unlock()
}

func (s *MemorySource) FetchBatch(_ context.Context, q SourceQuery) ([]*DataRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[q.ResourceType]
	start := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil {
			return nil, "", &ValidationError{Field: "cursor", Reason: "malformed cursor " + q.Cursor}
		}
		start = n
	}
	if start >= len(recs) {
		return nil, "", nil
	}
	end := start + q.Limit
	if q.Limit <= 0 || end >= len(recs) {
		return recs[start:], "", nil
	}
	return recs[start:end], strconv.Itoa(end), nil
}
