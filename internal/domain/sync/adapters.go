package sync

import "context"

// SourceQuery selects one batch of records from a source system.
type SourceQuery struct {
	ProviderID   string
	EHRSystem    string
	ResourceType string
	Filter       map[string]string
	Cursor       string
	Limit        int
}

// SourceConnector pulls record batches out of an EHR system. The coordinator
// requests the next batch only after the previous one is fully processed, so
// a connector never needs internal buffering. An empty next cursor means the
// extraction is exhausted. I/O failures should be wrapped in
// TransientIOError when a retry could succeed.
type SourceConnector interface {
	FetchBatch(ctx context.Context, q SourceQuery) (records []*DataRecord, nextCursor string, err error)
}

// TargetStore is the write side: the canonical record state in the target
// system plus the per-resource sync state used for causality tracking.
//
// Apply and Tombstone must be atomic: the record write and the sync-state
// update land together or not at all.
type TargetStore interface {
	// GetRecord returns the current target record, or nil when the
	// resource does not exist in the target system.
	GetRecord(ctx context.Context, targetSystem, resourceType, resourceID string) (*TargetRecord, error)

	// GetState returns the sync state for a resource, or nil when the
	// resource has never been synchronized.
	GetState(ctx context.Context, providerID, ehrSystem, resourceType, resourceID string) (*SyncState, error)

	// Apply upserts the record and the sync state in one transaction.
	Apply(ctx context.Context, rec *TargetRecord, state *SyncState) error

	// Tombstone marks the record deleted and updates the sync state in
	// one transaction.
	Tombstone(ctx context.Context, targetSystem, resourceType, resourceID string, state *SyncState) error
}
