package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DataRecord is one resource extracted from a source system. Immutable once
// extracted; persistence of source records is external.
type DataRecord struct {
	ResourceType       string                 `json:"resource_type"`
	ResourceID         string                 `json:"resource_id"`
	SourceSystem       string                 `json:"source_system"`
	Fields             map[string]interface{} `json:"fields"`
	UpdatedAt          time.Time              `json:"updated_at"`
	MappingVersionSeen int                    `json:"mapping_version_seen,omitempty"`
	Deleted            bool                   `json:"deleted,omitempty"`
}

// FieldWarning is a non-fatal transformation note (e.g. a defaulted value).
type FieldWarning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TransformedRecord is a DataRecord converted into the target schema.
type TransformedRecord struct {
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	SourceSystem   string                 `json:"source_system"`
	Fields         map[string]interface{} `json:"fields"`
	UpdatedAt      time.Time              `json:"updated_at"`
	MappingVersion int                    `json:"mapping_version"`
	Deleted        bool                   `json:"deleted,omitempty"`
	Warnings       []FieldWarning         `json:"warnings,omitempty"`
}

// Checksum returns a stable digest of the transformed fields. Map keys are
// serialized in sorted order by encoding/json, so identical field sets always
// produce identical checksums.
func (tr *TransformedRecord) Checksum() string {
	b, _ := json.Marshal(tr.Fields)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TargetRecord is the current state of a resource in the target system.
type TargetRecord struct {
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	TargetSystem   string                 `json:"target_system"`
	Fields         map[string]interface{} `json:"fields"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Checksum       string                 `json:"checksum"`
	MappingVersion int                    `json:"mapping_version"`
	ReadOnly       bool                   `json:"read_only,omitempty"`
	Deleted        bool                   `json:"deleted,omitempty"`
}

// SyncState is the per-resource causality anchor: when the resource was last
// synchronized and what was written. Updated atomically with each apply.
type SyncState struct {
	ProviderID   string    `json:"provider_id"`
	EHRSystem    string    `json:"ehr_system"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	LastChecksum string    `json:"last_checksum"`
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictData    ConflictType = "data"
	ConflictSchema  ConflictType = "schema"
	ConflictVersion ConflictType = "version"
	ConflictAccess  ConflictType = "access"
	ConflictTiming  ConflictType = "timing"
)

// Severity ranks how clinically important a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// DataConflict is a detected disagreement between a transformed source value
// and the current target value. An empty Field denotes a structural,
// whole-record conflict.
type DataConflict struct {
	ConflictID  uuid.UUID    `json:"conflict_id"`
	ResourceID  string       `json:"resource_id"`
	Field       string       `json:"field,omitempty"`
	Type        ConflictType `json:"type"`
	SourceValue interface{}  `json:"source_value"`
	TargetValue interface{}  `json:"target_value"`
	Severity    Severity     `json:"severity"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// StrategyName identifies a conflict-resolution policy.
type StrategyName string

const (
	StrategySourceWins StrategyName = "sourceWins"
	StrategyTargetWins StrategyName = "targetWins"
	StrategyTimestamp  StrategyName = "timestamp"
	StrategyPriority   StrategyName = "priority"
	StrategyMerge      StrategyName = "merge"
	StrategyManual     StrategyName = "manual"
	StrategyCustom     StrategyName = "custom"
)

var validStrategyNames = map[StrategyName]bool{
	StrategySourceWins: true, StrategyTargetWins: true, StrategyTimestamp: true,
	StrategyPriority: true, StrategyMerge: true, StrategyManual: true, StrategyCustom: true,
}

// StrategyRule is one conditional rule inside a ResolutionStrategy. Empty
// filter fields match any conflict. Rules are evaluated in descending
// priority; the first match wins.
type StrategyRule struct {
	Priority int          `json:"priority"`
	Type     ConflictType `json:"type,omitempty"`
	Field    string       `json:"field,omitempty"`
	Severity Severity     `json:"severity,omitempty"`
	Strategy StrategyName `json:"strategy"`
}

// Matches reports whether the rule applies to the conflict.
func (r *StrategyRule) Matches(c *DataConflict) bool {
	if r.Type != "" && r.Type != c.Type {
		return false
	}
	if r.Field != "" && r.Field != c.Field {
		return false
	}
	if r.Severity != "" && r.Severity != c.Severity {
		return false
	}
	return true
}

// ResolutionStrategy is an immutable, externally supplied policy.
type ResolutionStrategy struct {
	Name           StrategyName   `json:"name"`
	Rules          []StrategyRule `json:"rules,omitempty"`
	SystemPriority map[string]int `json:"system_priority,omitempty"`
	Custom         CustomResolver `json:"-"`
}

// CustomResolver is an optional hook for the "custom" strategy. It returns
// the final value and true, or false to defer the conflict to manual review.
type CustomResolver func(c DataConflict, rc ResourceContext) (interface{}, bool)

// Validate checks the strategy before a run starts.
func (s *ResolutionStrategy) Validate() error {
	if !validStrategyNames[s.Name] {
		return &ValidationError{Field: "strategy", Reason: "unknown strategy name " + string(s.Name)}
	}
	for i := range s.Rules {
		if !validStrategyNames[s.Rules[i].Strategy] {
			return &ValidationError{Field: "strategy.rules", Reason: "unknown strategy name " + string(s.Rules[i].Strategy)}
		}
	}
	if s.Name == StrategyPriority && len(s.SystemPriority) == 0 {
		return &ValidationError{Field: "strategy.system_priority", Reason: "priority strategy requires system ranks"}
	}
	return nil
}

// ConflictResolution is one append-only audit entry for a resolved (or
// deferred) conflict.
type ConflictResolution struct {
	ID              uuid.UUID    `json:"id"`
	ConflictID      uuid.UUID    `json:"conflict_id"`
	SyncID          uuid.UUID    `json:"sync_id,omitempty"`
	ResourceID      string       `json:"resource_id"`
	Field           string       `json:"field,omitempty"`
	StrategyApplied StrategyName `json:"strategy_applied"`
	SourceValue     interface{}  `json:"source_value"`
	TargetValue     interface{}  `json:"target_value"`
	FinalValue      interface{}  `json:"final_value"`
	Justification   string       `json:"justification"`
	ResolvedAt      time.Time    `json:"resolved_at"`
}

// SyncStatus is the state-machine state of a run.
type SyncStatus string

const (
	StatusQueued       SyncStatus = "queued"
	StatusExtracting   SyncStatus = "extracting"
	StatusTransforming SyncStatus = "transforming"
	StatusResolving    SyncStatus = "resolving"
	StatusApplying     SyncStatus = "applying"
	StatusCompleted    SyncStatus = "completed"
	StatusFailed       SyncStatus = "failed"
	StatusCancelled    SyncStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s SyncStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SyncError records one per-record failure with enough context for audit.
type SyncError struct {
	ResourceID string    `json:"resource_id"`
	Field      string    `json:"field,omitempty"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ActiveSync is the mutable state of one synchronization run. Mutated only
// by the coordinator.
type ActiveSync struct {
	SyncID           uuid.UUID      `json:"sync_id"`
	ProviderID       string         `json:"provider_id"`
	EHRSystem        string         `json:"ehr_system"`
	ResourceTypes    []string       `json:"resource_types"`
	Status           SyncStatus     `json:"status"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsCreated   int            `json:"records_created"`
	RecordsUpdated   int            `json:"records_updated"`
	RecordsDeleted   int            `json:"records_deleted"`
	RecordsFailed    int            `json:"records_failed"`
	RecordsPending   int            `json:"records_pending"`
	Errors           []SyncError    `json:"errors,omitempty"`
	Warnings         []FieldWarning `json:"warnings,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

// RetryPolicy controls per-record retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// Delay returns the backoff delay before the given retry attempt
// (attempt 0 is the first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	return time.Duration(d)
}

// SyncRequest triggers one synchronization run.
type SyncRequest struct {
	ProviderID    string            `json:"provider_id"`
	EHRSystem     string            `json:"ehr_system"`
	ResourceTypes []string          `json:"resource_types"`
	Filter        map[string]string `json:"filter,omitempty"`
}

// Validate rejects a malformed request before the run starts.
func (r *SyncRequest) Validate() error {
	if r.ProviderID == "" {
		return &ValidationError{Field: "provider_id", Reason: "required"}
	}
	if r.EHRSystem == "" {
		return &ValidationError{Field: "ehr_system", Reason: "required"}
	}
	if len(r.ResourceTypes) == 0 {
		return &ValidationError{Field: "resource_types", Reason: "at least one resource type is required"}
	}
	return nil
}

// ProgressEvent is emitted as a run advances; consumed by an external
// observer (poller, event stream).
type ProgressEvent struct {
	SyncID           uuid.UUID  `json:"sync_id"`
	Status           SyncStatus `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	Timestamp        time.Time  `json:"timestamp"`
}

// ResourceContext carries the per-resource information resolution needs
// beyond the conflicts themselves.
type ResourceContext struct {
	SyncID          uuid.UUID
	ResourceID      string
	SourceSystem    string
	TargetSystem    string
	SourceUpdatedAt time.Time
	TargetUpdatedAt time.Time
}

// ConflictSet is the input of the standalone conflict-resolution operation:
// every detected conflict for one resource plus the strategy to apply.
type ConflictSet struct {
	ResourceID      string             `json:"resource_id"`
	SourceSystem    string             `json:"source_system"`
	TargetSystem    string             `json:"target_system"`
	ResourceType    string             `json:"resource_type"`
	SourceUpdatedAt time.Time          `json:"source_updated_at"`
	TargetUpdatedAt time.Time          `json:"target_updated_at"`
	Conflicts       []DataConflict     `json:"conflicts"`
	Strategy        ResolutionStrategy `json:"strategy"`
}

// ConflictResolutionResult is the outcome of the standalone
// conflict-resolution operation.
type ConflictResolutionResult struct {
	ConflictsResolved  int                    `json:"conflicts_resolved"`
	ConflictsRemaining int                    `json:"conflicts_remaining"`
	StrategyUsed       StrategyName           `json:"strategy_used"`
	FinalValues        map[string]interface{} `json:"final_values,omitempty"`
	Deferred           bool                   `json:"deferred"`
	Resolutions        []ConflictResolution   `json:"resolutions,omitempty"`
	Errors             []string               `json:"errors,omitempty"`
}
