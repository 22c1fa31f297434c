package sync

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/medsync/medsync/internal/domain/mapping"
)

// Detector finds conflicts between a transformed source record and the
// current target record. Stateless and safe for concurrent use.
type Detector struct{}

func NewDetector() *Detector {
	return &Detector{}
}

// sideChanged reports whether a side was modified after the last sync.
// Without prior sync state both sides count as changed.
func sideChanged(updatedAt time.Time, state *SyncState) bool {
	if state == nil || state.LastSyncAt.IsZero() {
		return true
	}
	return updatedAt.After(state.LastSyncAt)
}

// Detect compares a transformed source record against the target record.
// It returns conflicts only when BOTH sides changed since the last sync:
// a one-sided edit is never a conflict. A nil target means the resource does
// not exist yet and there is nothing to conflict with.
func (d *Detector) Detect(src *TransformedRecord, tgt *TargetRecord, state *SyncState, sm *mapping.SchemaMapping) []DataConflict {
	if tgt == nil || tgt.Deleted {
		return nil
	}

	now := time.Now().UTC()

	if tgt.ReadOnly && !valuesEqual(src.Fields, tgt.Fields) {
		return []DataConflict{{
			ConflictID:  uuid.New(),
			ResourceID:  src.ResourceID,
			Type:        ConflictAccess,
			SourceValue: src.Fields,
			TargetValue: tgt.Fields,
			Severity:    SeverityCritical,
			DetectedAt:  now,
		}}
	}

	if !sideChanged(src.UpdatedAt, state) || !sideChanged(tgt.UpdatedAt, state) {
		return nil
	}

	// Delete on one side racing an update on the other is a whole-record
	// timing conflict; field comparison is meaningless.
	if src.Deleted != tgt.Deleted {
		return []DataConflict{{
			ConflictID:  uuid.New(),
			ResourceID:  src.ResourceID,
			Type:        ConflictTiming,
			SourceValue: src.Deleted,
			TargetValue: tgt.Deleted,
			Severity:    SeverityCritical,
			DetectedAt:  now,
		}}
	}

	var conflicts []DataConflict

	if tgt.MappingVersion != 0 && src.MappingVersion != tgt.MappingVersion {
		conflicts = append(conflicts, DataConflict{
			ConflictID:  uuid.New(),
			ResourceID:  src.ResourceID,
			Type:        ConflictVersion,
			SourceValue: src.MappingVersion,
			TargetValue: tgt.MappingVersion,
			Severity:    SeverityMedium,
			DetectedAt:  now,
		})
	}

	// Field walk follows mapping declaration order so output is stable.
	for i := range sm.Fields {
		fm := &sm.Fields[i]
		sv, sok := src.Fields[fm.TargetField]
		tv, tok := tgt.Fields[fm.TargetField]

		switch {
		case !sok && !tok:
			continue
		case sok != tok:
			conflicts = append(conflicts, DataConflict{
				ConflictID:  uuid.New(),
				ResourceID:  src.ResourceID,
				Field:       fm.TargetField,
				Type:        ConflictSchema,
				SourceValue: sv,
				TargetValue: tv,
				Severity:    fieldSeverity(fm),
				DetectedAt:  now,
			})
		case !valuesEqual(sv, tv):
			conflicts = append(conflicts, DataConflict{
				ConflictID:  uuid.New(),
				ResourceID:  src.ResourceID,
				Field:       fm.TargetField,
				Type:        ConflictData,
				SourceValue: sv,
				TargetValue: tv,
				Severity:    fieldSeverity(fm),
				DetectedAt:  now,
			})
		}
	}

	return conflicts
}

// fieldSeverity ranks a field conflict from the mapping metadata.
func fieldSeverity(fm *mapping.FieldMapping) Severity {
	if fm.ClinicallySignificant {
		return SeverityCritical
	}
	if fm.Importance == mapping.ImportanceMedium {
		return SeverityMedium
	}
	return SeverityLow
}

// valuesEqual compares field values with numeric normalization: an int64
// produced by coercion and a float64 produced by JSON decoding compare equal
// when they denote the same number.
func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
