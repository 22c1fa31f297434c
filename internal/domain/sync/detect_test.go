package sync

import (
	"testing"
	"time"

	"github.com/medsync/medsync/internal/domain/mapping"
)

var (
	lastSync = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before   = lastSync.Add(-time.Hour)
	after    = lastSync.Add(time.Hour)
)

func detectMapping() *mapping.SchemaMapping {
	return &mapping.SchemaMapping{
		SourceSystem: "epic",
		TargetSystem: "medsync",
		ResourceType: "observation",
		Version:      1,
		Fields: []mapping.FieldMapping{
			{SourceField: "hr", TargetField: "heart_rate", SourceType: mapping.TypeInteger, TargetType: mapping.TypeInteger, ClinicallySignificant: true},
			{SourceField: "note", TargetField: "note", SourceType: mapping.TypeString, TargetType: mapping.TypeString, Importance: mapping.ImportanceLow},
		},
	}
}

func transformed(updatedAt time.Time, fields map[string]interface{}) *TransformedRecord {
	return &TransformedRecord{
		ResourceType:   "observation",
		ResourceID:     "obs-1",
		SourceSystem:   "epic",
		Fields:         fields,
		UpdatedAt:      updatedAt,
		MappingVersion: 1,
	}
}

func targetRec(updatedAt time.Time, fields map[string]interface{}) *TargetRecord {
	return &TargetRecord{
		ResourceType:   "observation",
		ResourceID:     "obs-1",
		TargetSystem:   "medsync",
		Fields:         fields,
		UpdatedAt:      updatedAt,
		MappingVersion: 1,
	}
}

func syncedState() *SyncState {
	return &SyncState{
		ProviderID: "prov-1", EHRSystem: "epic",
		ResourceType: "observation", ResourceID: "obs-1",
		LastSyncAt: lastSync,
	}
}

func TestDetect_NoTargetNoConflict(t *testing.T) {
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		nil, nil, detectMapping())
	if got != nil {
		t.Errorf("expected no conflicts for new resource, got %v", got)
	}
}

func TestDetect_SourceOnlyEditIsNotAConflict(t *testing.T) {
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		targetRec(before, map[string]interface{}{"heart_rate": int64(72)}),
		syncedState(), detectMapping())
	if len(got) != 0 {
		t.Errorf("one-sided source edit must not conflict, got %v", got)
	}
}

func TestDetect_TargetOnlyEditIsNotAConflict(t *testing.T) {
	got := NewDetector().Detect(
		transformed(before, map[string]interface{}{"heart_rate": int64(72)}),
		targetRec(after, map[string]interface{}{"heart_rate": int64(90)}),
		syncedState(), detectMapping())
	if len(got) != 0 {
		t.Errorf("one-sided target edit must not conflict, got %v", got)
	}
}

func TestDetect_BothSidesChangedConflicts(t *testing.T) {
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80), "note": "a"}),
		targetRec(after.Add(time.Minute), map[string]interface{}{"heart_rate": int64(90), "note": "a"}),
		syncedState(), detectMapping())
	if len(got) != 1 {
		t.Fatalf("expected one conflict, got %d", len(got))
	}
	c := got[0]
	if c.Field != "heart_rate" || c.Type != ConflictData {
		t.Errorf("conflict = %+v", c)
	}
	if c.Severity != SeverityCritical {
		t.Errorf("clinically significant field must be critical, got %s", c.Severity)
	}
}

func TestDetect_EqualValuesNoConflict(t *testing.T) {
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		targetRec(after, map[string]interface{}{"heart_rate": int64(80)}),
		syncedState(), detectMapping())
	if len(got) != 0 {
		t.Errorf("identical values must not conflict, got %v", got)
	}
}

func TestDetect_NumericNormalization(t *testing.T) {
	// int64 from coercion vs float64 from JSON decoding of the stored row.
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		targetRec(after, map[string]interface{}{"heart_rate": 80.0}),
		syncedState(), detectMapping())
	if len(got) != 0 {
		t.Errorf("80 and 80.0 must compare equal, got %v", got)
	}
}

func TestDetect_NoPriorStateTreatsBothAsChanged(t *testing.T) {
	got := NewDetector().Detect(
		transformed(before, map[string]interface{}{"heart_rate": int64(80)}),
		targetRec(before, map[string]interface{}{"heart_rate": int64(72)}),
		nil, detectMapping())
	if len(got) != 1 {
		t.Fatalf("expected conflict on first contact with diverged data, got %d", len(got))
	}
}

func TestDetect_DeleteVersusUpdate(t *testing.T) {
	src := transformed(after, map[string]interface{}{})
	src.Deleted = true
	got := NewDetector().Detect(src,
		targetRec(after, map[string]interface{}{"heart_rate": int64(72)}),
		syncedState(), detectMapping())
	if len(got) != 1 || got[0].Type != ConflictTiming {
		t.Fatalf("expected one timing conflict, got %v", got)
	}
	if got[0].Severity != SeverityCritical {
		t.Errorf("delete-vs-update must be critical")
	}
}

func TestDetect_MappingVersionSkew(t *testing.T) {
	tgt := targetRec(after, map[string]interface{}{"heart_rate": int64(80)})
	tgt.MappingVersion = 2
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		tgt, syncedState(), detectMapping())
	if len(got) != 1 || got[0].Type != ConflictVersion {
		t.Fatalf("expected version conflict, got %v", got)
	}
}

func TestDetect_FieldMissingOnOneSide(t *testing.T) {
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80), "note": "x"}),
		targetRec(after, map[string]interface{}{"heart_rate": int64(80)}),
		syncedState(), detectMapping())
	if len(got) != 1 || got[0].Type != ConflictSchema || got[0].Field != "note" {
		t.Fatalf("expected schema conflict on note, got %v", got)
	}
	if got[0].Severity != SeverityLow {
		t.Errorf("low-importance field conflict must be low severity")
	}
}

func TestDetect_ReadOnlyTarget(t *testing.T) {
	tgt := targetRec(before, map[string]interface{}{"heart_rate": int64(72)})
	tgt.ReadOnly = true
	got := NewDetector().Detect(
		transformed(after, map[string]interface{}{"heart_rate": int64(80)}),
		tgt, syncedState(), detectMapping())
	if len(got) != 1 || got[0].Type != ConflictAccess {
		t.Fatalf("expected access conflict, got %v", got)
	}
}
