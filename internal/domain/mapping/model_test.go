package mapping

import "testing"

func TestValidate_RequiresKeyParts(t *testing.T) {
	sm := validMapping()
	sm.ResourceType = ""
	if err := sm.Validate(); err == nil {
		t.Error("expected error for missing resource type")
	}
}

func TestValidate_RejectsSameSystemPair(t *testing.T) {
	sm := validMapping()
	sm.TargetSystem = sm.SourceSystem
	if err := sm.Validate(); err == nil {
		t.Error("expected error when source equals target")
	}
}

func TestValidate_RejectsEmptyFields(t *testing.T) {
	sm := validMapping()
	sm.Fields = nil
	if err := sm.Validate(); err == nil {
		t.Error("expected error for empty field list")
	}
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	sm := validMapping()
	sm.Fields[0].SourceType = "varchar"
	if err := sm.Validate(); err == nil {
		t.Error("expected error for unknown field type")
	}
}

func TestValidate_RejectsDuplicateTarget(t *testing.T) {
	sm := validMapping()
	sm.Fields = append(sm.Fields, FieldMapping{
		SourceField: "pulse", TargetField: "heart_rate",
		SourceType: TypeInteger, TargetType: TypeInteger,
	})
	if err := sm.Validate(); err == nil {
		t.Error("expected error for duplicate target field")
	}
}

func TestValidate_DefaultsImportance(t *testing.T) {
	sm := validMapping()
	if err := sm.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm.Fields[0].Importance != ImportanceLow {
		t.Errorf("expected low importance default, got %q", sm.Fields[0].Importance)
	}
	if sm.Fields[1].Importance != ImportanceMedium {
		t.Errorf("expected medium importance for required field, got %q", sm.Fields[1].Importance)
	}
}

func TestFieldLookups(t *testing.T) {
	sm := validMapping()
	if fm := sm.FieldBySource("hr"); fm == nil || fm.TargetField != "heart_rate" {
		t.Error("FieldBySource failed for hr")
	}
	if fm := sm.FieldByTarget("full_name"); fm == nil || fm.SourceField != "name" {
		t.Error("FieldByTarget failed for full_name")
	}
	if sm.FieldBySource("missing") != nil {
		t.Error("expected nil for unknown source field")
	}
}

func TestFieldMapping_Mergeable(t *testing.T) {
	fm := FieldMapping{MergeFunc: "union"}
	if !fm.Mergeable() {
		t.Error("expected mergeable with merge func")
	}
	if (&FieldMapping{}).Mergeable() {
		t.Error("expected not mergeable without merge func")
	}
}
