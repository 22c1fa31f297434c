package mapping

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldType is the declared type of a field on either side of a mapping.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInteger   FieldType = "integer"
	TypeDecimal   FieldType = "decimal"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeList      FieldType = "list"
	TypeObject    FieldType = "object"
)

var validFieldTypes = map[FieldType]bool{
	TypeString: true, TypeInteger: true, TypeDecimal: true,
	TypeBoolean: true, TypeTimestamp: true, TypeList: true, TypeObject: true,
}

// Importance drives conflict severity for fields that are not clinically
// significant.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
)

// FieldMapping is one field-level conversion rule inside a SchemaMapping.
// A source field appears at most once per mapping version.
type FieldMapping struct {
	SourceField           string      `json:"source_field"`
	TargetField           string      `json:"target_field"`
	SourceType            FieldType   `json:"source_type"`
	TargetType            FieldType   `json:"target_type"`
	Transform             string      `json:"transform,omitempty"`
	Required              bool        `json:"required"`
	Default               interface{} `json:"default,omitempty"`
	ClinicallySignificant bool        `json:"clinically_significant"`
	Importance            Importance  `json:"importance,omitempty"`
	MergeFunc             string      `json:"merge_func,omitempty"`
}

// Mergeable reports whether the field declares an explicit merge function.
func (fm *FieldMapping) Mergeable() bool {
	return fm.MergeFunc != ""
}

// SchemaMapping is one versioned set of field mappings for a
// (source system, target system, resource type) triple. Versions are
// append-only; at most one version is active at a time.
type SchemaMapping struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	SourceSystem string         `db:"source_system" json:"source_system"`
	TargetSystem string         `db:"target_system" json:"target_system"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	Version      int            `db:"version" json:"version"`
	Active       bool           `db:"active" json:"active"`
	Fields       []FieldMapping `db:"fields" json:"fields"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// FieldBySource returns the mapping rule for a source field, or nil.
func (sm *SchemaMapping) FieldBySource(name string) *FieldMapping {
	for i := range sm.Fields {
		if sm.Fields[i].SourceField == name {
			return &sm.Fields[i]
		}
	}
	return nil
}

// FieldByTarget returns the mapping rule producing a target field, or nil.
func (sm *SchemaMapping) FieldByTarget(name string) *FieldMapping {
	for i := range sm.Fields {
		if sm.Fields[i].TargetField == name {
			return &sm.Fields[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of a mapping: non-empty key
// parts, at least one field, known field types, and no duplicate source or
// target fields.
func (sm *SchemaMapping) Validate() error {
	if sm.SourceSystem == "" || sm.TargetSystem == "" || sm.ResourceType == "" {
		return fmt.Errorf("source system, target system, and resource type are required")
	}
	if sm.SourceSystem == sm.TargetSystem {
		return fmt.Errorf("source and target system must differ")
	}
	if len(sm.Fields) == 0 {
		return fmt.Errorf("mapping must declare at least one field")
	}

	seenSource := make(map[string]bool, len(sm.Fields))
	seenTarget := make(map[string]bool, len(sm.Fields))
	for i := range sm.Fields {
		fm := &sm.Fields[i]
		if fm.SourceField == "" || fm.TargetField == "" {
			return fmt.Errorf("field %d: source and target field names are required", i)
		}
		if seenSource[fm.SourceField] {
			return fmt.Errorf("duplicate source field %q", fm.SourceField)
		}
		if seenTarget[fm.TargetField] {
			return fmt.Errorf("duplicate target field %q", fm.TargetField)
		}
		seenSource[fm.SourceField] = true
		seenTarget[fm.TargetField] = true

		if !validFieldTypes[fm.SourceType] {
			return fmt.Errorf("field %q: unknown source type %q", fm.SourceField, fm.SourceType)
		}
		if !validFieldTypes[fm.TargetType] {
			return fmt.Errorf("field %q: unknown target type %q", fm.SourceField, fm.TargetType)
		}
		if fm.Required && fm.Default == nil && fm.Importance == "" && !fm.ClinicallySignificant {
			// Required fields default to medium importance unless declared.
			fm.Importance = ImportanceMedium
		}
		if fm.Importance == "" {
			fm.Importance = ImportanceLow
		}
		if fm.Importance != ImportanceLow && fm.Importance != ImportanceMedium {
			return fmt.Errorf("field %q: invalid importance %q", fm.SourceField, fm.Importance)
		}
	}
	return nil
}
