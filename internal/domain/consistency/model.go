package consistency

import (
	"time"

	"github.com/google/uuid"
)

// RuleKind selects one built-in consistency check.
type RuleKind string

const (
	// RuleTypeMatch verifies a field's value matches its declared target
	// type in the active schema mapping.
	RuleTypeMatch RuleKind = "type_match"
	// RuleRequiredPresent verifies required fields are present and non-nil.
	RuleRequiredPresent RuleKind = "required_present"
	// RuleRange verifies a numeric field falls inside [Min, Max].
	RuleRange RuleKind = "range"
	// RuleCrossSourceEqual verifies the field agrees with the same
	// resource held in another target system.
	RuleCrossSourceEqual RuleKind = "cross_source_equal"
)

// Rule is one check applied to every sampled record.
type Rule struct {
	Kind        RuleKind `json:"kind"`
	Field       string   `json:"field,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	OtherSystem string   `json:"other_system,omitempty"`
}

// Failure is one failed check with enough context to locate the record.
type Failure struct {
	ResourceID string   `json:"resource_id"`
	Rule       RuleKind `json:"rule"`
	Field      string   `json:"field,omitempty"`
	Detail     string   `json:"detail"`
}

// Report is the persisted outcome of one audit. Score is the percentage of
// checks that passed, 0 to 100. Recommendations carry one remediation hint
// per rule kind that failed.
type Report struct {
	ID              uuid.UUID `json:"id"`
	TargetSystem    string    `json:"target_system"`
	SourceSystem    string    `json:"source_system"`
	ResourceType    string    `json:"resource_type"`
	SampleSize      int       `json:"sample_size"`
	ChecksRun       int       `json:"checks_run"`
	ChecksPassed    int       `json:"checks_passed"`
	Score           float64   `json:"score"`
	Failures        []Failure `json:"failures,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuditRequest describes one audit to run.
type AuditRequest struct {
	TargetSystem string `json:"target_system"`
	SourceSystem string `json:"source_system"`
	ResourceType string `json:"resource_type"`
	SampleSize   int    `json:"sample_size,omitempty"`
	Rules        []Rule `json:"rules"`
}
