package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medsync/medsync/internal/domain/mapping"
)

func resolveMapping() *mapping.SchemaMapping {
	return &mapping.SchemaMapping{
		SourceSystem: "epic",
		TargetSystem: "medsync",
		ResourceType: "patient",
		Version:      1,
		Fields: []mapping.FieldMapping{
			{SourceField: "allergies", TargetField: "allergies", SourceType: mapping.TypeList, TargetType: mapping.TypeList, MergeFunc: "union"},
			{SourceField: "notes", TargetField: "notes", SourceType: mapping.TypeString, TargetType: mapping.TypeString, MergeFunc: "concat"},
			{SourceField: "hr", TargetField: "heart_rate", SourceType: mapping.TypeInteger, TargetType: mapping.TypeInteger, ClinicallySignificant: true},
		},
	}
}

func conflictOn(field string, src, tgt interface{}) DataConflict {
	return DataConflict{
		ConflictID:  uuid.New(),
		ResourceID:  "pat-1",
		Field:       field,
		Type:        ConflictData,
		SourceValue: src,
		TargetValue: tgt,
		Severity:    SeverityMedium,
		DetectedAt:  time.Now().UTC(),
	}
}

func conflictSet(strategy ResolutionStrategy, conflicts ...DataConflict) *ConflictSet {
	return &ConflictSet{
		ResourceID:      "pat-1",
		SourceSystem:    "epic",
		TargetSystem:    "medsync",
		ResourceType:    "patient",
		SourceUpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TargetUpdatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Conflicts:       conflicts,
		Strategy:        strategy,
	}
}

func TestResolve_SourceWins(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategySourceWins},
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if res.Deferred || res.ConflictsResolved != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.FinalValues["heart_rate"] != int64(80) {
		t.Errorf("final = %v", res.FinalValues["heart_rate"])
	}
}

func TestResolve_TargetWins(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategyTargetWins},
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if res.FinalValues["heart_rate"] != int64(72) {
		t.Errorf("final = %v", res.FinalValues["heart_rate"])
	}
}

func TestResolve_TimestampNewerSideWins(t *testing.T) {
	cd := conflictSet(ResolutionStrategy{Name: StrategyTimestamp},
		conflictOn("heart_rate", int64(80), int64(72)))
	cd.TargetUpdatedAt = cd.SourceUpdatedAt.Add(time.Minute)
	res := NewResolver().Resolve(cd, resolveMapping())
	if res.FinalValues["heart_rate"] != int64(72) {
		t.Errorf("newer target must win, got %v", res.FinalValues["heart_rate"])
	}
}

func TestResolve_TimestampTieFallsToSource(t *testing.T) {
	cd := conflictSet(ResolutionStrategy{Name: StrategyTimestamp},
		conflictOn("heart_rate", int64(80), int64(72)))
	cd.TargetUpdatedAt = cd.SourceUpdatedAt
	res := NewResolver().Resolve(cd, resolveMapping())
	if res.FinalValues["heart_rate"] != int64(80) {
		t.Errorf("tie must fall to source, got %v", res.FinalValues["heart_rate"])
	}
}

func TestResolve_PriorityRanking(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name:           StrategyPriority,
			SystemPriority: map[string]int{"epic": 1, "medsync": 5},
		},
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if res.FinalValues["heart_rate"] != int64(72) {
		t.Errorf("higher-ranked target must win, got %v", res.FinalValues["heart_rate"])
	}
}

func TestResolve_PriorityUnrankedSystemDefers(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name:           StrategyPriority,
			SystemPriority: map[string]int{"epic": 1},
		},
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if !res.Deferred {
		t.Fatal("unranked system must defer to manual review")
	}
}

func TestResolve_MergeUnion(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategyMerge},
		conflictOn("allergies",
			[]interface{}{"penicillin", "latex"},
			[]interface{}{"latex", "peanuts"}),
	), resolveMapping())
	if res.Deferred {
		t.Fatalf("union merge must not defer: %v", res.Errors)
	}
	got, ok := res.FinalValues["allergies"].([]interface{})
	if !ok || len(got) != 3 {
		t.Fatalf("merged = %v", res.FinalValues["allergies"])
	}
	if got[0] != "latex" || got[1] != "peanuts" || got[2] != "penicillin" {
		t.Errorf("merged order = %v", got)
	}
}

func TestResolve_MergeConcat(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategyMerge},
		conflictOn("notes", "on beta blockers", "fasting since midnight"),
	), resolveMapping())
	if res.Deferred {
		t.Fatalf("concat merge must not defer: %v", res.Errors)
	}
	if res.FinalValues["notes"] != "fasting since midnight; on beta blockers" {
		t.Errorf("merged = %v", res.FinalValues["notes"])
	}
}

func TestResolve_MergeWithoutFuncDefers(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategyMerge},
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if !res.Deferred {
		t.Fatal("merge on field without a merge function must defer")
	}
}

func TestResolve_ManualDefersWholeRecord(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name: StrategySourceWins,
			Rules: []StrategyRule{
				{Priority: 10, Field: "heart_rate", Strategy: StrategyManual},
			},
		},
		conflictOn("notes", "a", "b"),
		conflictOn("heart_rate", int64(80), int64(72)),
	), resolveMapping())
	if !res.Deferred {
		t.Fatal("record with a manual conflict must defer entirely")
	}
	if res.ConflictsResolved != 0 || res.ConflictsRemaining != 2 {
		t.Errorf("resolved=%d remaining=%d, partial application is forbidden",
			res.ConflictsResolved, res.ConflictsRemaining)
	}
	if len(res.FinalValues) != 0 {
		t.Errorf("deferred record must produce no final values, got %v", res.FinalValues)
	}
}

func TestResolve_RuleOverridesDefault(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name: StrategyTargetWins,
			Rules: []StrategyRule{
				{Priority: 5, Field: "heart_rate", Strategy: StrategySourceWins},
			},
		},
		conflictOn("heart_rate", int64(80), int64(72)),
		conflictOn("notes", "a", "b"),
	), resolveMapping())
	if res.FinalValues["heart_rate"] != int64(80) {
		t.Errorf("rule must override default for heart_rate, got %v", res.FinalValues["heart_rate"])
	}
	if res.FinalValues["notes"] != "b" {
		t.Errorf("default must apply to notes, got %v", res.FinalValues["notes"])
	}
}

func TestResolve_HigherPriorityRuleWins(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name: StrategyManual,
			Rules: []StrategyRule{
				{Priority: 1, Strategy: StrategyTargetWins},
				{Priority: 9, Strategy: StrategySourceWins},
			},
		},
		conflictOn("notes", "src", "tgt"),
	), resolveMapping())
	if res.FinalValues["notes"] != "src" {
		t.Errorf("highest-priority rule must win, got %v", res.FinalValues["notes"])
	}
}

func TestResolve_CustomResolver(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name: StrategyCustom,
			Custom: func(c DataConflict, _ ResourceContext) (interface{}, bool) {
				return "arbitrated", true
			},
		},
		conflictOn("notes", "a", "b"),
	), resolveMapping())
	if res.Deferred || res.FinalValues["notes"] != "arbitrated" {
		t.Errorf("result = %+v", res)
	}
}

func TestResolve_CustomDeclineDefers(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{
			Name: StrategyCustom,
			Custom: func(DataConflict, ResourceContext) (interface{}, bool) {
				return nil, false
			},
		},
		conflictOn("notes", "a", "b"),
	), resolveMapping())
	if !res.Deferred {
		t.Fatal("declined custom resolution must defer")
	}
}

func TestResolve_AuditTrailRecorded(t *testing.T) {
	res := NewResolver().Resolve(conflictSet(
		ResolutionStrategy{Name: StrategySourceWins},
		conflictOn("notes", "a", "b"),
	), resolveMapping())
	if len(res.Resolutions) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(res.Resolutions))
	}
	cr := res.Resolutions[0]
	if cr.StrategyApplied != StrategySourceWins || cr.FinalValue != "a" || cr.Justification == "" {
		t.Errorf("audit entry = %+v", cr)
	}
}

func TestStrategyValidate(t *testing.T) {
	bad := ResolutionStrategy{Name: "coinFlip"}
	if err := bad.Validate(); err == nil {
		t.Error("unknown strategy must be rejected")
	}
	noRanks := ResolutionStrategy{Name: StrategyPriority}
	if err := noRanks.Validate(); err == nil {
		t.Error("priority strategy without ranks must be rejected")
	}
	ok := ResolutionStrategy{Name: StrategyTimestamp}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2}
	for i, want := range []time.Duration{100, 200, 400} {
		if got := p.Delay(i); got != want*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i, got, want*time.Millisecond)
		}
	}
}
