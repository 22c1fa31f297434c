package consistency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medsync/medsync/internal/domain/mapping"
	"github.com/medsync/medsync/internal/domain/sync"
)

// -- Fakes --

type memSampler struct {
	records map[string][]*sync.TargetRecord // keyed by target system
}

func (m *memSampler) Sample(_ context.Context, targetSystem, resourceType string, limit int) ([]*sync.TargetRecord, error) {
	var out []*sync.TargetRecord
	for _, rec := range m.records[targetSystem] {
		if rec.ResourceType == resourceType && !rec.Deleted {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memSampler) GetRecord(_ context.Context, targetSystem, resourceType, resourceID string) (*sync.TargetRecord, error) {
	for _, rec := range m.records[targetSystem] {
		if rec.ResourceType == resourceType && rec.ResourceID == resourceID {
			return rec, nil
		}
	}
	return nil, nil
}

type memReports struct {
	items map[uuid.UUID]*Report
}

func (m *memReports) Create(_ context.Context, rep *Report) error {
	m.items[rep.ID] = rep
	return nil
}

func (m *memReports) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	rep, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return rep, nil
}

func (m *memReports) List(_ context.Context, _, _ int) ([]*Report, int, error) {
	var out []*Report
	for _, rep := range m.items {
		out = append(out, rep)
	}
	return out, len(out), nil
}

type fixedMappings struct{ sm *mapping.SchemaMapping }

func (f *fixedMappings) Active(context.Context, string, string, string) (*mapping.SchemaMapping, error) {
	if f.sm == nil {
		return nil, fmt.Errorf("no active mapping")
	}
	return f.sm, nil
}

func auditMapping() *mapping.SchemaMapping {
	return &mapping.SchemaMapping{
		SourceSystem: "epic",
		TargetSystem: "medsync",
		ResourceType: "observation",
		Version:      1,
		Fields: []mapping.FieldMapping{
			{SourceField: "name", TargetField: "full_name", SourceType: mapping.TypeString, TargetType: mapping.TypeString, Required: true},
			{SourceField: "hr", TargetField: "heart_rate", SourceType: mapping.TypeInteger, TargetType: mapping.TypeInteger},
		},
	}
}

func auditRecord(id string, fields map[string]interface{}) *sync.TargetRecord {
	return &sync.TargetRecord{
		ResourceType: "observation",
		ResourceID:   id,
		TargetSystem: "medsync",
		Fields:       fields,
		UpdatedAt:    time.Now().UTC(),
	}
}

func newTestService(records map[string][]*sync.TargetRecord) (*Service, *memReports) {
	reports := &memReports{items: make(map[uuid.UUID]*Report)}
	svc := NewService(&memSampler{records: records}, reports,
		&fixedMappings{sm: auditMapping()}, zerolog.Nop())
	return svc, reports
}

func baseRequest(rules ...Rule) *AuditRequest {
	return &AuditRequest{
		TargetSystem: "medsync",
		SourceSystem: "epic",
		ResourceType: "observation",
		Rules:        rules,
	}
}

// -- Tests --

func TestAudit_AllChecksPass(t *testing.T) {
	svc, reports := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": 72.0}),
			auditRecord("obs-2", map[string]interface{}{"full_name": "Grace", "heart_rate": 80.0}),
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(
		Rule{Kind: RuleTypeMatch},
		Rule{Kind: RuleRequiredPresent},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Score != 100 {
		t.Errorf("score = %g, failures = %v", rep.Score, rep.Failures)
	}
	if rep.SampleSize != 2 {
		t.Errorf("sample size = %d", rep.SampleSize)
	}
	if _, ok := reports.items[rep.ID]; !ok {
		t.Error("report not persisted")
	}
}

func TestAudit_ScoreReflectsFailures(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada"}),
			auditRecord("obs-2", map[string]interface{}{"heart_rate": 80.0}), // missing required name
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(Rule{Kind: RuleRequiredPresent}))
	if err != nil {
		t.Fatal(err)
	}
	if rep.ChecksRun != 2 || rep.ChecksPassed != 1 {
		t.Fatalf("run=%d passed=%d", rep.ChecksRun, rep.ChecksPassed)
	}
	if rep.Score != 50 {
		t.Errorf("score = %g", rep.Score)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].ResourceID != "obs-2" {
		t.Errorf("failures = %v", rep.Failures)
	}
}

func TestAudit_TypeMismatchFails(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": "seventy"}),
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(Rule{Kind: RuleTypeMatch}))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Field != "heart_rate" {
		t.Errorf("failures = %v", rep.Failures)
	}
}

func TestAudit_RangeRule(t *testing.T) {
	min, max := 20.0, 220.0
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": 72.0}),
			auditRecord("obs-2", map[string]interface{}{"full_name": "Grace", "heart_rate": 500.0}),
			auditRecord("obs-3", map[string]interface{}{"full_name": "Edsger"}), // absent, skipped
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(
		Rule{Kind: RuleRange, Field: "heart_rate", Min: &min, Max: &max},
	))
	if err != nil {
		t.Fatal(err)
	}
	if rep.ChecksRun != 2 {
		t.Errorf("absent field must not count, run = %d", rep.ChecksRun)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].ResourceID != "obs-2" {
		t.Errorf("failures = %v", rep.Failures)
	}
}

func TestAudit_CrossSourceEqual(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": 72.0}),
			auditRecord("obs-2", map[string]interface{}{"full_name": "Grace", "heart_rate": 80.0}),
		},
		"cerner": {
			{ResourceType: "observation", ResourceID: "obs-1", TargetSystem: "cerner",
				Fields: map[string]interface{}{"heart_rate": 72.0}},
			{ResourceType: "observation", ResourceID: "obs-2", TargetSystem: "cerner",
				Fields: map[string]interface{}{"heart_rate": 99.0}},
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(
		Rule{Kind: RuleCrossSourceEqual, Field: "heart_rate", OtherSystem: "cerner"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if rep.ChecksRun != 2 || rep.ChecksPassed != 1 {
		t.Fatalf("run=%d passed=%d", rep.ChecksRun, rep.ChecksPassed)
	}
	if rep.Failures[0].ResourceID != "obs-2" {
		t.Errorf("failures = %v", rep.Failures)
	}
}

func TestAudit_CrossSourceMissingCounterpart(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": 72.0}),
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(
		Rule{Kind: RuleCrossSourceEqual, Field: "heart_rate", OtherSystem: "cerner"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Score != 0 {
		t.Errorf("missing counterpart must fail, score = %g", rep.Score)
	}
}

func TestAudit_RecommendsPerFailingRuleKind(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"heart_rate": "seventy"}), // missing name, bad type
			auditRecord("obs-2", map[string]interface{}{"heart_rate": "eighty"}),
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(
		Rule{Kind: RuleTypeMatch},
		Rule{Kind: RuleRequiredPresent},
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Failures) == 0 {
		t.Fatal("expected failures")
	}
	// One hint per failing rule kind, not per failure.
	if len(rep.Recommendations) != 2 {
		t.Fatalf("recommendations = %v", rep.Recommendations)
	}
	for _, rec := range rep.Recommendations {
		if rec == "" {
			t.Error("empty recommendation")
		}
	}
}

func TestAudit_CleanReportHasNoRecommendations(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{
		"medsync": {
			auditRecord("obs-1", map[string]interface{}{"full_name": "Ada", "heart_rate": 72.0}),
		},
	})

	rep, err := svc.Audit(context.Background(), baseRequest(Rule{Kind: RuleRequiredPresent}))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Recommendations) != 0 {
		t.Errorf("clean audit must not recommend anything: %v", rep.Recommendations)
	}
}

func TestAudit_RejectsBadRequests(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	if _, err := svc.Audit(ctx, &AuditRequest{TargetSystem: "medsync"}); err == nil {
		t.Error("missing fields must be rejected")
	}
	if _, err := svc.Audit(ctx, baseRequest()); err == nil {
		t.Error("empty rule set must be rejected")
	}
	if _, err := svc.Audit(ctx, baseRequest(Rule{Kind: "vibes"})); err == nil {
		t.Error("unknown rule kind must be rejected")
	}
	if _, err := svc.Audit(ctx, baseRequest(Rule{Kind: RuleRange})); err == nil {
		t.Error("range rule without field must be rejected")
	}
}

func TestAudit_EmptySampleScoresPerfect(t *testing.T) {
	svc, _ := newTestService(map[string][]*sync.TargetRecord{})
	rep, err := svc.Audit(context.Background(), baseRequest(Rule{Kind: RuleTypeMatch}))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Score != 100 || rep.ChecksRun != 0 {
		t.Errorf("report = %+v", rep)
	}
}
