package consistency

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medsync/medsync/internal/domain/mapping"
	"github.com/medsync/medsync/internal/domain/sync"
)

const defaultSampleSize = 100

var validRuleKinds = map[RuleKind]bool{
	RuleTypeMatch: true, RuleRequiredPresent: true,
	RuleRange: true, RuleCrossSourceEqual: true,
}

// Service runs consistency audits over synchronized target records.
type Service struct {
	sampler  Sampler
	reports  ReportRepository
	mappings sync.MappingSource
	log      zerolog.Logger
}

func NewService(sampler Sampler, reports ReportRepository, mappings sync.MappingSource, log zerolog.Logger) *Service {
	return &Service{sampler: sampler, reports: reports, mappings: mappings, log: log}
}

// Audit samples records, applies every rule to every sampled record, and
// persists the resulting report. Score is 100 * passed / run; an audit that
// runs zero checks scores 100.
func (s *Service) Audit(ctx context.Context, req *AuditRequest) (*Report, error) {
	if req.TargetSystem == "" || req.SourceSystem == "" || req.ResourceType == "" {
		return nil, fmt.Errorf("target_system, source_system, and resource_type are required")
	}
	if len(req.Rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	for _, r := range req.Rules {
		if !validRuleKinds[r.Kind] {
			return nil, fmt.Errorf("unknown rule kind %q", r.Kind)
		}
		if r.Kind == RuleRange && r.Field == "" {
			return nil, fmt.Errorf("range rule requires a field")
		}
		if r.Kind == RuleCrossSourceEqual && (r.Field == "" || r.OtherSystem == "") {
			return nil, fmt.Errorf("cross_source_equal rule requires a field and other_system")
		}
	}
	if req.SampleSize <= 0 {
		req.SampleSize = defaultSampleSize
	}

	sm, err := s.mappings.Active(ctx, req.SourceSystem, req.TargetSystem, req.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("no active mapping for %s -> %s %s: %w",
			req.SourceSystem, req.TargetSystem, req.ResourceType, err)
	}

	records, err := s.sampler.Sample(ctx, req.TargetSystem, req.ResourceType, req.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("sample records: %w", err)
	}

	rep := &Report{
		ID:           uuid.New(),
		TargetSystem: req.TargetSystem,
		SourceSystem: req.SourceSystem,
		ResourceType: req.ResourceType,
		SampleSize:   len(records),
		CreatedAt:    time.Now().UTC(),
	}

	for _, rec := range records {
		for _, rule := range req.Rules {
			failures, run := s.check(ctx, rec, rule, sm)
			rep.ChecksRun += run
			rep.ChecksPassed += run - len(failures)
			rep.Failures = append(rep.Failures, failures...)
		}
	}

	if rep.ChecksRun == 0 {
		rep.Score = 100
	} else {
		rep.Score = 100 * float64(rep.ChecksPassed) / float64(rep.ChecksRun)
	}
	rep.Recommendations = recommend(rep.Failures)

	if err := s.reports.Create(ctx, rep); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	s.log.Info().
		Str("resource_type", req.ResourceType).
		Int("sample_size", rep.SampleSize).
		Float64("score", rep.Score).
		Msg("consistency audit finished")
	return rep, nil
}

// check applies one rule to one record, returning the failures and the
// number of checks counted.
func (s *Service) check(ctx context.Context, rec *sync.TargetRecord, rule Rule, sm *mapping.SchemaMapping) ([]Failure, int) {
	switch rule.Kind {
	case RuleTypeMatch:
		return checkTypes(rec, rule, sm)
	case RuleRequiredPresent:
		return checkRequired(rec, rule, sm)
	case RuleRange:
		return checkRange(rec, rule)
	case RuleCrossSourceEqual:
		return s.checkCrossSource(ctx, rec, rule)
	}
	return nil, 0
}

func checkTypes(rec *sync.TargetRecord, rule Rule, sm *mapping.SchemaMapping) ([]Failure, int) {
	var failures []Failure
	run := 0
	for i := range sm.Fields {
		fm := &sm.Fields[i]
		if rule.Field != "" && rule.Field != fm.TargetField {
			continue
		}
		v, ok := rec.Fields[fm.TargetField]
		if !ok || v == nil {
			continue
		}
		run++
		if !typeMatches(v, fm.TargetType) {
			failures = append(failures, Failure{
				ResourceID: rec.ResourceID,
				Rule:       RuleTypeMatch,
				Field:      fm.TargetField,
				Detail:     fmt.Sprintf("value %v (%T) does not match declared type %s", v, v, fm.TargetType),
			})
		}
	}
	return failures, run
}

func checkRequired(rec *sync.TargetRecord, rule Rule, sm *mapping.SchemaMapping) ([]Failure, int) {
	var failures []Failure
	run := 0
	for i := range sm.Fields {
		fm := &sm.Fields[i]
		if !fm.Required {
			continue
		}
		if rule.Field != "" && rule.Field != fm.TargetField {
			continue
		}
		run++
		if v, ok := rec.Fields[fm.TargetField]; !ok || v == nil {
			failures = append(failures, Failure{
				ResourceID: rec.ResourceID,
				Rule:       RuleRequiredPresent,
				Field:      fm.TargetField,
				Detail:     "required field absent",
			})
		}
	}
	return failures, run
}

// checkRange skips records where the field is absent; presence is the
// required_present rule's concern.
func checkRange(rec *sync.TargetRecord, rule Rule) ([]Failure, int) {
	v, ok := rec.Fields[rule.Field]
	if !ok || v == nil {
		return nil, 0
	}
	f, ok := asFloat(v)
	if !ok {
		return []Failure{{
			ResourceID: rec.ResourceID,
			Rule:       RuleRange,
			Field:      rule.Field,
			Detail:     fmt.Sprintf("value %v is not numeric", v),
		}}, 1
	}
	if (rule.Min != nil && f < *rule.Min) || (rule.Max != nil && f > *rule.Max) {
		return []Failure{{
			ResourceID: rec.ResourceID,
			Rule:       RuleRange,
			Field:      rule.Field,
			Detail:     fmt.Sprintf("value %g outside permitted range", f),
		}}, 1
	}
	return nil, 1
}

func (s *Service) checkCrossSource(ctx context.Context, rec *sync.TargetRecord, rule Rule) ([]Failure, int) {
	other, err := s.sampler.GetRecord(ctx, rule.OtherSystem, rec.ResourceType, rec.ResourceID)
	if err != nil {
		return []Failure{{
			ResourceID: rec.ResourceID,
			Rule:       RuleCrossSourceEqual,
			Field:      rule.Field,
			Detail:     fmt.Sprintf("counterpart lookup in %s failed: %v", rule.OtherSystem, err),
		}}, 1
	}
	if other == nil || other.Deleted {
		return []Failure{{
			ResourceID: rec.ResourceID,
			Rule:       RuleCrossSourceEqual,
			Field:      rule.Field,
			Detail:     fmt.Sprintf("resource missing in %s", rule.OtherSystem),
		}}, 1
	}
	a, b := rec.Fields[rule.Field], other.Fields[rule.Field]
	if !looseEqual(a, b) {
		return []Failure{{
			ResourceID: rec.ResourceID,
			Rule:       RuleCrossSourceEqual,
			Field:      rule.Field,
			Detail:     fmt.Sprintf("%v here, %v in %s", a, b, rule.OtherSystem),
		}}, 1
	}
	return nil, 1
}

var remediationHints = map[RuleKind]string{
	RuleTypeMatch:        "re-run synchronization with the current mapping version to re-coerce field types",
	RuleRequiredPresent:  "backfill required fields from the source system or drop the requirement from the mapping",
	RuleRange:            "review out-of-range values with the source system; check for unit conversion errors",
	RuleCrossSourceEqual: "synchronize the diverged system pair to reconcile the conflicting values",
}

// recommend derives one remediation hint per rule kind that failed, in the
// order failures were recorded.
func recommend(failures []Failure) []string {
	seen := make(map[RuleKind]bool, len(remediationHints))
	var out []string
	for _, f := range failures {
		if seen[f.Rule] {
			continue
		}
		seen[f.Rule] = true
		out = append(out, remediationHints[f.Rule])
	}
	return out
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	return s.reports.List(ctx, limit, offset)
}

// typeMatches accepts the representations JSONB round-tripping produces:
// integers come back as whole float64s, timestamps as RFC 3339 strings.
func typeMatches(v interface{}, ft mapping.FieldType) bool {
	switch ft {
	case mapping.TypeString, mapping.TypeTimestamp:
		_, ok := v.(string)
		return ok
	case mapping.TypeInteger:
		switch n := v.(type) {
		case int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case mapping.TypeDecimal:
		_, ok := asFloat(v)
		return ok
	case mapping.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case mapping.TypeList:
		_, ok := v.([]interface{})
		return ok
	case mapping.TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func looseEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
