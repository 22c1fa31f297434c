package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medsync/medsync/internal/domain/mapping"
)

// MergeFunc combines a source and target value into one. Must be pure.
type MergeFunc func(source, target interface{}) (interface{}, error)

// Resolver applies a resolution strategy to detected conflicts. Merge
// functions are looked up by the name declared on the field mapping; a
// conflict on a field without a registered merge function is never merged
// silently, it defers to manual review.
type Resolver struct {
	merges map[string]MergeFunc
}

// NewResolver returns a resolver with the built-in merge registry.
func NewResolver() *Resolver {
	r := &Resolver{merges: make(map[string]MergeFunc)}
	r.RegisterMerge("union", mergeUnion)
	r.RegisterMerge("concat", mergeConcat)
	r.RegisterMerge("numericMax", mergeNumericMax)
	return r
}

// RegisterMerge adds or replaces a named merge function.
func (r *Resolver) RegisterMerge(name string, fn MergeFunc) {
	r.merges[name] = fn
}

// resolved is the internal outcome for one conflict.
type resolved struct {
	conflict      DataConflict
	strategy      StrategyName
	finalValue    interface{}
	justification string
	deferred      bool
}

// Resolve applies the strategy to every conflict of one resource. If ANY
// conflict defers to manual review the whole record is deferred: no final
// values are produced and every conflict counts as remaining. Partial
// application of a record is never allowed.
func (r *Resolver) Resolve(cd *ConflictSet, sm *mapping.SchemaMapping) *ConflictResolutionResult {
	rc := ResourceContext{
		ResourceID:      cd.ResourceID,
		SourceSystem:    cd.SourceSystem,
		TargetSystem:    cd.TargetSystem,
		SourceUpdatedAt: cd.SourceUpdatedAt,
		TargetUpdatedAt: cd.TargetUpdatedAt,
	}

	rules := make([]StrategyRule, len(cd.Strategy.Rules))
	copy(rules, cd.Strategy.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	outcomes := make([]resolved, 0, len(cd.Conflicts))
	anyDeferred := false
	for _, c := range cd.Conflicts {
		out := r.resolveOne(c, &cd.Strategy, rules, rc, sm)
		if out.deferred {
			anyDeferred = true
		}
		outcomes = append(outcomes, out)
	}

	res := &ConflictResolutionResult{StrategyUsed: cd.Strategy.Name}
	now := time.Now().UTC()

	if anyDeferred {
		res.Deferred = true
		res.ConflictsRemaining = len(cd.Conflicts)
		for _, out := range outcomes {
			if !out.deferred {
				continue
			}
			res.Resolutions = append(res.Resolutions, ConflictResolution{
				ID:              uuid.New(),
				ConflictID:      out.conflict.ConflictID,
				SyncID:          rc.SyncID,
				ResourceID:      cd.ResourceID,
				Field:           out.conflict.Field,
				StrategyApplied: StrategyManual,
				SourceValue:     out.conflict.SourceValue,
				TargetValue:     out.conflict.TargetValue,
				Justification:   out.justification,
				ResolvedAt:      now,
			})
			res.Errors = append(res.Errors, out.justification)
		}
		return res
	}

	res.ConflictsResolved = len(cd.Conflicts)
	res.FinalValues = make(map[string]interface{}, len(outcomes))
	for _, out := range outcomes {
		if out.conflict.Field != "" {
			res.FinalValues[out.conflict.Field] = out.finalValue
		}
		res.Resolutions = append(res.Resolutions, ConflictResolution{
			ID:              uuid.New(),
			ConflictID:      out.conflict.ConflictID,
			SyncID:          rc.SyncID,
			ResourceID:      cd.ResourceID,
			Field:           out.conflict.Field,
			StrategyApplied: out.strategy,
			SourceValue:     out.conflict.SourceValue,
			TargetValue:     out.conflict.TargetValue,
			FinalValue:      out.finalValue,
			Justification:   out.justification,
			ResolvedAt:      now,
		})
	}
	return res
}

// resolveOne picks the effective strategy for a conflict (first matching
// rule by descending priority, else the strategy default) and applies it.
func (r *Resolver) resolveOne(c DataConflict, s *ResolutionStrategy, rules []StrategyRule, rc ResourceContext, sm *mapping.SchemaMapping) resolved {
	name := s.Name
	for i := range rules {
		if rules[i].Matches(&c) {
			name = rules[i].Strategy
			break
		}
	}

	out := resolved{conflict: c, strategy: name}
	switch name {
	case StrategySourceWins:
		out.finalValue = c.SourceValue
		out.justification = "source system value kept"

	case StrategyTargetWins:
		out.finalValue = c.TargetValue
		out.justification = "target system value kept"

	case StrategyTimestamp:
		// Equal timestamps fall to the source side.
		if rc.TargetUpdatedAt.After(rc.SourceUpdatedAt) {
			out.finalValue = c.TargetValue
			out.justification = fmt.Sprintf("target modified later (%s > %s)",
				rc.TargetUpdatedAt.Format(time.RFC3339), rc.SourceUpdatedAt.Format(time.RFC3339))
		} else {
			out.finalValue = c.SourceValue
			out.justification = fmt.Sprintf("source modified at or after target (%s >= %s)",
				rc.SourceUpdatedAt.Format(time.RFC3339), rc.TargetUpdatedAt.Format(time.RFC3339))
		}

	case StrategyPriority:
		srcRank, srcOK := s.SystemPriority[rc.SourceSystem]
		tgtRank, tgtOK := s.SystemPriority[rc.TargetSystem]
		if !srcOK || !tgtOK {
			out.deferred = true
			out.justification = "system missing from priority ranking, deferred to manual review"
			break
		}
		if tgtRank > srcRank {
			out.finalValue = c.TargetValue
			out.justification = fmt.Sprintf("system %s outranks %s", rc.TargetSystem, rc.SourceSystem)
		} else {
			out.finalValue = c.SourceValue
			out.justification = fmt.Sprintf("system %s outranks or ties %s", rc.SourceSystem, rc.TargetSystem)
		}

	case StrategyMerge:
		final, err := r.merge(&c, sm)
		if err != nil {
			out.deferred = true
			out.justification = err.Error()
			break
		}
		out.finalValue = final
		out.justification = "values merged"

	case StrategyCustom:
		if s.Custom == nil {
			out.deferred = true
			out.justification = "no custom resolver registered, deferred to manual review"
			break
		}
		final, ok := s.Custom(c, rc)
		if !ok {
			out.deferred = true
			out.justification = "custom resolver declined, deferred to manual review"
			break
		}
		out.finalValue = final
		out.justification = "custom resolver applied"

	default: // StrategyManual
		out.strategy = StrategyManual
		out.deferred = true
		out.justification = "deferred to manual review"
	}
	return out
}

// merge resolves a conflict through the field's declared merge function.
// Structural conflicts and fields without a registered function cannot be
// merged.
func (r *Resolver) merge(c *DataConflict, sm *mapping.SchemaMapping) (interface{}, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("whole-record conflict on %s cannot be merged, deferred to manual review", c.ResourceID)
	}
	fm := sm.FieldByTarget(c.Field)
	if fm == nil || !fm.Mergeable() {
		return nil, (&ConflictError{ResourceID: c.ResourceID, Field: c.Field})
	}
	fn, ok := r.merges[fm.MergeFunc]
	if !ok {
		return nil, fmt.Errorf("merge function %q is not registered, deferred to manual review", fm.MergeFunc)
	}
	final, err := fn(c.SourceValue, c.TargetValue)
	if err != nil {
		return nil, fmt.Errorf("merge of %s.%s failed: %v", c.ResourceID, c.Field, err)
	}
	return final, nil
}

// mergeUnion combines two lists, target elements first, deduplicated by
// string form, original order preserved.
func mergeUnion(source, target interface{}) (interface{}, error) {
	ts, tok := target.([]interface{})
	ss, sok := source.([]interface{})
	if !tok || !sok {
		return nil, fmt.Errorf("union expects lists on both sides, got %T and %T", source, target)
	}
	seen := make(map[string]bool, len(ts)+len(ss))
	out := make([]interface{}, 0, len(ts)+len(ss))
	for _, v := range append(append([]interface{}{}, ts...), ss...) {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}

// mergeConcat joins two strings, target first, separated by "; ". Identical
// strings collapse to one.
func mergeConcat(source, target interface{}) (interface{}, error) {
	ss, sok := source.(string)
	ts, tok := target.(string)
	if !sok || !tok {
		return nil, fmt.Errorf("concat expects strings on both sides, got %T and %T", source, target)
	}
	if ss == ts {
		return ts, nil
	}
	if ts == "" {
		return ss, nil
	}
	if ss == "" {
		return ts, nil
	}
	return ts + "; " + ss, nil
}

// mergeNumericMax keeps the larger of two numeric values.
func mergeNumericMax(source, target interface{}) (interface{}, error) {
	sf, sok := toFloat(source)
	tf, tok := toFloat(target)
	if !sok || !tok {
		return nil, fmt.Errorf("numericMax expects numbers on both sides, got %T and %T", source, target)
	}
	if tf > sf {
		return target, nil
	}
	return source, nil
}
