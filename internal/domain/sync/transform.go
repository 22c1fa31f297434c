package sync

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/medsync/medsync/internal/domain/mapping"
)

// TransformFunc converts a single field value. Functions must be pure:
// the same input always yields the same output.
type TransformFunc func(v interface{}) (interface{}, error)

// Transformer converts source records into the target schema using a
// SchemaMapping. It is stateless and safe for concurrent use.
type Transformer struct {
	funcs map[string]TransformFunc
}

// NewTransformer returns a transformer with the built-in function registry.
func NewTransformer() *Transformer {
	t := &Transformer{funcs: make(map[string]TransformFunc)}
	t.Register("uppercase", func(v interface{}) (interface{}, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("uppercase expects a string, got %T", v)
		}
		return strings.ToUpper(s), nil
	})
	t.Register("lowercase", func(v interface{}) (interface{}, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("lowercase expects a string, got %T", v)
		}
		return strings.ToLower(s), nil
	})
	t.Register("trim", func(v interface{}) (interface{}, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("trim expects a string, got %T", v)
		}
		return strings.TrimSpace(s), nil
	})
	t.Register("celsiusToFahrenheit", func(v interface{}) (interface{}, error) {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("celsiusToFahrenheit expects a number, got %T", v)
		}
		return f*9.0/5.0 + 32.0, nil
	})
	t.Register("metersToFeet", func(v interface{}) (interface{}, error) {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("metersToFeet expects a number, got %T", v)
		}
		return f * 3.28084, nil
	})
	return t
}

// Register adds or replaces a named transform function.
func (t *Transformer) Register(name string, fn TransformFunc) {
	t.funcs[name] = fn
}

// lookup resolves a transform expression. "scale:<factor>" is parsed as a
// parameterized multiplier; everything else is a registry lookup.
func (t *Transformer) lookup(expr string) (TransformFunc, error) {
	if factor, ok := strings.CutPrefix(expr, "scale:"); ok {
		f, err := strconv.ParseFloat(factor, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid scale factor %q", factor)
		}
		return func(v interface{}) (interface{}, error) {
			n, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("scale expects a number, got %T", v)
			}
			return n * f, nil
		}, nil
	}
	fn, ok := t.funcs[expr]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", expr)
	}
	return fn, nil
}

// Transform converts one source record into the target schema. Unmapped
// source fields are dropped. Absent optional fields with a declared default
// are filled and produce a warning. A missing required field or an
// uncoercible value yields a MappingError and no record.
//
// The output depends only on the record and the mapping: field rules are
// applied in declaration order and no clocks or randomness are consulted.
func (t *Transformer) Transform(rec *DataRecord, sm *mapping.SchemaMapping) (*TransformedRecord, error) {
	out := &TransformedRecord{
		ResourceType:   rec.ResourceType,
		ResourceID:     rec.ResourceID,
		SourceSystem:   rec.SourceSystem,
		Fields:         make(map[string]interface{}, len(sm.Fields)),
		UpdatedAt:      rec.UpdatedAt,
		MappingVersion: sm.Version,
		Deleted:        rec.Deleted,
	}

	for i := range sm.Fields {
		fm := &sm.Fields[i]
		raw, present := rec.Fields[fm.SourceField]
		if !present || raw == nil {
			if fm.Default != nil {
				out.Fields[fm.TargetField] = fm.Default
				out.Warnings = append(out.Warnings, FieldWarning{
					Field:   fm.TargetField,
					Message: fmt.Sprintf("source field %q absent, default applied", fm.SourceField),
				})
				continue
			}
			if fm.Required {
				return nil, &MappingError{
					Kind:       MissingRequiredField,
					ResourceID: rec.ResourceID,
					Field:      fm.SourceField,
					Reason:     "required field absent and no default declared",
				}
			}
			continue
		}

		v := raw
		if fm.Transform != "" {
			fn, err := t.lookup(fm.Transform)
			if err != nil {
				return nil, &MappingError{
					Kind:       TypeMismatch,
					ResourceID: rec.ResourceID,
					Field:      fm.SourceField,
					Reason:     err.Error(),
				}
			}
			v, err = fn(v)
			if err != nil {
				return nil, &MappingError{
					Kind:       TypeMismatch,
					ResourceID: rec.ResourceID,
					Field:      fm.SourceField,
					Reason:     err.Error(),
				}
			}
		}

		coerced, err := coerce(v, fm.TargetType)
		if err != nil {
			return nil, &MappingError{
				Kind:       TypeMismatch,
				ResourceID: rec.ResourceID,
				Field:      fm.SourceField,
				Reason:     err.Error(),
			}
		}
		out.Fields[fm.TargetField] = coerced
	}

	return out, nil
}

// coerce converts a value to the declared target type. Lossless widenings
// are accepted; anything else is a type mismatch.
func coerce(v interface{}, ft mapping.FieldType) (interface{}, error) {
	switch ft {
	case mapping.TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return nil, fmt.Errorf("cannot coerce %T to string", v)

	case mapping.TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("cannot coerce fractional value %v to integer", n)
			}
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to integer", n)
			}
			return i, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to integer", v)

	case mapping.TypeDecimal:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to decimal", s)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to decimal", v)

	case mapping.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to boolean", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to boolean", v)

	case mapping.TypeTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC().Format(time.RFC3339Nano), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				if parsed, err = time.Parse(time.RFC3339, ts); err != nil {
					return nil, fmt.Errorf("cannot coerce %q to timestamp", ts)
				}
			}
			return parsed.UTC().Format(time.RFC3339Nano), nil
		}
		return nil, fmt.Errorf("cannot coerce %T to timestamp", v)

	case mapping.TypeList:
		if l, ok := v.([]interface{}); ok {
			return l, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to list", v)

	case mapping.TypeObject:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to object", v)
	}
	return nil, fmt.Errorf("unknown target type %q", ft)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
