package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
)

type Operator string

const (
	OpLiteral Operator = "literal"
	OpEq      Operator = "$eq"
	OpNe      Operator = "$ne"
	OpIn      Operator = "$in"
	OpNotIn   Operator = "$nin"
	OpUnknown Operator = "unknown"
)

// Filter maps a context field to the condition it must satisfy. Every
// field must be present in the event context.
type Filter map[string]Condition

// Condition is a single field test. Value is used by Literal, Eq and Ne;
// Values by In and NotIn. Unknown conditions never match.
type Condition struct {
	Op     Operator
	Value  any
	Values []any

	raw json.RawMessage
}

func Literal(v any) Condition { return Condition{Op: OpLiteral, Value: v} }
func Eq(v any) Condition { return Condition{Op: OpEq, Value: v} }
func Ne(v any) Condition { return Condition{Op: OpNe, Value: v} }
func In(values ...any) Condition { return Condition{Op: OpIn, Values: values} }
func NotIn(values ...any) Condition { return Condition{Op: OpNotIn, Values: values} }

// Matches reports whether every condition holds against ctx. A missing
// field rejects the match.
func (f Filter) Matches(ctx EventContext) bool {
	for field, cond := range f {
		v, ok := ctx[field]
		if !ok {
			return false
		}
		if !cond.Matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) Matches(v any) bool {
	switch c.Op {
	case OpLiteral, OpEq:
		return equalValues(c.Value, v)
	case OpNe:
		return !equalValues(c.Value, v)
	case OpIn:
		return containsValue(c.Values, v)
	case OpNotIn:
		return !containsValue(c.Values, v)
	default:
		return false
	}
}

func (c Condition) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case OpLiteral:
		return json.Marshal(c.Value)
	case OpEq, OpNe:
		return json.Marshal(map[Operator]any{c.Op: c.Value})
	case OpIn, OpNotIn:
		values := c.Values
		if values == nil {
			values = []any{}
		}
		return json.Marshal(map[Operator][]any{c.Op: values})
	default:
		if len(c.raw) > 0 {
			return c.raw, nil
		}
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a literal value or an object with exactly one
// operator key. Anything else decodes to an unknown condition.
func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*c = Condition{Op: OpLiteral, Value: v}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	unknown := Condition{Op: OpUnknown, raw: append(json.RawMessage(nil), trimmed...)}
	if len(obj) != 1 {
		*c = unknown
		return nil
	}

	for key, raw := range obj {
		switch op := Operator(key); op {
		case OpEq, OpNe:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			*c = Condition{Op: op, Value: v}
		case OpIn, OpNotIn:
			var values []any
			if err := json.Unmarshal(raw, &values); err != nil {
				*c = unknown
				return nil
			}
			*c = Condition{Op: op, Values: values}
		default:
			*c = unknown
		}
	}
	return nil
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if equalValues(candidate, v) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch a.(type) {
	case nil, string, bool, float64:
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// normalizeValue folds Go numeric types onto float64 so that values
// decoded from JSON compare equal to values set in code.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}
