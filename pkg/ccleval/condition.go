package ccleval

import (
	"encoding/json"
	"strings"

	"covenant/pkg/cclir"
)

// Satisfies reports whether a condition holds against the call
// context. A nil condition is unconditionally live. A missing context,
// an unresolvable path segment or a type mismatch degrade to false,
// never to an error.
func Satisfies(cond *cclir.Condition, ctx map[string]interface{}) bool {
	if cond == nil {
		return true
	}
	resolved, ok := resolvePath(ctx, cond.Field)
	if !ok {
		return false
	}
	switch cond.Op {
	case "=":
		return equals(cond.Value, resolved)
	case "!=":
		return !equals(cond.Value, resolved)
	case "<", ">", "<=", ">=":
		return compareNumeric(cond.Op, cond.Value, resolved)
	default:
		return false
	}
}

// resolvePath walks nested context maps along a dotted path.
func resolvePath(ctx map[string]interface{}, field string) (interface{}, bool) {
	if ctx == nil {
		return nil, false
	}
	var current interface{} = ctx
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equals is type-strict: a string literal only equals a string value,
// a boolean literal only a boolean, a number literal only a numeric
// value. A context string "true" does not equal the literal true.
func equals(lit cclir.Value, resolved interface{}) bool {
	switch lit.Kind {
	case cclir.ValueString:
		s, ok := resolved.(string)
		return ok && s == lit.Str
	case cclir.ValueBool:
		b, ok := resolved.(bool)
		return ok && b == lit.Bool
	case cclir.ValueNumber:
		f, ok := asNumber(resolved)
		return ok && f == lit.Num
	}
	return false
}

func compareNumeric(op string, lit cclir.Value, resolved interface{}) bool {
	if lit.Kind != cclir.ValueNumber {
		return false
	}
	f, ok := asNumber(resolved)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return f < lit.Num
	case ">":
		return f > lit.Num
	case "<=":
		return f <= lit.Num
	case ">=":
		return f >= lit.Num
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
