// Package condition evaluates flow and step selection conditions against a
// request's context attributes.
//
// A condition is a map of attribute name → constraint. Supported shapes:
//
//	{"department_id": 5}          exact match on context["department_id"]
//	{"min_amount": 1000}          context["amount"] >= 1000
//	{"max_amount": 5000}          context["amount"] < 5000
//	{"department_id_in": [1,2]}   context["department_id"] ∈ [1,2]
//
// The evaluator is pure and total: missing context attributes, wrong types
// and malformed constraints all evaluate to false, never to an error. An
// empty or nil condition always matches (wildcard).
package condition

import "reflect"

// Condition maps attribute names to constraint values.
type Condition map[string]any

const (
	minPrefix = "min_"
	maxPrefix = "max_"
	inSuffix  = "_in"
)

// Matches reports whether attrs satisfy every constraint in cond.
func Matches(cond Condition, attrs map[string]any) bool {
	if len(cond) == 0 {
		return true
	}
	for key, constraint := range cond {
		if !matchOne(key, constraint, attrs) {
			return false
		}
	}
	return true
}

func matchOne(key string, constraint any, attrs map[string]any) bool {
	switch {
	case len(key) > len(minPrefix) && key[:len(minPrefix)] == minPrefix:
		return numericBound(key[len(minPrefix):], constraint, attrs, false)
	case len(key) > len(maxPrefix) && key[:len(maxPrefix)] == maxPrefix:
		return numericBound(key[len(maxPrefix):], constraint, attrs, true)
	case len(key) > len(inSuffix) && key[len(key)-len(inSuffix):] == inSuffix:
		return membership(key[:len(key)-len(inSuffix)], constraint, attrs)
	default:
		value, ok := attrs[key]
		if !ok {
			return false
		}
		return equal(value, constraint)
	}
}

// numericBound checks attrs[attr] against the constraint. Lower bounds are
// inclusive, upper bounds exclusive, so that adjacent amount bands
// (min 0/max 1000, min 1000/max 5000) never overlap.
func numericBound(attr string, constraint any, attrs map[string]any, upper bool) bool {
	bound, ok := asNumber(constraint)
	if !ok {
		return false
	}
	raw, ok := attrs[attr]
	if !ok {
		return false
	}
	value, ok := asNumber(raw)
	if !ok {
		return false
	}
	if upper {
		return value < bound
	}
	return value >= bound
}

func membership(attr string, constraint any, attrs map[string]any) bool {
	value, ok := attrs[attr]
	if !ok {
		return false
	}
	list := reflect.ValueOf(constraint)
	if !list.IsValid() || (list.Kind() != reflect.Slice && list.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < list.Len(); i++ {
		if equal(value, list.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// equal compares numerically when both sides are numbers (JSON decoding
// yields float64, database scans yield int64), otherwise strictly by type.
func equal(a, b any) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
