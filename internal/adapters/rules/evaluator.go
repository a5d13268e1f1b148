package rules

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/flowmill/flowmill/internal/domain"
)

// EvaluateCondition resolves a structured predicate against a fact map.
// Composite conditions short-circuit; leaf conditions compare the dotted
// field path against the literal with numeric coercion, so int64 facts
// compare cleanly against float64 literals decoded from JSON.
func EvaluateCondition(cond *domain.Condition, facts map[string]interface{}) bool {
	if cond == nil {
		return true
	}

	if len(cond.All) > 0 {
		for i := range cond.All {
			if !EvaluateCondition(&cond.All[i], facts) {
				return false
			}
		}
		return true
	}
	if len(cond.Any) > 0 {
		for i := range cond.Any {
			if EvaluateCondition(&cond.Any[i], facts) {
				return true
			}
		}
		return false
	}
	if cond.Not != nil {
		return !EvaluateCondition(cond.Not, facts)
	}

	// An empty leaf is the always-true condition used by default rules.
	if cond.Field == "" && cond.Operator == "" {
		return true
	}

	actual, found := LookupField(facts, cond.Field)

	switch cond.Operator {
	case domain.OpExists:
		return found
	case domain.OpEqual:
		return found && valuesEqual(actual, cond.Value)
	case domain.OpNotEqual:
		return !found || !valuesEqual(actual, cond.Value)
	case domain.OpGreaterThan:
		return found && compareNumbers(actual, cond.Value, func(a, b float64) bool { return a > b })
	case domain.OpGreaterOrEqual:
		return found && compareNumbers(actual, cond.Value, func(a, b float64) bool { return a >= b })
	case domain.OpLessThan:
		return found && compareNumbers(actual, cond.Value, func(a, b float64) bool { return a < b })
	case domain.OpLessOrEqual:
		return found && compareNumbers(actual, cond.Value, func(a, b float64) bool { return a <= b })
	case domain.OpContains:
		return found && contains(actual, cond.Value)
	case domain.OpIn:
		return found && memberOf(cond.Value, actual)
	}
	return false
}

// LookupField resolves a dotted path ("order.customer.tier") through nested
// maps.
func LookupField(facts map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = facts
	for _, part := range strings.Split(path, ".") {
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

func valuesEqual(a, b interface{}) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareNumbers(a, b interface{}, cmp func(a, b float64) bool) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func asNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []interface{}:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == s {
				return true
			}
		}
	}
	return false
}

func memberOf(set, value interface{}) bool {
	return contains(set, value)
}
