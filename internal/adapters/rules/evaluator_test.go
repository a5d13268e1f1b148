package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/domain"
)

func leaf(field string, op domain.CompareOperator, value interface{}) *domain.Condition {
	return &domain.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluateConditionComparisons(t *testing.T) {
	facts := map[string]interface{}{
		"age":    int64(20),
		"income": 60000.0,
		"name":   "ada",
		"vip":    true,
		"tags":   []interface{}{"gold", "eu"},
		"order":  map[string]interface{}{"total": 150.0},
	}

	cases := []struct {
		name string
		cond *domain.Condition
		want bool
	}{
		{"eq number cross-type", leaf("age", domain.OpEqual, 20.0), true},
		{"eq string", leaf("name", domain.OpEqual, "ada"), true},
		{"eq bool", leaf("vip", domain.OpEqual, true), true},
		{"neq", leaf("name", domain.OpNotEqual, "bob"), true},
		{"neq missing field", leaf("missing", domain.OpNotEqual, "x"), true},
		{"gt", leaf("income", domain.OpGreaterThan, 50000), true},
		{"gt false", leaf("income", domain.OpGreaterThan, 70000), false},
		{"gte boundary", leaf("age", domain.OpGreaterOrEqual, 20), true},
		{"lt", leaf("age", domain.OpLessThan, 25), true},
		{"lte boundary", leaf("age", domain.OpLessOrEqual, 20), true},
		{"contains string", leaf("name", domain.OpContains, "da"), true},
		{"contains array", leaf("tags", domain.OpContains, "gold"), true},
		{"in", leaf("name", domain.OpIn, []interface{}{"ada", "bob"}), true},
		{"in false", leaf("name", domain.OpIn, []interface{}{"bob"}), false},
		{"exists", leaf("vip", domain.OpExists, nil), true},
		{"exists false", leaf("missing", domain.OpExists, nil), false},
		{"dotted path", leaf("order.total", domain.OpGreaterThan, 100), true},
		{"dotted path missing", leaf("order.missing", domain.OpExists, nil), false},
		{"missing field gt", leaf("missing", domain.OpGreaterThan, 1), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EvaluateCondition(tc.cond, facts))
		})
	}
}

func TestEvaluateConditionCombinators(t *testing.T) {
	facts := map[string]interface{}{"a": int64(1), "b": int64(2)}

	and := &domain.Condition{All: []domain.Condition{
		*leaf("a", domain.OpEqual, 1),
		*leaf("b", domain.OpEqual, 2),
	}}
	require.True(t, EvaluateCondition(and, facts))

	and.All[1].Value = 3
	require.False(t, EvaluateCondition(and, facts))

	or := &domain.Condition{Any: []domain.Condition{
		*leaf("a", domain.OpEqual, 9),
		*leaf("b", domain.OpEqual, 2),
	}}
	require.True(t, EvaluateCondition(or, facts))

	not := &domain.Condition{Not: leaf("a", domain.OpEqual, 9)}
	require.True(t, EvaluateCondition(not, facts))
}

func TestEvaluateConditionEmptyMatchesAll(t *testing.T) {
	require.True(t, EvaluateCondition(&domain.Condition{}, nil))
	require.True(t, EvaluateCondition(nil, nil))
}
