package domain

// Condition is a structured predicate over a variable/fact map. Leaf
// conditions compare a dotted field path against a literal value; composite
// conditions combine children with boolean operators. Exactly one of the
// leaf fields (Field+Operator) or the combinators (All/Any/Not) is set.
type Condition struct {
	Field    string          `json:"field,omitempty"`
	Operator CompareOperator `json:"operator,omitempty"`
	Value    interface{}     `json:"value,omitempty"`

	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

type CompareOperator string

const (
	OpEqual          CompareOperator = "eq"
	OpNotEqual       CompareOperator = "neq"
	OpGreaterThan    CompareOperator = "gt"
	OpGreaterOrEqual CompareOperator = "gte"
	OpLessThan       CompareOperator = "lt"
	OpLessOrEqual    CompareOperator = "lte"
	OpContains       CompareOperator = "contains"
	OpIn             CompareOperator = "in"
	OpExists         CompareOperator = "exists"
)

// IsLeaf reports whether the condition is a field comparison rather than a
// boolean combination.
func (c *Condition) IsLeaf() bool {
	return len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil
}
