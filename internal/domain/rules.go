package domain

import "time"

// RuleSet is a named, versioned collection of prioritized rules. Evaluation
// is a pure function of the fact map; rule sets hold no execution state.
type RuleSet struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Key      string         `json:"key"`
	Name     string         `json:"name"`
	Version  int            `json:"version"`
	Mode     EvaluationMode `json:"mode"`
	Rules    []Rule         `json:"rules"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EvaluationMode string

const (
	// EvaluateAll runs every matching rule in ascending priority order.
	EvaluateAll EvaluationMode = "all"
	// EvaluateFirstMatch stops after the first matching rule.
	EvaluateFirstMatch EvaluationMode = "first_match"
)

// Rule pairs a condition with ordered actions. Lower priority runs first.
type Rule struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Priority  int          `json:"priority"`
	Condition Condition    `json:"condition"`
	Actions   []RuleAction `json:"actions"`
}

// RuleAction mutates the evaluation output map.
type RuleAction struct {
	Type RuleActionType `json:"type"`
	// Target is the output key being written or deleted.
	Target string `json:"target"`
	// Value is the literal written by a set action.
	Value interface{} `json:"value,omitempty"`
	// Source is the fact field copied by a copy action.
	Source string `json:"source,omitempty"`
}

type RuleActionType string

const (
	RuleActionSet    RuleActionType = "set"
	RuleActionCopy   RuleActionType = "copy"
	RuleActionDelete RuleActionType = "delete"
)

// DecisionTable is a tabular input/output matrix with a hit policy. Each row
// carries one predicate per input column; a row matches when every predicate
// holds.
type DecisionTable struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Key       string        `json:"key"`
	Name      string        `json:"name"`
	Version   int           `json:"version"`
	HitPolicy HitPolicy     `json:"hit_policy"`
	Inputs    []TableInput  `json:"inputs"`
	Outputs   []TableOutput `json:"outputs"`
	Rows      []TableRow    `json:"rows"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HitPolicy string

const (
	// HitFirst returns the first fully matching row and stops.
	HitFirst HitPolicy = "first"
	// HitCollect returns the outputs of every matching row.
	HitCollect HitPolicy = "collect"
)

// TableInput names one input column and the fact field it reads.
type TableInput struct {
	Name  string `json:"name"`
	Field string `json:"field"`
}

// TableOutput names one output column.
type TableOutput struct {
	Name string `json:"name"`
}

// TableRow holds one predicate per input column (indexed positionally) and
// the outputs produced when all predicates match. A nil predicate matches
// anything.
type TableRow struct {
	Conditions []*Condition           `json:"conditions"`
	Outputs    map[string]interface{} `json:"outputs"`
}
