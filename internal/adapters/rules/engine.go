// Package rules evaluates declarative rule sets and decision tables against
// fact maps. Evaluation is pure: facts in, an output map out, no state kept
// between calls. The execution engine consumes it for business-rule tasks
// and for gateway branching; it is equally usable standalone.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type Engine struct {
	storage ports.Storage
	clock   ports.Clock
	logger  *slog.Logger
}

func New(storage ports.Storage, clock ports.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Engine{
		storage: storage,
		clock:   clock,
		logger:  logger.With("component", "rules-engine"),
	}
}

// SaveRuleSet creates or replaces a rule set under its key, bumping its
// version. The rule set is validated before it is written.
func (e *Engine) SaveRuleSet(ctx context.Context, ruleSet *domain.RuleSet) (*domain.RuleSet, error) {
	if ruleSet.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "tenant id is required")
	}
	if ruleSet.Key == "" {
		return nil, domain.NewValidationError("key", "rule set key is required")
	}
	if violations := lintRuleSet(ruleSet); len(violations) > 0 {
		return nil, &domain.InvalidModelError{Violations: violations}
	}

	key := domain.RuleSetKey(ruleSet.TenantID, ruleSet.Key)
	existing, recVersion, exists, err := e.storage.Get(key)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if exists {
		var prior domain.RuleSet
		if err := json.Unmarshal(existing, &prior); err != nil {
			return nil, fmt.Errorf("decode rule set %s: %w", ruleSet.Key, err)
		}
		ruleSet.ID = prior.ID
		ruleSet.Version = prior.Version + 1
		ruleSet.CreatedAt = prior.CreatedAt
	} else {
		ruleSet.ID = uuid.NewString()
		ruleSet.Version = 1
		ruleSet.CreatedAt = now
	}
	ruleSet.UpdatedAt = now
	if ruleSet.Mode == "" {
		ruleSet.Mode = domain.EvaluateAll
	}

	payload, err := json.Marshal(ruleSet)
	if err != nil {
		return nil, err
	}
	if err := e.storage.Put(key, payload, recVersion+1); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

// DeleteRuleSet removes a rule set.
func (e *Engine) DeleteRuleSet(ctx context.Context, tenantID, key string) error {
	return e.storage.Delete(domain.RuleSetKey(tenantID, key))
}

// GetRuleSet loads a rule set by key.
func (e *Engine) GetRuleSet(ctx context.Context, tenantID, key string) (*domain.RuleSet, error) {
	value, _, exists, err := e.storage.Get(domain.RuleSetKey(tenantID, key))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("rule set %s: %w", key, domain.ErrNotFound)
	}

	var ruleSet domain.RuleSet
	if err := json.Unmarshal(value, &ruleSet); err != nil {
		return nil, fmt.Errorf("decode rule set %s: %w", key, err)
	}
	return &ruleSet, nil
}

// Evaluate runs the rule set against facts. Rules run in ascending priority
// order; All mode executes every matching rule, FirstMatch stops after the
// first. The returned map holds the accumulated action outputs.
func (e *Engine) Evaluate(ctx context.Context, tenantID, ruleSetKey string, facts map[string]interface{}) (map[string]interface{}, error) {
	ruleSet, err := e.GetRuleSet(ctx, tenantID, ruleSetKey)
	if err != nil {
		return nil, err
	}
	return EvaluateRuleSet(ruleSet, facts), nil
}

// EvaluateRuleSet is the pure core of Evaluate, usable without storage.
func EvaluateRuleSet(ruleSet *domain.RuleSet, facts map[string]interface{}) map[string]interface{} {
	ordered := make([]domain.Rule, len(ruleSet.Rules))
	copy(ordered, ruleSet.Rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	output := make(map[string]interface{})
	var matched []string
	for i := range ordered {
		rule := &ordered[i]
		if !EvaluateCondition(&rule.Condition, facts) {
			continue
		}
		matched = append(matched, rule.ID)
		applyActions(rule.Actions, facts, output)
		if ruleSet.Mode == domain.EvaluateFirstMatch {
			break
		}
	}
	output["matchedRules"] = matched
	return output
}

func applyActions(actions []domain.RuleAction, facts, output map[string]interface{}) {
	for _, action := range actions {
		switch action.Type {
		case domain.RuleActionSet:
			output[action.Target] = action.Value
		case domain.RuleActionCopy:
			if value, ok := LookupField(facts, action.Source); ok {
				output[action.Target] = value
			}
		case domain.RuleActionDelete:
			delete(output, action.Target)
		}
	}
}

// Validate statically checks a stored rule set and returns the violation
// list instead of failing later during evaluation. A valid rule set yields
// an empty list.
func (e *Engine) Validate(ctx context.Context, tenantID, ruleSetKey string) ([]domain.ModelViolation, error) {
	ruleSet, err := e.GetRuleSet(ctx, tenantID, ruleSetKey)
	if err != nil {
		return nil, err
	}
	return lintRuleSet(ruleSet), nil
}

func lintRuleSet(ruleSet *domain.RuleSet) []domain.ModelViolation {
	var violations []domain.ModelViolation
	add := func(id, format string, args ...interface{}) {
		violations = append(violations, domain.ModelViolation{
			ElementID: id,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	seen := make(map[string]bool)
	for i := range ruleSet.Rules {
		rule := &ruleSet.Rules[i]
		id := rule.ID
		if id == "" {
			id = fmt.Sprintf("rule[%d]", i)
		}
		if rule.ID != "" && seen[rule.ID] {
			add(id, "duplicate rule id")
		}
		seen[rule.ID] = true

		lintCondition(id, &rule.Condition, add)

		if len(rule.Actions) == 0 {
			add(id, "rule has no actions")
		}
		for j, action := range rule.Actions {
			switch action.Type {
			case domain.RuleActionSet:
				if action.Target == "" {
					add(id, "action[%d]: set action needs a target", j)
				}
			case domain.RuleActionCopy:
				if action.Target == "" || action.Source == "" {
					add(id, "action[%d]: copy action needs a source and a target", j)
				}
			case domain.RuleActionDelete:
				if action.Target == "" {
					add(id, "action[%d]: delete action needs a target", j)
				}
			default:
				add(id, "action[%d]: unknown action type %q", j, action.Type)
			}
		}
	}
	return violations
}

func lintCondition(ruleID string, cond *domain.Condition, add func(string, string, ...interface{})) {
	if cond.IsLeaf() {
		if cond.Field == "" && cond.Operator == "" {
			// Empty condition matches everything; allowed for default rules.
			return
		}
		if cond.Field == "" {
			add(ruleID, "condition needs a field")
		}
		switch cond.Operator {
		case domain.OpEqual, domain.OpNotEqual, domain.OpGreaterThan, domain.OpGreaterOrEqual,
			domain.OpLessThan, domain.OpLessOrEqual, domain.OpContains, domain.OpIn, domain.OpExists:
		default:
			add(ruleID, "unknown operator %q", cond.Operator)
		}
		return
	}
	for i := range cond.All {
		lintCondition(ruleID, &cond.All[i], add)
	}
	for i := range cond.Any {
		lintCondition(ruleID, &cond.Any[i], add)
	}
	if cond.Not != nil {
		lintCondition(ruleID, cond.Not, add)
	}
}
