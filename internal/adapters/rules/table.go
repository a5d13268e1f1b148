package rules

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
)

// SaveDecisionTable creates or replaces a decision table under its key.
func (e *Engine) SaveDecisionTable(ctx context.Context, table *domain.DecisionTable) (*domain.DecisionTable, error) {
	if table.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "tenant id is required")
	}
	if table.Key == "" {
		return nil, domain.NewValidationError("key", "decision table key is required")
	}
	if violations := lintTable(table); len(violations) > 0 {
		return nil, &domain.InvalidModelError{Violations: violations}
	}

	key := domain.DecisionTableKey(table.TenantID, table.Key)
	existing, recVersion, exists, err := e.storage.Get(key)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if exists {
		var prior domain.DecisionTable
		if err := json.Unmarshal(existing, &prior); err != nil {
			return nil, fmt.Errorf("decode decision table %s: %w", table.Key, err)
		}
		table.ID = prior.ID
		table.Version = prior.Version + 1
		table.CreatedAt = prior.CreatedAt
	} else {
		table.ID = uuid.NewString()
		table.Version = 1
		table.CreatedAt = now
	}
	table.UpdatedAt = now
	if table.HitPolicy == "" {
		table.HitPolicy = domain.HitFirst
	}

	payload, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	if err := e.storage.Put(key, payload, recVersion+1); err != nil {
		return nil, err
	}
	return table, nil
}

// GetDecisionTable loads a decision table by key.
func (e *Engine) GetDecisionTable(ctx context.Context, tenantID, key string) (*domain.DecisionTable, error) {
	value, _, exists, err := e.storage.Get(domain.DecisionTableKey(tenantID, key))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("decision table %s: %w", key, domain.ErrNotFound)
	}

	var table domain.DecisionTable
	if err := json.Unmarshal(value, &table); err != nil {
		return nil, fmt.Errorf("decode decision table %s: %w", key, err)
	}
	return &table, nil
}

// DeleteDecisionTable removes a decision table.
func (e *Engine) DeleteDecisionTable(ctx context.Context, tenantID, key string) error {
	return e.storage.Delete(domain.DecisionTableKey(tenantID, key))
}

// Decide evaluates the table against facts according to its hit policy.
func (e *Engine) Decide(ctx context.Context, tenantID, tableKey string, facts map[string]interface{}) (map[string]interface{}, error) {
	table, err := e.GetDecisionTable(ctx, tenantID, tableKey)
	if err != nil {
		return nil, err
	}
	return EvaluateTable(table, facts), nil
}

// EvaluateTable is the pure core of Decide. A row matches when every one of
// its per-column predicates holds; hit policy First returns the first match
// and stops, Collect gathers the outputs of every matching row into slices.
func EvaluateTable(table *domain.DecisionTable, facts map[string]interface{}) map[string]interface{} {
	output := make(map[string]interface{})

	for _, row := range table.Rows {
		if !rowMatches(table, row, facts) {
			continue
		}
		switch table.HitPolicy {
		case domain.HitCollect:
			for name, value := range row.Outputs {
				list, _ := output[name].([]interface{})
				output[name] = append(list, value)
			}
		default:
			for name, value := range row.Outputs {
				output[name] = value
			}
			return output
		}
	}
	return output
}

func rowMatches(table *domain.DecisionTable, row domain.TableRow, facts map[string]interface{}) bool {
	for i, cond := range row.Conditions {
		if cond == nil || i >= len(table.Inputs) {
			continue
		}
		// Column predicates leave the field implicit; bind it here.
		bound := *cond
		if bound.Field == "" {
			bound.Field = table.Inputs[i].Field
		}
		if !EvaluateCondition(&bound, facts) {
			return false
		}
	}
	return true
}

func lintTable(table *domain.DecisionTable) []domain.ModelViolation {
	var violations []domain.ModelViolation
	add := func(id, format string, args ...interface{}) {
		violations = append(violations, domain.ModelViolation{
			ElementID: id,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	if len(table.Inputs) == 0 {
		add("", "decision table has no input columns")
	}
	for i, input := range table.Inputs {
		if input.Field == "" {
			add(fmt.Sprintf("input[%d]", i), "input column needs a fact field")
		}
	}

	outputs := make(map[string]bool, len(table.Outputs))
	for _, out := range table.Outputs {
		outputs[out.Name] = true
	}

	for i, row := range table.Rows {
		id := fmt.Sprintf("row[%d]", i)
		if len(row.Conditions) > len(table.Inputs) {
			add(id, "row has %d predicates for %d input columns", len(row.Conditions), len(table.Inputs))
		}
		for name := range row.Outputs {
			if !outputs[name] {
				add(id, "output %q is not a declared output column", name)
			}
		}
	}
	return violations
}
