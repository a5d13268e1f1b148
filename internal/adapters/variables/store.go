// Package variables is the typed variable store. Variables are scoped to a
// process instance or to one activity inside it; an activity-scoped variable
// shadows an instance-scoped variable of the same name when a snapshot is
// taken for that activity.
package variables

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type Store struct {
	storage ports.Storage
	clock   ports.Clock
	audit   ports.AuditSink
	logger  *slog.Logger
}

func New(storage ports.Storage, clock ports.Clock, audit ports.AuditSink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Store{
		storage: storage,
		clock:   clock,
		audit:   audit,
		logger:  logger.With("component", "variable-store"),
	}
}

// Set writes one variable, inferring its type from the value. Setting an
// existing variable replaces every type slot, so no stale cross-type data
// survives.
func (s *Store) Set(ctx context.Context, tenantID, instanceID, activityID, name string, value interface{}) error {
	if name == "" {
		return domain.NewValidationError("name", "variable name is required")
	}

	key := domain.VariableKey(tenantID, instanceID, activityID, name)
	existing, recVersion, exists, err := s.storage.Get(key)
	if err != nil {
		return err
	}

	variable := &domain.ProcessVariable{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		ActivityID: activityID,
		Name:       name,
	}
	if exists {
		if err := json.Unmarshal(existing, variable); err != nil {
			return fmt.Errorf("decode variable %s: %w", name, err)
		}
	}

	if err := variable.SetValue(value); err != nil {
		return err
	}
	variable.Version = recVersion + 1
	variable.UpdatedAt = s.clock.Now()

	payload, err := json.Marshal(variable)
	if err != nil {
		return err
	}
	if err := s.storage.Put(key, payload, recVersion+1); err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.Append(ctx, domain.AuditEvent{
			TenantID:   tenantID,
			Type:       domain.AuditVariableSet,
			EntityKind: "variable",
			EntityID:   name,
			InstanceID: instanceID,
			Data:       map[string]interface{}{"type": string(variable.Type), "activity_id": activityID},
		})
	}
	return nil
}

// SetAll writes a map of variables into one scope.
func (s *Store) SetAll(ctx context.Context, tenantID, instanceID, activityID string, values map[string]interface{}) error {
	for name, value := range values {
		if err := s.Set(ctx, tenantID, instanceID, activityID, name, value); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one variable from the given scope, falling back to the
// instance scope when activityID is set and holds no shadowing value.
func (s *Store) Get(ctx context.Context, tenantID, instanceID, activityID, name string) (*domain.ProcessVariable, error) {
	if activityID != "" {
		variable, exists, err := s.load(tenantID, instanceID, activityID, name)
		if err != nil {
			return nil, err
		}
		if exists {
			return variable, nil
		}
	}

	variable, exists, err := s.load(tenantID, instanceID, "", name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("variable %s: %w", name, domain.ErrNotFound)
	}
	return variable, nil
}

// Delete removes one variable from the given scope.
func (s *Store) Delete(ctx context.Context, tenantID, instanceID, activityID, name string) error {
	return s.storage.Delete(domain.VariableKey(tenantID, instanceID, activityID, name))
}

// Snapshot flattens the instance's variables into a plain value map for
// condition evaluation and task handlers. Activity-scoped values for
// activityID shadow instance-scoped values; pass an empty activityID for the
// bare instance scope.
func (s *Store) Snapshot(ctx context.Context, tenantID, instanceID, activityID string) (map[string]interface{}, error) {
	entries, err := s.storage.List(domain.VariableScanPrefix(tenantID, instanceID))
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]interface{})
	activityValues := make(map[string]interface{})
	for _, entry := range entries {
		var variable domain.ProcessVariable
		if err := json.Unmarshal(entry.Value, &variable); err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", entry.Key, err)
		}
		switch variable.ActivityID {
		case "":
			snapshot[variable.Name] = variable.Value()
		case activityID:
			activityValues[variable.Name] = variable.Value()
		}
	}
	for name, value := range activityValues {
		snapshot[name] = value
	}
	return snapshot, nil
}

// List returns every variable of the instance, instance scope first.
func (s *Store) List(ctx context.Context, tenantID, instanceID string) ([]*domain.ProcessVariable, error) {
	entries, err := s.storage.List(domain.VariableScanPrefix(tenantID, instanceID))
	if err != nil {
		return nil, err
	}

	var vars []*domain.ProcessVariable
	for _, entry := range entries {
		var variable domain.ProcessVariable
		if err := json.Unmarshal(entry.Value, &variable); err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", entry.Key, err)
		}
		vars = append(vars, &variable)
	}
	return vars, nil
}

// DropInstance removes every variable of an instance. The retention sweep
// calls this after an instance passes its retention window.
func (s *Store) DropInstance(ctx context.Context, tenantID, instanceID string) error {
	entries, err := s.storage.List(domain.VariableScanPrefix(tenantID, instanceID))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Key, domain.VariableScanPrefix(tenantID, instanceID)) {
			continue
		}
		if err := s.storage.Delete(entry.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) load(tenantID, instanceID, activityID, name string) (*domain.ProcessVariable, bool, error) {
	value, _, exists, err := s.storage.Get(domain.VariableKey(tenantID, instanceID, activityID, name))
	if err != nil || !exists {
		return nil, false, err
	}

	var variable domain.ProcessVariable
	if err := json.Unmarshal(value, &variable); err != nil {
		return nil, false, fmt.Errorf("decode variable %s: %w", name, err)
	}
	return &variable, true, nil
}
