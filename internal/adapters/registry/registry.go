// Package registry owns process definitions and their immutable versions.
// A definition is a stable tenant-scoped key; every change to the graph is a
// new version, and only the published version of a definition can be
// instantiated.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type Registry struct {
	storage ports.Storage
	clock   ports.Clock
	audit   ports.AuditSink
	logger  *slog.Logger
}

func New(storage ports.Storage, clock ports.Clock, audit ports.AuditSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Registry{
		storage: storage,
		clock:   clock,
		audit:   audit,
		logger:  logger.With("component", "registry"),
	}
}

// Create adds a new draft version for the definition key, creating the
// definition on first use and incrementing LatestVersion on every subsequent
// call. The model is validated before anything is written.
func (r *Registry) Create(ctx context.Context, tenantID, key, name string, model domain.ProcessModel, layout json.RawMessage) (*domain.ProcessVersion, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "tenant id is required")
	}
	if key == "" {
		return nil, domain.NewValidationError("key", "definition key is required")
	}
	if err := ValidateModel(&model); err != nil {
		return nil, err
	}

	now := r.clock.Now()

	def, defVersion, exists, err := r.loadDefinition(tenantID, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		def = &domain.ProcessDefinition{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Key:       key,
			Name:      name,
			CreatedAt: now,
		}
	}
	if name != "" {
		def.Name = name
	}
	def.LatestVersion++
	def.UpdatedAt = now

	version := &domain.ProcessVersion{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		DefinitionID: def.ID,
		Key:          key,
		Version:      def.LatestVersion,
		Status:       domain.VersionDraft,
		Model:        model,
		Layout:       layout,
		CreatedAt:    now,
	}

	if err := r.putVersion(version, 1); err != nil {
		return nil, err
	}
	if err := r.putDefinition(def, defVersion+1); err != nil {
		return nil, err
	}

	eventType := domain.AuditVersionCreated
	if !exists {
		eventType = domain.AuditDefinitionCreated
	}
	r.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       eventType,
		EntityKind: "process_version",
		EntityID:   version.ID,
		Data:       map[string]interface{}{"key": key, "version": version.Version},
	})

	r.logger.Info("created process version",
		"tenant_id", tenantID,
		"key", key,
		"version", version.Version)

	return version, nil
}

// Publish makes the version executable and demotes the previously published
// version to deprecated. The definition record's CAS is the commit point, so
// two racing publishes cannot both win.
func (r *Registry) Publish(ctx context.Context, tenantID, key string, versionNumber int) (*domain.ProcessVersion, error) {
	def, defVersion, exists, err := r.loadDefinition(tenantID, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("definition %s: %w", key, domain.ErrNotFound)
	}

	version, recVersion, err := r.loadVersion(tenantID, key, versionNumber)
	if err != nil {
		return nil, err
	}
	if version.Status == domain.VersionDeprecated {
		return nil, domain.NewValidationError("version", "a deprecated version cannot be republished")
	}

	now := r.clock.Now()

	if def.PublishedVersion != 0 && def.PublishedVersion != versionNumber {
		prior, priorRec, err := r.loadVersion(tenantID, key, def.PublishedVersion)
		if err != nil {
			return nil, err
		}
		prior.Status = domain.VersionDeprecated
		if err := r.putVersion(prior, priorRec+1); err != nil {
			return nil, err
		}
	}

	version.Status = domain.VersionPublished
	version.PublishedAt = &now
	if err := r.putVersion(version, recVersion+1); err != nil {
		return nil, err
	}

	def.PublishedVersion = versionNumber
	def.UpdatedAt = now
	if err := r.putDefinition(def, defVersion+1); err != nil {
		return nil, err
	}

	r.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditVersionPublished,
		EntityKind: "process_version",
		EntityID:   version.ID,
		Data:       map[string]interface{}{"key": key, "version": versionNumber},
	})

	r.logger.Info("published process version",
		"tenant_id", tenantID,
		"key", key,
		"version", versionNumber)

	return version, nil
}

// GetByKey returns the requested version, or the currently published version
// when versionNumber is zero.
func (r *Registry) GetByKey(ctx context.Context, tenantID, key string, versionNumber int) (*domain.ProcessVersion, error) {
	if versionNumber == 0 {
		def, _, exists, err := r.loadDefinition(tenantID, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("definition %s: %w", key, domain.ErrNotFound)
		}
		if def.PublishedVersion == 0 {
			return nil, fmt.Errorf("definition %s: %w", key, domain.ErrNotPublished)
		}
		versionNumber = def.PublishedVersion
	}

	version, _, err := r.loadVersion(tenantID, key, versionNumber)
	return version, err
}

// GetDefinition returns the definition record for key.
func (r *Registry) GetDefinition(ctx context.Context, tenantID, key string) (*domain.ProcessDefinition, error) {
	def, _, exists, err := r.loadDefinition(tenantID, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("definition %s: %w", key, domain.ErrNotFound)
	}
	return def, nil
}

// ListDefinitions returns every definition of the tenant.
func (r *Registry) ListDefinitions(ctx context.Context, tenantID string) ([]*domain.ProcessDefinition, error) {
	entries, err := r.storage.List(domain.DefinitionScanPrefix(tenantID))
	if err != nil {
		return nil, err
	}

	defs := make([]*domain.ProcessDefinition, 0, len(entries))
	for _, entry := range entries {
		var def domain.ProcessDefinition
		if err := json.Unmarshal(entry.Value, &def); err != nil {
			return nil, fmt.Errorf("decode definition %s: %w", entry.Key, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// ListVersions returns every version of a definition, oldest first.
func (r *Registry) ListVersions(ctx context.Context, tenantID, key string) ([]*domain.ProcessVersion, error) {
	entries, err := r.storage.List(domain.VersionScanPrefix(tenantID, key))
	if err != nil {
		return nil, err
	}

	versions := make([]*domain.ProcessVersion, 0, len(entries))
	for _, entry := range entries {
		var version domain.ProcessVersion
		if err := json.Unmarshal(entry.Value, &version); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", entry.Key, err)
		}
		versions = append(versions, &version)
	}
	return versions, nil
}

func (r *Registry) loadDefinition(tenantID, key string) (*domain.ProcessDefinition, int64, bool, error) {
	value, recVersion, exists, err := r.storage.Get(domain.DefinitionKey(tenantID, key))
	if err != nil {
		return nil, 0, false, err
	}
	if !exists {
		return nil, 0, false, nil
	}

	var def domain.ProcessDefinition
	if err := json.Unmarshal(value, &def); err != nil {
		return nil, 0, false, fmt.Errorf("decode definition %s: %w", key, err)
	}
	return &def, recVersion, true, nil
}

func (r *Registry) loadVersion(tenantID, key string, versionNumber int) (*domain.ProcessVersion, int64, error) {
	value, recVersion, exists, err := r.storage.Get(domain.VersionKey(tenantID, key, versionNumber))
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, fmt.Errorf("version %d of %s: %w", versionNumber, key, domain.ErrNotFound)
	}

	var version domain.ProcessVersion
	if err := json.Unmarshal(value, &version); err != nil {
		return nil, 0, fmt.Errorf("decode version %d of %s: %w", versionNumber, key, err)
	}
	return &version, recVersion, nil
}

func (r *Registry) putDefinition(def *domain.ProcessDefinition, recVersion int64) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return r.storage.Put(domain.DefinitionKey(def.TenantID, def.Key), payload, recVersion)
}

func (r *Registry) putVersion(version *domain.ProcessVersion, recVersion int64) error {
	payload, err := json.Marshal(version)
	if err != nil {
		return err
	}
	return r.storage.Put(domain.VersionKey(version.TenantID, version.Key, version.Version), payload, recVersion)
}

func (r *Registry) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if r.audit != nil {
		r.audit.Append(ctx, event)
	}
}
