package domain

import (
	"encoding/json"
	"time"
)

// ProcessDefinition is the stable identity of a process: a tenant-scoped key
// with a monotonically increasing version counter. PublishedVersion is zero
// until a version has been published.
type ProcessDefinition struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Key              string    `json:"key"`
	Name             string    `json:"name"`
	LatestVersion    int       `json:"latest_version"`
	PublishedVersion int       `json:"published_version,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProcessVersion is one immutable revision of a definition's graph. Only a
// published version can be instantiated.
type ProcessVersion struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	DefinitionID string          `json:"definition_id"`
	Key          string          `json:"key"`
	Version      int             `json:"version"`
	Status       VersionStatus   `json:"status"`
	Model        ProcessModel    `json:"model"`
	Layout       json.RawMessage `json:"layout,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
}

type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionPublished  VersionStatus = "published"
	VersionDeprecated VersionStatus = "deprecated"
)
