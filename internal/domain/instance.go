package domain

import "time"

// ProcessInstance is one execution of a published process version. The
// Active set is the token set: the ids of activity instances that currently
// hold a token. Version is the optimistic record version checked on every
// write; Lease mirrors the advancement lease currently held on the instance.
type ProcessInstance struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	DefinitionKey     string `json:"definition_key"`
	DefinitionVersion int    `json:"definition_version"`
	VersionID         string `json:"version_id"`

	Status      InstanceStatus `json:"status"`
	BusinessKey string         `json:"business_key,omitempty"`

	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	ParentActivityID string `json:"parent_activity_id,omitempty"`

	Active    []string `json:"active,omitempty"`
	Completed []string `json:"completed,omitempty"`

	FaultCount int    `json:"fault_count,omitempty"`
	Fault      string `json:"fault,omitempty"`

	Lease   Lease `json:"lease,omitempty"`
	Version int64 `json:"version"`

	StartedBy   string     `json:"started_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type InstanceStatus string

const (
	InstanceCreated    InstanceStatus = "created"
	InstanceRunning    InstanceStatus = "running"
	InstanceWaiting    InstanceStatus = "waiting"
	InstanceSuspended  InstanceStatus = "suspended"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceCancelled  InstanceStatus = "cancelled"
	InstanceTerminated InstanceStatus = "terminated"
	InstanceFaulted    InstanceStatus = "faulted"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceCancelled, InstanceTerminated, InstanceFaulted:
		return true
	}
	return false
}

// Advanceable reports whether the engine may move tokens for an instance in
// this status. Suspended and terminal instances refuse advancement.
func (s InstanceStatus) Advanceable() bool {
	return s == InstanceCreated || s == InstanceRunning || s == InstanceWaiting
}

// ActivityInstance is one execution of one graph element within an instance.
// RetryCount is the number of failed attempts so far; it is the only
// execution counter the engine keeps.
type ActivityInstance struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	InstanceID  string `json:"instance_id"`
	ElementID   string `json:"element_id"`
	ElementName string `json:"element_name,omitempty"`

	Status ActivityStatus `json:"status"`

	RetryCount int `json:"retry_count,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	// LoopIndex is set (>= 0) for multi-instance children; -1 otherwise.
	LoopIndex        int    `json:"loop_index"`
	ParentActivityID string `json:"parent_activity_id,omitempty"`

	// ChildInstanceID links a sub-process/call activity to the instance it
	// spawned.
	ChildInstanceID string `json:"child_instance_id,omitempty"`

	// Bookmark names the resumption point while the activity waits on an
	// external trigger.
	Bookmark string `json:"bookmark,omitempty"`

	// ArrivedFlows buffers incoming flow ids at a join gateway until the
	// join can fire.
	ArrivedFlows []string `json:"arrived_flows,omitempty"`

	Error   string `json:"error,omitempty"`
	Version int64  `json:"version"`

	EnteredAt   time.Time  `json:"entered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ActivityStatus string

const (
	ActivityCreated      ActivityStatus = "created"
	ActivityReady        ActivityStatus = "ready"
	ActivityActive       ActivityStatus = "active"
	ActivityCompleting   ActivityStatus = "completing"
	ActivityCompleted    ActivityStatus = "completed"
	ActivityFailing      ActivityStatus = "failing"
	ActivityFailed       ActivityStatus = "failed"
	ActivityCompensating ActivityStatus = "compensating"
	ActivityCompensated  ActivityStatus = "compensated"
	ActivitySkipped      ActivityStatus = "skipped"
	ActivityCancelled    ActivityStatus = "cancelled"
)

// Terminal reports whether the activity reached a final state.
func (s ActivityStatus) Terminal() bool {
	switch s {
	case ActivityCompleted, ActivityFailed, ActivityCompensated, ActivitySkipped, ActivityCancelled:
		return true
	}
	return false
}
