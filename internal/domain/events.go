package domain

import "time"

// AuditEvent is one entry in the append-only audit stream. Every state
// transition, fault and authorization failure produces one; external
// consumers read the stream, the engine itself never rewrites it.
type AuditEvent struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Type     AuditEventType `json:"type"`

	EntityKind string `json:"entity_kind,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`

	Error string                 `json:"error,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

type AuditEventType string

const (
	AuditDefinitionCreated  AuditEventType = "definition.created"
	AuditVersionCreated     AuditEventType = "definition.version_created"
	AuditVersionPublished   AuditEventType = "definition.version_published"
	AuditInstanceStarted    AuditEventType = "instance.started"
	AuditInstanceCompleted  AuditEventType = "instance.completed"
	AuditInstanceSuspended  AuditEventType = "instance.suspended"
	AuditInstanceResumed    AuditEventType = "instance.resumed"
	AuditInstanceCancelled  AuditEventType = "instance.cancelled"
	AuditInstanceTerminated AuditEventType = "instance.terminated"
	AuditInstanceFaulted    AuditEventType = "instance.faulted"
	AuditActivityEntered    AuditEventType = "activity.entered"
	AuditActivityCompleted  AuditEventType = "activity.completed"
	AuditActivityFailed     AuditEventType = "activity.failed"
	AuditActivityCancelled  AuditEventType = "activity.cancelled"
	AuditVariableSet        AuditEventType = "variable.set"
	AuditTaskCreated        AuditEventType = "task.created"
	AuditTaskClaimed        AuditEventType = "task.claimed"
	AuditTaskUnclaimed      AuditEventType = "task.unclaimed"
	AuditTaskAssigned       AuditEventType = "task.assigned"
	AuditTaskDelegated      AuditEventType = "task.delegated"
	AuditTaskCompleted      AuditEventType = "task.completed"
	AuditTaskFailed         AuditEventType = "task.failed"
	AuditTaskUpdated        AuditEventType = "task.updated"
	AuditTimerScheduled     AuditEventType = "timer.scheduled"
	AuditTimerFired         AuditEventType = "timer.fired"
	AuditJobEnqueued        AuditEventType = "job.enqueued"
	AuditJobCompleted       AuditEventType = "job.completed"
	AuditJobRetrying        AuditEventType = "job.retrying"
	AuditJobDeadLettered    AuditEventType = "job.dead_lettered"
	AuditMessageCorrelated  AuditEventType = "message.correlated"
	AuditSignalBroadcast    AuditEventType = "signal.broadcast"
	AuditAuthFailure        AuditEventType = "authorization.failed"
)
