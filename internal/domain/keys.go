package domain

import "fmt"

// Storage keys are tenant-prefixed so one store serves many tenants and a
// prefix scan never crosses a tenant boundary.
const (
	definitionPrefix = "definition:"
	versionPrefix    = "version:"
	versionIdxPrefix = "version:bykey:"
	instancePrefix   = "instance:"
	childIdxPrefix   = "instance:children:"
	activityPrefix   = "activity:"
	variablePrefix   = "variable:"
	taskPrefix       = "task:"
	timerPrefix      = "timer:"
	jobPrefix        = "job:"
	ruleSetPrefix    = "ruleset:"
	tablePrefix      = "dtable:"
	msgSubPrefix     = "msgsub:"
	sigSubPrefix     = "sigsub:"
	auditPrefix      = "audit:"
	leasePrefix      = "lease:"
)

func DefinitionKey(tenantID, key string) string {
	return definitionPrefix + tenantID + ":" + key
}

func DefinitionScanPrefix(tenantID string) string {
	return definitionPrefix + tenantID + ":"
}

// VersionKey addresses one immutable process version by definition key and
// version number.
func VersionKey(tenantID, key string, version int) string {
	return fmt.Sprintf("%s%s:%s:%06d", versionIdxPrefix, tenantID, key, version)
}

func VersionScanPrefix(tenantID, key string) string {
	return versionIdxPrefix + tenantID + ":" + key + ":"
}

// AllInstancesPrefix scans instances across every tenant; the retention
// sweep uses it. Child index records share the prefix and must be skipped
// with IsChildIndexKey.
func AllInstancesPrefix() string {
	return instancePrefix
}

func IsChildIndexKey(key string) bool {
	return len(key) >= len(childIdxPrefix) && key[:len(childIdxPrefix)] == childIdxPrefix
}

func InstanceKey(tenantID, id string) string {
	return instancePrefix + tenantID + ":" + id
}

func InstanceScanPrefix(tenantID string) string {
	return instancePrefix + tenantID + ":"
}

// ChildIndexKey records a parent/child instance link for recursive
// cancellation.
func ChildIndexKey(tenantID, parentID, childID string) string {
	return childIdxPrefix + tenantID + ":" + parentID + ":" + childID
}

func ChildIndexScanPrefix(tenantID, parentID string) string {
	return childIdxPrefix + tenantID + ":" + parentID + ":"
}

func ActivityKey(tenantID, instanceID, id string) string {
	return activityPrefix + tenantID + ":" + instanceID + ":" + id
}

func ActivityScanPrefix(tenantID, instanceID string) string {
	return activityPrefix + tenantID + ":" + instanceID + ":"
}

// VariableKey scopes a variable to an instance, or to one activity when
// activityID is non-empty. The bare instance scope uses "-" so scans remain
// unambiguous.
func VariableKey(tenantID, instanceID, activityID, name string) string {
	scope := activityID
	if scope == "" {
		scope = "-"
	}
	return variablePrefix + tenantID + ":" + instanceID + ":" + scope + ":" + name
}

func VariableScanPrefix(tenantID, instanceID string) string {
	return variablePrefix + tenantID + ":" + instanceID + ":"
}

func TaskKey(tenantID, id string) string {
	return taskPrefix + tenantID + ":" + id
}

func TaskScanPrefix(tenantID string) string {
	return taskPrefix + tenantID + ":"
}

// AllTimersPrefix scans timers across every tenant; only the scheduler's
// pollers use it.
func AllTimersPrefix() string {
	return timerPrefix
}

// AllJobsPrefix scans jobs across every tenant; only the scheduler's pollers
// use it.
func AllJobsPrefix() string {
	return jobPrefix
}

func TimerKey(tenantID, id string) string {
	return timerPrefix + tenantID + ":" + id
}

func TimerScanPrefix(tenantID string) string {
	return timerPrefix + tenantID + ":"
}

func JobKey(tenantID, id string) string {
	return jobPrefix + tenantID + ":" + id
}

func JobScanPrefix(tenantID string) string {
	return jobPrefix + tenantID + ":"
}

func RuleSetKey(tenantID, key string) string {
	return ruleSetPrefix + tenantID + ":" + key
}

func DecisionTableKey(tenantID, key string) string {
	return tablePrefix + tenantID + ":" + key
}

// MessageSubscriptionKey registers a waiting activity under its message name
// and derived correlation key.
func MessageSubscriptionKey(tenantID, messageName, correlationKey, activityID string) string {
	return msgSubPrefix + tenantID + ":" + messageName + ":" + correlationKey + ":" + activityID
}

func MessageSubscriptionScanPrefix(tenantID, messageName, correlationKey string) string {
	return msgSubPrefix + tenantID + ":" + messageName + ":" + correlationKey + ":"
}

// MessageSubscriptionTenantPrefix scans every message subscription in a
// tenant, used when tearing down a waiting activity whose correlation key is
// no longer derivable.
func MessageSubscriptionTenantPrefix(tenantID string) string {
	return msgSubPrefix + tenantID + ":"
}

func SignalSubscriptionTenantPrefix(tenantID string) string {
	return sigSubPrefix + tenantID + ":"
}

// SignalSubscriptionKey registers a waiting activity under a signal name.
func SignalSubscriptionKey(tenantID, signalName, activityID string) string {
	return sigSubPrefix + tenantID + ":" + signalName + ":" + activityID
}

func SignalSubscriptionScanPrefix(tenantID, signalName string) string {
	return sigSubPrefix + tenantID + ":" + signalName + ":"
}

// AuditKey orders audit events by a monotonic per-store sequence.
func AuditKey(tenantID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", auditPrefix, tenantID, seq)
}

func AuditScanPrefix(tenantID string) string {
	return auditPrefix + tenantID + ":"
}

// InstanceLeaseKey is the lease record guarding instance advancement.
func InstanceLeaseKey(tenantID, instanceID string) string {
	return leasePrefix + "instance:" + tenantID + ":" + instanceID
}
