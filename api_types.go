package flowmill

import (
	"github.com/flowmill/flowmill/internal/adapters/engine"
	"github.com/flowmill/flowmill/internal/adapters/humantask"
	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// Process model types

// ProcessModel is the executable graph a process version runs.
type ProcessModel = domain.ProcessModel

// Element is one node of a process model.
type Element = domain.Element

// SequenceFlow connects two elements, optionally guarded by a condition.
type SequenceFlow = domain.SequenceFlow

// Condition is a predicate over the instance's variables.
type Condition = domain.Condition

// RetryPolicy bounds automatic re-execution of failed tasks.
type RetryPolicy = domain.RetryPolicy

// TimerDefinition declares when a timer event fires.
type TimerDefinition = domain.TimerDefinition

// MultiInstanceDefinition spawns N copies of a body element.
type MultiInstanceDefinition = domain.MultiInstanceDefinition

type ElementKind = domain.ElementKind

const (
	ElementTask         = domain.ElementTask
	ElementGateway      = domain.ElementGateway
	ElementEvent        = domain.ElementEvent
	ElementSubProcess   = domain.ElementSubProcess
	ElementCallActivity = domain.ElementCallActivity
)

type TaskKind = domain.TaskKind

const (
	TaskUser         = domain.TaskUser
	TaskService      = domain.TaskService
	TaskScript       = domain.TaskScript
	TaskSend         = domain.TaskSend
	TaskReceive      = domain.TaskReceive
	TaskBusinessRule = domain.TaskBusinessRule
)

type GatewayKind = domain.GatewayKind

const (
	GatewayExclusive  = domain.GatewayExclusive
	GatewayParallel   = domain.GatewayParallel
	GatewayInclusive  = domain.GatewayInclusive
	GatewayEventBased = domain.GatewayEventBased
)

type EventKind = domain.EventKind

const (
	EventStart   = domain.EventStart
	EventEnd     = domain.EventEnd
	EventTimer   = domain.EventTimer
	EventMessage = domain.EventMessage
	EventSignal  = domain.EventSignal
)

// Registry types

// ProcessDefinition groups the versions deployed under one key.
type ProcessDefinition = domain.ProcessDefinition

// ProcessVersion is one immutable deployed model.
type ProcessVersion = domain.ProcessVersion

type VersionStatus = domain.VersionStatus

const (
	VersionDraft     = domain.VersionDraft
	VersionPublished = domain.VersionPublished
)

// Execution types

// ProcessInstance is one execution of a published process version.
type ProcessInstance = domain.ProcessInstance

// ActivityInstance is one execution of one model element.
type ActivityInstance = domain.ActivityInstance

type InstanceStatus = domain.InstanceStatus

const (
	InstanceRunning    = domain.InstanceRunning
	InstanceWaiting    = domain.InstanceWaiting
	InstanceSuspended  = domain.InstanceSuspended
	InstanceCompleted  = domain.InstanceCompleted
	InstanceCancelled  = domain.InstanceCancelled
	InstanceTerminated = domain.InstanceTerminated
	InstanceFaulted    = domain.InstanceFaulted
)

// StartRequest starts one instance of a published process version.
type StartRequest = engine.StartRequest

// InstanceFilter narrows an instance query; zero fields match everything.
type InstanceFilter = engine.InstanceFilter

// Human task types

// HumanTask is a unit of work waiting on a person.
type HumanTask = domain.HumanTask

// TaskAttachment is a named reference attached to a task.
type TaskAttachment = domain.TaskAttachment

// TaskFilter narrows a task query; zero fields match everything.
type TaskFilter = humantask.TaskFilter

type TaskStatus = domain.TaskStatus

const (
	TaskReady      = domain.TaskReady
	TaskReserved   = domain.TaskReserved
	TaskInProgress = domain.TaskInProgress
	TaskCompleted  = domain.TaskCompleted
	TaskFailed     = domain.TaskFailed
	TaskExited     = domain.TaskExited
)

// Rules types

// RuleSet is a named, versioned collection of prioritized rules.
type RuleSet = domain.RuleSet

// Rule pairs a condition with ordered output actions.
type Rule = domain.Rule

// RuleAction mutates the evaluation output map.
type RuleAction = domain.RuleAction

// EvaluationMode controls how many matching rules a set executes.
type EvaluationMode = domain.EvaluationMode

const (
	EvaluateAll        = domain.EvaluateAll
	EvaluateFirstMatch = domain.EvaluateFirstMatch
)

// DecisionTable is a tabular input/output matrix with a hit policy.
type DecisionTable = domain.DecisionTable

// HitPolicy governs how many decision-table rows may match.
type HitPolicy = domain.HitPolicy

const (
	HitFirst   = domain.HitFirst
	HitCollect = domain.HitCollect
)

// ModelViolation reports one static check failure in a model or rule set.
type ModelViolation = domain.ModelViolation

// Scheduler types

// ProcessTimer is a persisted wake-up for a waiting instance.
type ProcessTimer = domain.ProcessTimer

// AsyncJob is a leased unit of background work.
type AsyncJob = domain.AsyncJob

type JobKind = domain.JobKind

type JobStatus = domain.JobStatus

// Handlers and paging

// TaskHandler executes a synchronous service or script task.
type TaskHandler = ports.TaskHandler

// JobHandler executes one kind of background job.
type JobHandler = ports.JobHandler

// Page bounds a query result.
type Page = ports.Page

// Audit

// AuditEvent is one entry of the append-only audit stream.
type AuditEvent = domain.AuditEvent
