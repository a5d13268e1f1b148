package domain

import "time"

// ProcessModel is the serialized graph a process version executes. Elements
// and flows are flat tables addressed by string id so a model can be stored,
// diffed and reloaded without reconstructing pointer cycles.
type ProcessModel struct {
	Elements map[string]Element `json:"elements"`
	Flows    []SequenceFlow     `json:"flows"`
}

// Element is one node of the graph. Kind is a closed tagged variant: exactly
// one of the sub-kind fields is meaningful for a given Kind.
type Element struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Kind ElementKind `json:"kind"`

	TaskKind    TaskKind    `json:"task_kind,omitempty"`
	GatewayKind GatewayKind `json:"gateway_kind,omitempty"`
	EventKind   EventKind   `json:"event_kind,omitempty"`

	// Task configuration.
	Handler        string       `json:"handler,omitempty"`
	RuleSetKey     string       `json:"rule_set_key,omitempty"`
	ResultVariable string       `json:"result_variable,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`

	// User task configuration.
	Assignee        string        `json:"assignee,omitempty"`
	CandidateUsers  []string      `json:"candidate_users,omitempty"`
	CandidateGroups []string      `json:"candidate_groups,omitempty"`
	CandidateRoles  []string      `json:"candidate_roles,omitempty"`
	Priority        int           `json:"priority,omitempty"`
	DueIn           time.Duration `json:"due_in,omitempty"`

	// Message/signal events and send/receive tasks.
	MessageName          string   `json:"message_name,omitempty"`
	SignalName           string   `json:"signal_name,omitempty"`
	CorrelationVariables []string `json:"correlation_variables,omitempty"`

	// Timer events.
	Timer *TimerDefinition `json:"timer,omitempty"`

	// Gateways.
	DefaultFlow string `json:"default_flow,omitempty"`

	// Embedded sub-process body and call activity target.
	SubProcess       *ProcessModel `json:"sub_process,omitempty"`
	CalledProcessKey string        `json:"called_process_key,omitempty"`

	// Multi-instance body.
	MultiInstance *MultiInstanceDefinition `json:"multi_instance,omitempty"`
}

// SequenceFlow connects two elements. Condition is only consulted on flows
// leaving exclusive and inclusive gateways.
type SequenceFlow struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
}

type ElementKind string

const (
	ElementTask         ElementKind = "task"
	ElementGateway      ElementKind = "gateway"
	ElementEvent        ElementKind = "event"
	ElementSubProcess   ElementKind = "sub_process"
	ElementCallActivity ElementKind = "call_activity"
)

type TaskKind string

const (
	TaskUser         TaskKind = "user"
	TaskService      TaskKind = "service"
	TaskScript       TaskKind = "script"
	TaskSend         TaskKind = "send"
	TaskReceive      TaskKind = "receive"
	TaskBusinessRule TaskKind = "business_rule"
)

type GatewayKind string

const (
	GatewayExclusive  GatewayKind = "exclusive"
	GatewayParallel   GatewayKind = "parallel"
	GatewayInclusive  GatewayKind = "inclusive"
	GatewayEventBased GatewayKind = "event_based"
)

type EventKind string

const (
	EventStart   EventKind = "start"
	EventEnd     EventKind = "end"
	EventTimer   EventKind = "timer"
	EventMessage EventKind = "message"
	EventSignal  EventKind = "signal"
)

// RetryPolicy bounds automatic re-execution of a failed task.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
}

// MultiInstanceDefinition spawns N copies of the body element, each with its
// own loop counter. CompletionCount of zero means all instances must finish.
type MultiInstanceDefinition struct {
	CollectionVariable string `json:"collection_variable,omitempty"`
	Cardinality        int    `json:"cardinality,omitempty"`
	CompletionCount    int    `json:"completion_count,omitempty"`
	ItemVariable       string `json:"item_variable,omitempty"`
}

// TimerDefinition declares when a timer event fires: at a fixed date, after a
// duration, or on a recurrence cycle (ISO-8601 repeating interval).
type TimerDefinition struct {
	Kind          TimerKind     `json:"kind"`
	Date          *time.Time    `json:"date,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Cycle         string        `json:"cycle,omitempty"`
	MaxExecutions int           `json:"max_executions,omitempty"`
}

// Outgoing returns the flows leaving the element, in definition order.
func (m *ProcessModel) Outgoing(elementID string) []SequenceFlow {
	var flows []SequenceFlow
	for _, f := range m.Flows {
		if f.Source == elementID {
			flows = append(flows, f)
		}
	}
	return flows
}

// Incoming returns the flows arriving at the element, in definition order.
func (m *ProcessModel) Incoming(elementID string) []SequenceFlow {
	var flows []SequenceFlow
	for _, f := range m.Flows {
		if f.Target == elementID {
			flows = append(flows, f)
		}
	}
	return flows
}

// StartElement returns the id of the single start event, or "" when the model
// has none. Models with multiple starts are rejected at validation time.
func (m *ProcessModel) StartElement() string {
	for id, el := range m.Elements {
		if el.Kind == ElementEvent && el.EventKind == EventStart {
			return id
		}
	}
	return ""
}
