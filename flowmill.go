// Package flowmill provides an embeddable multi-tenant process orchestration
// engine for Go applications.
//
// Flowmill executes versioned process models: graphs of tasks, gateways and
// events that move work between services, business rules and people. It
// provides:
//   - Versioned process definitions with draft/published lifecycle
//   - Token-based execution with parallel, inclusive, exclusive and
//     event-based gateways
//   - Human task management with claims, delegation and candidate checks
//   - A rule engine with rule sets and decision tables
//   - Durable timers and leased background jobs with retry and dead-letter
//   - Per-instance variables, message correlation and signal broadcast
//
// Basic usage:
//
//	eng, err := flowmill.Open(&flowmill.Config{DataDir: "./data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//	eng.Start(context.Background())
//
//	eng.RegisterHandler("send-invoice", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    return map[string]interface{}{"invoiced": true}, nil
//	})
//
//	inst, err := eng.StartProcess(ctx, flowmill.StartRequest{
//	    TenantID:      "acme",
//	    DefinitionKey: "order-fulfillment",
//	    Variables:     map[string]interface{}{"orderId": "o-42"},
//	})
package flowmill

import (
	"context"
	"sync"
	"time"

	"github.com/flowmill/flowmill/internal/adapters/audit"
	"github.com/flowmill/flowmill/internal/adapters/engine"
	"github.com/flowmill/flowmill/internal/adapters/humantask"
	"github.com/flowmill/flowmill/internal/adapters/registry"
	"github.com/flowmill/flowmill/internal/adapters/rules"
	"github.com/flowmill/flowmill/internal/adapters/scheduler"
	"github.com/flowmill/flowmill/internal/adapters/storage"
	"github.com/flowmill/flowmill/internal/adapters/variables"
	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// handlerRegistry is the mutable handler table behind RegisterHandler.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ports.TaskHandler
}

func (r *handlerRegistry) Handler(name string) (ports.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *handlerRegistry) register(name string, fn ports.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Engine is the top-level handle: one store, one scheduler, and the full
// orchestration surface. All methods are safe for concurrent use.
type Engine struct {
	store    ports.Storage
	audit    *audit.Manager
	registry *registry.Registry
	vars     *variables.Store
	rules    *rules.Engine
	tasks    *humantask.Manager
	sched    *scheduler.Scheduler
	exec     *engine.Engine
	handlers *handlerRegistry
}

// Open wires an engine against the configured store. The engine is passive
// until Start is called: operations work immediately, but timers and
// background jobs only run while started.
func Open(config *Config) (*Engine, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	logger := config.Logger

	var store ports.Storage
	if config.InMemory {
		store = storage.NewMemoryStore()
	} else {
		badgerStore, err := storage.Open(config.DataDir, logger)
		if err != nil {
			return nil, err
		}
		store = badgerStore
	}

	clock := ports.SystemClock()
	auditMgr := audit.NewManager(store, clock, logger)
	reg := registry.New(store, clock, auditMgr, logger)
	vars := variables.New(store, clock, auditMgr, logger)
	ruleEng := rules.New(store, clock, logger)
	tasks := humantask.NewManager(store, clock, auditMgr, vars, logger)
	sched := scheduler.New(store, clock, auditMgr, config.Scheduler, config.WorkerID, logger)
	handlers := &handlerRegistry{handlers: make(map[string]ports.TaskHandler)}

	exec := engine.New(engine.Deps{
		Storage:   store,
		Clock:     clock,
		Audit:     auditMgr,
		Leases:    storage.NewLeaseManager(store, clock, logger),
		Versions:  reg,
		Variables: vars,
		Rules:     ruleEng,
		Tasks:     tasks,
		Scheduler: sched,
		Handlers:  handlers,
	}, config.Engine, config.Retention, config.WorkerID, logger)

	tasks.BindResumer(exec)
	tasks.BindJobQueue(sched)
	sched.RegisterJobHandler(domain.JobResumeInstance, exec.HandleResumeJob)
	sched.RegisterJobHandler(domain.JobRetryActivity, exec.HandleRetryJob)
	sched.RegisterJobHandler(domain.JobFailActivity, exec.HandleFailJob)
	sched.AddSweeper(exec)

	return &Engine{
		store:    store,
		audit:    auditMgr,
		registry: reg,
		vars:     vars,
		rules:    ruleEng,
		tasks:    tasks,
		sched:    sched,
		exec:     exec,
		handlers: handlers,
	}, nil
}

// Start launches the timer poller, the job workers and the stale-lease
// sweeps. It returns immediately; ctx cancellation stops the loops.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
}

// Stop halts the background loops and waits for in-flight jobs.
func (e *Engine) Stop() {
	e.sched.Stop()
}

// Close stops the engine and closes the underlying store.
func (e *Engine) Close() error {
	e.Stop()
	return e.store.Close()
}

// RegisterHandler binds a service/script task handler by name. Models
// reference handlers by this name; an unbound name fails the task at
// execution time.
func (e *Engine) RegisterHandler(name string, handler TaskHandler) {
	e.handlers.register(name, handler)
}

// --- process definitions ---

// DeployProcess stores a new draft version of the process under key. The
// model is validated structurally before anything is written.
func (e *Engine) DeployProcess(ctx context.Context, tenantID, key, name string, model ProcessModel, layout []byte) (*ProcessVersion, error) {
	return e.registry.Create(ctx, tenantID, key, name, model, layout)
}

// PublishProcess makes the version the one new instances start from.
func (e *Engine) PublishProcess(ctx context.Context, tenantID, key string, version int) (*ProcessVersion, error) {
	return e.registry.Publish(ctx, tenantID, key, version)
}

// GetProcessVersion resolves a version of the process; version zero selects
// the currently published one.
func (e *Engine) GetProcessVersion(ctx context.Context, tenantID, key string, version int) (*ProcessVersion, error) {
	return e.registry.GetByKey(ctx, tenantID, key, version)
}

func (e *Engine) GetProcessDefinition(ctx context.Context, tenantID, key string) (*ProcessDefinition, error) {
	return e.registry.GetDefinition(ctx, tenantID, key)
}

func (e *Engine) ListProcessDefinitions(ctx context.Context, tenantID string) ([]*ProcessDefinition, error) {
	return e.registry.ListDefinitions(ctx, tenantID)
}

func (e *Engine) ListProcessVersions(ctx context.Context, tenantID, key string) ([]*ProcessVersion, error) {
	return e.registry.ListVersions(ctx, tenantID, key)
}

// --- instances ---

// StartProcess starts one instance of a published process version and
// advances it until every token is parked or the instance finishes.
func (e *Engine) StartProcess(ctx context.Context, req StartRequest) (*ProcessInstance, error) {
	return e.exec.Start(ctx, req)
}

func (e *Engine) GetInstance(ctx context.Context, tenantID, instanceID string) (*ProcessInstance, error) {
	return e.exec.GetInstance(ctx, tenantID, instanceID)
}

func (e *Engine) QueryInstances(ctx context.Context, tenantID string, filter InstanceFilter, page Page) ([]*ProcessInstance, int, error) {
	return e.exec.QueryInstances(ctx, tenantID, filter, page)
}

// InstanceActivities lists the activity instances of one instance.
func (e *Engine) InstanceActivities(ctx context.Context, tenantID, instanceID string) ([]*ActivityInstance, error) {
	return e.exec.Activities(ctx, tenantID, instanceID)
}

// InstanceVariables returns the instance-scope variable snapshot.
func (e *Engine) InstanceVariables(ctx context.Context, tenantID, instanceID string) (map[string]interface{}, error) {
	return e.vars.Snapshot(ctx, tenantID, instanceID, "")
}

// SetInstanceVariables writes values into the instance scope of a live
// instance.
func (e *Engine) SetInstanceVariables(ctx context.Context, tenantID, instanceID string, values map[string]interface{}) error {
	return e.exec.SetVariables(ctx, tenantID, instanceID, values)
}

// SuspendInstance freezes advancement; external triggers are rejected until
// the instance is resumed.
func (e *Engine) SuspendInstance(ctx context.Context, tenantID, instanceID string) error {
	return e.exec.Suspend(ctx, tenantID, instanceID)
}

func (e *Engine) ResumeInstance(ctx context.Context, tenantID, instanceID string) error {
	return e.exec.Resume(ctx, tenantID, instanceID)
}

func (e *Engine) CancelInstance(ctx context.Context, tenantID, instanceID string) error {
	return e.exec.Cancel(ctx, tenantID, instanceID)
}

func (e *Engine) TerminateInstance(ctx context.Context, tenantID, instanceID, reason string) error {
	return e.exec.Terminate(ctx, tenantID, instanceID, reason)
}

// RetryFaultedInstance gives the failed activities of a faulted instance a
// fresh retry budget and puts the instance back in motion.
func (e *Engine) RetryFaultedInstance(ctx context.Context, tenantID, instanceID string) error {
	return e.exec.RetryFaulted(ctx, tenantID, instanceID)
}

// --- messaging ---

// CorrelateMessage delivers a message to the instances waiting on the exact
// correlation derived from the business key and the correlation values. It
// returns how many waiters were woken.
func (e *Engine) CorrelateMessage(ctx context.Context, tenantID, messageName, businessKey string, correlationKeys map[string]interface{}, variables map[string]interface{}) (int, error) {
	return e.exec.CorrelateMessage(ctx, tenantID, messageName, businessKey, correlationKeys, variables)
}

// SendSignal broadcasts to every instance in the tenant waiting on the
// signal name.
func (e *Engine) SendSignal(ctx context.Context, tenantID, signalName string, variables map[string]interface{}) (int, error) {
	return e.exec.SendSignal(ctx, tenantID, signalName, variables)
}

// --- human tasks ---

func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (*HumanTask, error) {
	return e.tasks.Get(ctx, tenantID, taskID)
}

func (e *Engine) QueryTasks(ctx context.Context, tenantID string, filter TaskFilter, page Page) ([]*HumanTask, int, error) {
	return e.tasks.Query(ctx, tenantID, filter, page)
}

// ClaimTask reserves the task for userID. Groups and roles feed the
// candidate check.
func (e *Engine) ClaimTask(ctx context.Context, tenantID, taskID, userID string, groups, roles []string) (*HumanTask, error) {
	return e.tasks.Claim(ctx, tenantID, taskID, userID, groups, roles)
}

func (e *Engine) UnclaimTask(ctx context.Context, tenantID, taskID, userID string) (*HumanTask, error) {
	return e.tasks.Unclaim(ctx, tenantID, taskID, userID)
}

func (e *Engine) AssignTask(ctx context.Context, tenantID, taskID, userID, assignee string) (*HumanTask, error) {
	return e.tasks.Assign(ctx, tenantID, taskID, userID, assignee)
}

func (e *Engine) DelegateTask(ctx context.Context, tenantID, taskID, userID, delegate string) (*HumanTask, error) {
	return e.tasks.Delegate(ctx, tenantID, taskID, userID, delegate)
}

func (e *Engine) StartTask(ctx context.Context, tenantID, taskID, userID string) (*HumanTask, error) {
	return e.tasks.Start(ctx, tenantID, taskID, userID)
}

// CompleteTask finishes the task and resumes the waiting instance with the
// given variables.
func (e *Engine) CompleteTask(ctx context.Context, tenantID, taskID, userID, outcome string, variables map[string]interface{}) (*HumanTask, error) {
	return e.tasks.Complete(ctx, tenantID, taskID, userID, outcome, variables)
}

// FailTask reports the task as failed; the owning activity's retry policy
// decides what happens next.
func (e *Engine) FailTask(ctx context.Context, tenantID, taskID, userID, reason string) (*HumanTask, error) {
	return e.tasks.Fail(ctx, tenantID, taskID, userID, reason)
}

func (e *Engine) AddTaskComment(ctx context.Context, tenantID, taskID, userID, comment string) (*HumanTask, error) {
	return e.tasks.AddComment(ctx, tenantID, taskID, userID, comment)
}

func (e *Engine) AddTaskAttachment(ctx context.Context, tenantID, taskID, userID string, attachment TaskAttachment) (*HumanTask, error) {
	return e.tasks.AddAttachment(ctx, tenantID, taskID, userID, attachment)
}

func (e *Engine) SetTaskPriority(ctx context.Context, tenantID, taskID, userID string, priority int) (*HumanTask, error) {
	return e.tasks.SetPriority(ctx, tenantID, taskID, userID, priority)
}

func (e *Engine) SetTaskDueDate(ctx context.Context, tenantID, taskID, userID string, due time.Time) (*HumanTask, error) {
	return e.tasks.SetDueDate(ctx, tenantID, taskID, userID, due)
}

// --- rules ---

func (e *Engine) SaveRuleSet(ctx context.Context, ruleSet *RuleSet) (*RuleSet, error) {
	return e.rules.SaveRuleSet(ctx, ruleSet)
}

func (e *Engine) GetRuleSet(ctx context.Context, tenantID, key string) (*RuleSet, error) {
	return e.rules.GetRuleSet(ctx, tenantID, key)
}

func (e *Engine) DeleteRuleSet(ctx context.Context, tenantID, key string) error {
	return e.rules.DeleteRuleSet(ctx, tenantID, key)
}

// EvaluateRules runs the rule set against the facts and returns the output
// map. Evaluation never mutates process state.
func (e *Engine) EvaluateRules(ctx context.Context, tenantID, ruleSetKey string, facts map[string]interface{}) (map[string]interface{}, error) {
	return e.rules.Evaluate(ctx, tenantID, ruleSetKey, facts)
}

// ValidateRuleSet statically checks a stored rule set. An empty violation
// list means the set is safe to evaluate.
func (e *Engine) ValidateRuleSet(ctx context.Context, tenantID, ruleSetKey string) ([]ModelViolation, error) {
	return e.rules.Validate(ctx, tenantID, ruleSetKey)
}

func (e *Engine) SaveDecisionTable(ctx context.Context, table *DecisionTable) (*DecisionTable, error) {
	return e.rules.SaveDecisionTable(ctx, table)
}

func (e *Engine) GetDecisionTable(ctx context.Context, tenantID, key string) (*DecisionTable, error) {
	return e.rules.GetDecisionTable(ctx, tenantID, key)
}

func (e *Engine) DeleteDecisionTable(ctx context.Context, tenantID, key string) error {
	return e.rules.DeleteDecisionTable(ctx, tenantID, key)
}

// Decide evaluates the decision table against the facts under its hit
// policy.
func (e *Engine) Decide(ctx context.Context, tenantID, tableKey string, facts map[string]interface{}) (map[string]interface{}, error) {
	return e.rules.Decide(ctx, tenantID, tableKey, facts)
}

// --- timers and jobs ---

func (e *Engine) GetTimer(ctx context.Context, tenantID, timerID string) (*ProcessTimer, error) {
	return e.sched.GetTimer(ctx, tenantID, timerID)
}

func (e *Engine) GetJob(ctx context.Context, tenantID, jobID string) (*AsyncJob, error) {
	return e.sched.GetJob(ctx, tenantID, jobID)
}

// RetryDeadLetterJob requeues a dead-lettered job with a fresh retry budget.
func (e *Engine) RetryDeadLetterJob(ctx context.Context, tenantID, jobID string) (*AsyncJob, error) {
	return e.sched.RetryDeadLetter(ctx, tenantID, jobID)
}

// EnqueueJob schedules a custom background job; its kind must have a handler
// registered through RegisterJobHandler.
func (e *Engine) EnqueueJob(ctx context.Context, job *AsyncJob) error {
	return e.sched.EnqueueJob(ctx, job)
}

// RegisterJobHandler binds a handler for a custom job kind. Built-in kinds
// are wired at Open time.
func (e *Engine) RegisterJobHandler(kind JobKind, handler JobHandler) {
	e.sched.RegisterJobHandler(kind, handler)
}

// --- audit ---

// AuditTrail replays the tenant's audit events in append order.
func (e *Engine) AuditTrail(ctx context.Context, tenantID string) ([]AuditEvent, error) {
	return e.audit.Replay(ctx, tenantID)
}

// SubscribeAudit streams audit events as they are appended. The returned
// cancel function must be called to release the subscription.
func (e *Engine) SubscribeAudit() (<-chan AuditEvent, func()) {
	return e.audit.Subscribe()
}
