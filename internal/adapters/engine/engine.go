// Package engine is the process state machine. It advances instances through
// their graph one token at a time, always under the instance's advancement
// lease, and persists every activity transition through the versioned store.
// There is no blocking wait anywhere: an instance that cannot move is parked
// on bookmarks and a later external trigger re-enters through ResumeBookmark.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// VersionSource resolves a definition key and version number to the
// immutable model to execute.
type VersionSource interface {
	GetByKey(ctx context.Context, tenantID, key string, version int) (*domain.ProcessVersion, error)
}

// VariableStore is the slice of the variable store the engine drives.
type VariableStore interface {
	Set(ctx context.Context, tenantID, instanceID, activityID, name string, value interface{}) error
	SetAll(ctx context.Context, tenantID, instanceID, activityID string, values map[string]interface{}) error
	Snapshot(ctx context.Context, tenantID, instanceID, activityID string) (map[string]interface{}, error)
	DropInstance(ctx context.Context, tenantID, instanceID string) error
}

// Deps carries the collaborators the engine needs. Tasks and Scheduler may be
// nil in reduced embeddings; the corresponding element kinds then fail at
// execution time instead of construction time.
type Deps struct {
	Storage   ports.Storage
	Clock     ports.Clock
	Audit     ports.AuditSink
	Leases    ports.LeaseManager
	Versions  VersionSource
	Variables VariableStore
	Rules     ports.RuleEvaluator
	Tasks     ports.TaskService
	Scheduler ports.TimerScheduler
	Handlers  ports.HandlerRegistry
}

type Engine struct {
	storage   ports.Storage
	clock     ports.Clock
	audit     ports.AuditSink
	leases    ports.LeaseManager
	versions  VersionSource
	vars      VariableStore
	rules     ports.RuleEvaluator
	tasks     ports.TaskService
	sched     ports.TimerScheduler
	handlers  ports.HandlerRegistry
	config    domain.EngineConfig
	retention domain.RetentionConfig
	workerID  string
	logger    *slog.Logger
}

func New(deps Deps, config domain.EngineConfig, retention domain.RetentionConfig, workerID string, logger *slog.Logger) *Engine {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		storage:   deps.Storage,
		clock:     deps.Clock,
		audit:     deps.Audit,
		leases:    deps.Leases,
		versions:  deps.Versions,
		vars:      deps.Variables,
		rules:     deps.Rules,
		tasks:     deps.Tasks,
		sched:     deps.Scheduler,
		handlers:  deps.Handlers,
		config:    config,
		retention: retention,
		workerID:  workerID,
		logger:    logger.With("component", "engine"),
	}
}

// StartRequest starts one instance of a published process version. Version
// zero selects the currently published version.
type StartRequest struct {
	TenantID      string
	DefinitionKey string
	Version       int
	BusinessKey   string
	Variables     map[string]interface{}
	InitiatedBy   string
}

// Start creates an instance and advances it until every token is parked or
// the instance reaches a terminal status.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*domain.ProcessInstance, error) {
	if req.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "tenant is required")
	}
	if req.DefinitionKey == "" {
		return nil, domain.NewValidationError("definition_key", "definition key is required")
	}

	version, err := e.versions.GetByKey(ctx, req.TenantID, req.DefinitionKey, req.Version)
	if err != nil {
		return nil, err
	}
	if version.Status == domain.VersionDraft {
		return nil, domain.ErrNotPublished
	}

	now := e.clock.Now()
	inst := &domain.ProcessInstance{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		DefinitionKey:     req.DefinitionKey,
		DefinitionVersion: version.Version,
		VersionID:         version.ID,
		Status:            domain.InstanceRunning,
		BusinessKey:       req.BusinessKey,
		StartedBy:         req.InitiatedBy,
		StartedAt:         now,
	}
	if err := e.putInstance(inst); err != nil {
		return nil, err
	}
	if len(req.Variables) > 0 {
		if err := e.vars.SetAll(ctx, inst.TenantID, inst.ID, "", req.Variables); err != nil {
			return nil, err
		}
	}

	e.appendAudit(ctx, domain.AuditEvent{
		TenantID:   inst.TenantID,
		Type:       domain.AuditInstanceStarted,
		EntityKind: "instance",
		EntityID:   inst.ID,
		InstanceID: inst.ID,
		UserID:     req.InitiatedBy,
		Data: map[string]interface{}{
			"definition_key": inst.DefinitionKey,
			"version":        inst.DefinitionVersion,
		},
	})

	err = e.withInstanceLease(ctx, inst.TenantID, inst.ID, true, func(st *advanceState) error {
		start := st.model.StartElement()
		if start == "" {
			return domain.NewValidationError("model", "model has no start element")
		}
		if err := e.enter(st, start, ""); err != nil {
			return err
		}
		return e.advance(st)
	})
	if err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, req.TenantID, inst.ID)
}

// GetInstance loads one instance.
func (e *Engine) GetInstance(ctx context.Context, tenantID, instanceID string) (*domain.ProcessInstance, error) {
	inst, err := e.loadInstance(tenantID, instanceID)
	return inst, err
}

// Activities lists the activity instances of one instance, in entry order.
func (e *Engine) Activities(ctx context.Context, tenantID, instanceID string) ([]*domain.ActivityInstance, error) {
	entries, err := e.storage.List(domain.ActivityScanPrefix(tenantID, instanceID))
	if err != nil {
		return nil, err
	}
	acts := make([]*domain.ActivityInstance, 0, len(entries))
	for _, entry := range entries {
		var act domain.ActivityInstance
		if err := json.Unmarshal(entry.Value, &act); err != nil {
			continue
		}
		act.Version = entry.Version
		acts = append(acts, &act)
	}
	return acts, nil
}

// advanceState is the in-memory working set of one advancement pass. It lives
// only while the worker holds the instance lease.
type advanceState struct {
	ctx   context.Context
	inst  *domain.ProcessInstance
	model *domain.ProcessModel
	acts  map[string]*domain.ActivityInstance
	queue []string
	steps int
	// notifyParent controls whether a terminal child pings its parent; the
	// inline spawn path propagates directly and suppresses the ping.
	notifyParent bool
}

// withInstanceLease acquires the advancement lease, runs fn against a fresh
// load of the instance, finalizes the status and persists it, then releases.
// A lease held elsewhere surfaces as ErrLeaseHeld; callers that must not
// drop the trigger enqueue a resume job instead.
func (e *Engine) withInstanceLease(ctx context.Context, tenantID, instanceID string, notifyParent bool, fn func(st *advanceState) error) error {
	leaseKey := domain.InstanceLeaseKey(tenantID, instanceID)
	record, acquired, err := e.leases.TryAcquire(leaseKey, e.workerID, e.config.LeaseTTL, nil)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLeaseHeld
	}
	defer func() {
		if err := e.leases.Release(leaseKey, e.workerID); err != nil {
			e.logger.Warn("lease release failed", "instance_id", instanceID, "error", err)
		}
	}()

	inst, err := e.loadInstance(tenantID, instanceID)
	if err != nil {
		return err
	}
	inst.Lease = domain.Lease{
		Owner:      record.Owner,
		ExpiresAt:  record.ExpiresAt,
		Generation: record.Generation,
	}

	model, err := e.modelFor(ctx, inst)
	if err != nil {
		return err
	}

	st := &advanceState{
		ctx:          ctx,
		inst:         inst,
		model:        model,
		acts:         make(map[string]*domain.ActivityInstance),
		notifyParent: notifyParent,
	}
	if err := fn(st); err != nil {
		return err
	}
	return e.finalize(st)
}

// modelFor resolves the model an instance executes. Children of an embedded
// sub-process run the sub-model found on the spawning element; call-activity
// children run their own published version.
func (e *Engine) modelFor(ctx context.Context, inst *domain.ProcessInstance) (*domain.ProcessModel, error) {
	if inst.ParentInstanceID != "" && inst.ParentActivityID != "" {
		parentAct, err := e.loadActivity(inst.TenantID, inst.ParentInstanceID, inst.ParentActivityID)
		if err != nil {
			return nil, err
		}
		parent, err := e.loadInstance(inst.TenantID, inst.ParentInstanceID)
		if err != nil {
			return nil, err
		}
		parentModel, err := e.modelFor(ctx, parent)
		if err != nil {
			return nil, err
		}
		if el, ok := parentModel.Elements[parentAct.ElementID]; ok && el.SubProcess != nil {
			return el.SubProcess, nil
		}
	}

	version, err := e.versions.GetByKey(ctx, inst.TenantID, inst.DefinitionKey, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return &version.Model, nil
}

// advance drains the ready queue, dispatching each activity to its element's
// step function, until nothing is ready or the instance stops being
// advanceable.
func (e *Engine) advance(st *advanceState) error {
	for len(st.queue) > 0 {
		if !st.inst.Status.Advanceable() {
			return nil
		}
		st.steps++
		if st.steps > e.config.MaxAdvanceSteps {
			return e.faultInstance(st, fmt.Errorf("advancement exceeded %d steps, model is likely cyclic", e.config.MaxAdvanceSteps))
		}

		id := st.queue[0]
		st.queue = st.queue[1:]

		act, err := e.activity(st, id)
		if err != nil {
			return err
		}
		if act.Status != domain.ActivityReady {
			continue
		}
		el, ok := st.model.Elements[act.ElementID]
		if !ok {
			return e.faultInstance(st, fmt.Errorf("activity %s references unknown element %s", act.ID, act.ElementID))
		}

		act.Status = domain.ActivityActive
		if err := e.putActivity(st, act); err != nil {
			return err
		}
		if err := e.step(st, act, el); err != nil {
			return err
		}
	}
	return nil
}

// seedReady queues every activity in the token set that is ready to run.
func (e *Engine) seedReady(st *advanceState) error {
	for _, id := range st.inst.Active {
		act, err := e.activity(st, id)
		if err != nil {
			return err
		}
		if act.Status == domain.ActivityReady {
			st.queue = append(st.queue, id)
		}
	}
	return nil
}

// finalize recomputes the instance status after a pass and persists the
// record. An empty token set on a live instance means completion.
func (e *Engine) finalize(st *advanceState) error {
	inst := st.inst
	now := e.clock.Now()

	if !inst.Status.Terminal() && inst.Status != domain.InstanceSuspended {
		if len(inst.Active) == 0 {
			inst.Status = domain.InstanceCompleted
			inst.CompletedAt = &now
			e.appendAudit(st.ctx, domain.AuditEvent{
				TenantID:   inst.TenantID,
				Type:       domain.AuditInstanceCompleted,
				EntityKind: "instance",
				EntityID:   inst.ID,
				InstanceID: inst.ID,
			})
		} else {
			inst.Status = domain.InstanceWaiting
		}
	}

	if err := e.putInstance(inst); err != nil {
		return err
	}

	if inst.Status.Terminal() && inst.ParentInstanceID != "" && st.notifyParent {
		e.enqueueParentResume(st.ctx, inst)
	}
	return nil
}

// enqueueParentResume pings the parent instance that one of its children
// reached a terminal status. Delivery goes through a job so the ping survives
// a busy parent lease.
func (e *Engine) enqueueParentResume(ctx context.Context, child *domain.ProcessInstance) {
	if e.sched == nil {
		return
	}
	payload, err := json.Marshal(domain.ResumePayload{
		InstanceID: child.ParentInstanceID,
		Bookmark:   domain.ChildInstanceBookmark(child.ParentActivityID),
	})
	if err != nil {
		return
	}
	job := &domain.AsyncJob{
		TenantID:   child.TenantID,
		Kind:       domain.JobResumeInstance,
		InstanceID: child.ParentInstanceID,
		Payload:    payload,
	}
	if err := e.sched.EnqueueJob(ctx, job); err != nil {
		e.logger.Error("parent resume enqueue failed",
			"child_id", child.ID,
			"parent_id", child.ParentInstanceID,
			"error", err,
		)
	}
}

// faultInstance is the terminal failure path: the instance stops advancing
// and stays queryable until an operator retries or terminates it.
func (e *Engine) faultInstance(st *advanceState, cause error) error {
	inst := st.inst
	inst.Status = domain.InstanceFaulted
	inst.Fault = cause.Error()
	inst.FaultCount++
	st.queue = nil

	e.logger.Error("instance faulted", "instance_id", inst.ID, "error", cause)
	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   inst.TenantID,
		Type:       domain.AuditInstanceFaulted,
		EntityKind: "instance",
		EntityID:   inst.ID,
		InstanceID: inst.ID,
		Error:      cause.Error(),
	})
	return nil
}

func (e *Engine) loadInstance(tenantID, instanceID string) (*domain.ProcessInstance, error) {
	value, version, exists, err := e.storage.Get(domain.InstanceKey(tenantID, instanceID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	var inst domain.ProcessInstance
	if err := json.Unmarshal(value, &inst); err != nil {
		return nil, err
	}
	inst.Version = version
	return &inst, nil
}

func (e *Engine) putInstance(inst *domain.ProcessInstance) error {
	value, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	next := inst.Version + 1
	if err := e.storage.Put(domain.InstanceKey(inst.TenantID, inst.ID), value, next); err != nil {
		return err
	}
	inst.Version = next
	return nil
}

// activity returns the cached working copy of one activity instance.
func (e *Engine) activity(st *advanceState, id string) (*domain.ActivityInstance, error) {
	if act, ok := st.acts[id]; ok {
		return act, nil
	}
	act, err := e.loadActivity(st.inst.TenantID, st.inst.ID, id)
	if err != nil {
		return nil, err
	}
	st.acts[id] = act
	return act, nil
}

func (e *Engine) loadActivity(tenantID, instanceID, id string) (*domain.ActivityInstance, error) {
	value, version, exists, err := e.storage.Get(domain.ActivityKey(tenantID, instanceID, id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	var act domain.ActivityInstance
	if err := json.Unmarshal(value, &act); err != nil {
		return nil, err
	}
	act.Version = version
	return &act, nil
}

func (e *Engine) putActivity(st *advanceState, act *domain.ActivityInstance) error {
	value, err := json.Marshal(act)
	if err != nil {
		return err
	}
	next := act.Version + 1
	if err := e.storage.Put(domain.ActivityKey(act.TenantID, act.InstanceID, act.ID), value, next); err != nil {
		return err
	}
	act.Version = next
	st.acts[act.ID] = act
	return nil
}

func (e *Engine) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if e.audit != nil {
		e.audit.Append(ctx, event)
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
