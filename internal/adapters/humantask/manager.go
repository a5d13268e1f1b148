// Package humantask manages the lifecycle of user tasks: creation by the
// engine, claiming and delegation by people, and completion feeding results
// back into the owning process instance. Every mutation is appended to the
// task's immutable action log and guarded by an optimistic version check, so
// two users cannot complete the same task concurrently.
package humantask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// variableWriter is the slice of the variable store task completion needs.
type variableWriter interface {
	SetAll(ctx context.Context, tenantID, instanceID, activityID string, values map[string]interface{}) error
}

// jobEnqueuer is the slice of the scheduler used to defer a resume or a
// failure when the owning instance's lease is busy.
type jobEnqueuer interface {
	EnqueueJob(ctx context.Context, job *domain.AsyncJob) error
}

type Manager struct {
	storage ports.Storage
	clock   ports.Clock
	audit   ports.AuditSink
	vars    variableWriter
	logger  *slog.Logger

	// resumer and jobs are bound after construction: the engine needs the
	// task manager, and task completion needs the engine.
	resumer ports.Resumer
	jobs    jobEnqueuer
}

func NewManager(storage ports.Storage, clock ports.Clock, audit ports.AuditSink, vars variableWriter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Manager{
		storage: storage,
		clock:   clock,
		audit:   audit,
		vars:    vars,
		logger:  logger.With("component", "task-manager"),
	}
}

// BindResumer wires the execution engine in after both sides exist.
func (m *Manager) BindResumer(resumer ports.Resumer) {
	m.resumer = resumer
}

// BindJobQueue wires the scheduler in so a completion that races a held
// instance lease is queued instead of lost.
func (m *Manager) BindJobQueue(jobs jobEnqueuer) {
	m.jobs = jobs
}

// CreateForActivity seeds a task for a user-task activity instance. Only the
// engine calls this; tasks are never created directly by callers.
func (m *Manager) CreateForActivity(ctx context.Context, inst *domain.ProcessInstance, act *domain.ActivityInstance, el domain.Element) (*domain.HumanTask, error) {
	now := m.clock.Now()

	task := &domain.HumanTask{
		ID:              uuid.NewString(),
		TenantID:        inst.TenantID,
		InstanceID:      inst.ID,
		ActivityID:      act.ID,
		Name:            el.Name,
		DefinitionKey:   inst.DefinitionKey,
		Status:          domain.TaskReady,
		Assignee:        el.Assignee,
		CandidateUsers:  append([]string(nil), el.CandidateUsers...),
		CandidateGroups: append([]string(nil), el.CandidateGroups...),
		CandidateRoles:  append([]string(nil), el.CandidateRoles...),
		Priority:        el.Priority,
		CreatedAt:       now,
	}
	if el.DueIn > 0 {
		due := now.Add(el.DueIn)
		task.DueDate = &due
	}
	if task.Assignee != "" {
		task.Status = domain.TaskReserved
	}
	task.Actions = append(task.Actions, domain.TaskAction{
		ID:   uuid.NewString(),
		Type: domain.ActionCreate,
		At:   now,
	})

	if err := m.put(task, 1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   task.TenantID,
		Type:       domain.AuditTaskCreated,
		EntityKind: "task",
		EntityID:   task.ID,
		InstanceID: task.InstanceID,
		Data:       map[string]interface{}{"name": task.Name, "activity_id": task.ActivityID},
	})
	return task, nil
}

// Get loads one task.
func (m *Manager) Get(ctx context.Context, tenantID, taskID string) (*domain.HumanTask, error) {
	task, _, err := m.load(tenantID, taskID)
	return task, err
}

// Claim reserves the task for userID. The claimant must be in the candidate
// set; callers resolve the user's groups and roles before calling.
func (m *Manager) Claim(ctx context.Context, tenantID, taskID, userID string, groups, roles []string) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status != domain.TaskReady && task.Status != domain.TaskCreated {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s cannot be claimed in status %s", taskID, task.Status))
	}
	if !task.IsCandidate(userID, groups, roles) {
		err := &domain.NotCandidateError{TaskID: taskID, UserID: userID}
		m.auditAuthFailure(ctx, task, userID, "claim", err)
		return nil, err
	}

	task.Status = domain.TaskReserved
	task.Assignee = userID
	m.appendAction(task, domain.TaskAction{Type: domain.ActionClaim, UserID: userID})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditTaskClaimed,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     userID,
	})
	return task, nil
}

// Unclaim releases a reserved task back to the candidate pool.
func (m *Manager) Unclaim(ctx context.Context, tenantID, taskID, userID string) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status != domain.TaskReserved && task.Status != domain.TaskInProgress {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s is not claimed", taskID))
	}

	previous := task.Assignee
	task.Status = domain.TaskReady
	task.Assignee = ""
	m.appendAction(task, domain.TaskAction{Type: domain.ActionUnclaim, UserID: userID, PreviousAssignee: previous})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditTaskUnclaimed,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     userID,
	})
	return task, nil
}

// Assign sets the assignee directly. This is an administrative override: no
// candidacy check is performed.
func (m *Manager) Assign(ctx context.Context, tenantID, taskID, userID, assignee string) (*domain.HumanTask, error) {
	return m.reassign(ctx, tenantID, taskID, userID, assignee, domain.ActionAssign, domain.AuditTaskAssigned)
}

// Delegate hands the task to another user, remembering the previous
// assignee as owner so the delegation chain survives for audit.
func (m *Manager) Delegate(ctx context.Context, tenantID, taskID, userID, delegate string) (*domain.HumanTask, error) {
	return m.reassign(ctx, tenantID, taskID, userID, delegate, domain.ActionDelegate, domain.AuditTaskDelegated)
}

func (m *Manager) reassign(ctx context.Context, tenantID, taskID, userID, assignee string, action domain.TaskActionType, auditType domain.AuditEventType) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s is already %s", taskID, task.Status))
	}

	previous := task.Assignee
	if action == domain.ActionDelegate && previous != "" && task.Owner == "" {
		task.Owner = previous
	}
	task.Assignee = assignee
	task.Status = domain.TaskReserved
	m.appendAction(task, domain.TaskAction{Type: action, UserID: userID, PreviousAssignee: previous})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       auditType,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     userID,
		Data:       map[string]interface{}{"assignee": assignee, "previous": previous},
	})
	return task, nil
}

// Start moves a reserved task to in-progress.
func (m *Manager) Start(ctx context.Context, tenantID, taskID, userID string) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskReserved {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s cannot be started in status %s", taskID, task.Status))
	}
	if task.Assignee != userID {
		err := &domain.NotAuthorizedError{Op: "start", UserID: userID, Reason: "task is reserved for " + task.Assignee}
		m.auditAuthFailure(ctx, task, userID, "start", err)
		return nil, err
	}

	task.Status = domain.TaskInProgress
	m.appendAction(task, domain.TaskAction{Type: domain.ActionStart, UserID: userID})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete finishes the task, writes the result variables into the owning
// instance's scope and signals the engine to resume the parked activity.
func (m *Manager) Complete(ctx context.Context, tenantID, taskID, userID, outcome string, variables map[string]interface{}) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status != domain.TaskReserved && task.Status != domain.TaskInProgress {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s cannot be completed in status %s", taskID, task.Status))
	}
	if task.Assignee != userID {
		err := &domain.NotAuthorizedError{Op: "complete", UserID: userID, Reason: "task is reserved for " + task.Assignee}
		m.auditAuthFailure(ctx, task, userID, "complete", err)
		return nil, err
	}
	if err := m.guardInstance(tenantID, task.InstanceID); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	task.Status = domain.TaskCompleted
	task.Outcome = outcome
	task.CompletedAt = &now
	m.appendAction(task, domain.TaskAction{Type: domain.ActionComplete, UserID: userID, Detail: outcome})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	if len(variables) > 0 && m.vars != nil {
		if err := m.vars.SetAll(ctx, tenantID, task.InstanceID, "", variables); err != nil {
			return nil, fmt.Errorf("write task result variables: %w", err)
		}
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditTaskCompleted,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     userID,
		Data:       map[string]interface{}{"outcome": outcome},
	})

	if m.resumer != nil {
		payload := map[string]interface{}{"outcome": outcome}
		bookmark := domain.UserTaskBookmark(task.ActivityID)
		err := m.resumer.ResumeBookmark(ctx, tenantID, task.InstanceID, bookmark, payload)
		if errors.Is(err, domain.ErrLeaseHeld) || errors.Is(err, domain.ErrInstanceSuspended) {
			err = m.deferResume(ctx, tenantID, task.InstanceID, bookmark, payload, err)
		}
		if err != nil {
			return nil, fmt.Errorf("resume instance after task completion: %w", err)
		}
	}
	return task, nil
}

// deferResume hands the wake-up to a resume job when the instance cannot be
// entered right now. The task is already completed; the job keeps the
// trigger from being lost.
func (m *Manager) deferResume(ctx context.Context, tenantID, instanceID, bookmark string, variables map[string]interface{}, cause error) error {
	if m.jobs == nil {
		return cause
	}
	payload, err := json.Marshal(domain.ResumePayload{
		InstanceID: instanceID,
		Bookmark:   bookmark,
		Variables:  variables,
	})
	if err != nil {
		return err
	}
	return m.jobs.EnqueueJob(ctx, &domain.AsyncJob{
		TenantID:   tenantID,
		Kind:       domain.JobResumeInstance,
		InstanceID: instanceID,
		Payload:    payload,
	})
}

// Fail marks the task failed and propagates the failure to the engine,
// which applies the activity's retry policy.
func (m *Manager) Fail(ctx context.Context, tenantID, taskID, userID, reason string) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskReserved && task.Status != domain.TaskInProgress {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s cannot be failed in status %s", taskID, task.Status))
	}
	if task.Assignee != userID {
		err := &domain.NotAuthorizedError{Op: "fail", UserID: userID, Reason: "task is reserved for " + task.Assignee}
		m.auditAuthFailure(ctx, task, userID, "fail", err)
		return nil, err
	}
	if err := m.guardInstance(tenantID, task.InstanceID); err != nil {
		return nil, err
	}

	task.Status = domain.TaskFailed
	m.appendAction(task, domain.TaskAction{Type: domain.ActionFail, UserID: userID, Detail: reason})

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditTaskFailed,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     userID,
		Error:      reason,
	})

	if m.resumer != nil {
		failure := fmt.Errorf("task %s failed: %s", taskID, reason)
		err := m.resumer.FailActivity(ctx, tenantID, task.InstanceID, task.ActivityID, failure)
		if errors.Is(err, domain.ErrLeaseHeld) {
			err = m.deferFail(ctx, tenantID, task.InstanceID, task.ActivityID, failure.Error(), err)
		}
		if err != nil {
			return nil, err
		}
	}
	return task, nil
}

// deferFail queues the activity failure when the instance lease is busy.
func (m *Manager) deferFail(ctx context.Context, tenantID, instanceID, activityID, reason string, cause error) error {
	if m.jobs == nil {
		return cause
	}
	payload, err := json.Marshal(domain.FailPayload{
		InstanceID: instanceID,
		ActivityID: activityID,
		Reason:     reason,
	})
	if err != nil {
		return err
	}
	return m.jobs.EnqueueJob(ctx, &domain.AsyncJob{
		TenantID:   tenantID,
		Kind:       domain.JobFailActivity,
		InstanceID: instanceID,
		Payload:    payload,
	})
}

// ExitForActivity obsoletes the open task of a cancelled activity. The
// engine calls this when an instance is cancelled or terminated.
func (m *Manager) ExitForActivity(ctx context.Context, tenantID, activityID string) error {
	entries, err := m.storage.List(domain.TaskScanPrefix(tenantID))
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var task domain.HumanTask
		if err := json.Unmarshal(entry.Value, &task); err != nil {
			continue
		}
		if task.ActivityID != activityID || task.Status.Terminal() {
			continue
		}

		task.Status = domain.TaskExited
		m.appendAction(&task, domain.TaskAction{Type: domain.ActionExit})
		if err := m.put(&task, entry.Version+1); err != nil {
			return err
		}
	}
	return nil
}

// AddComment appends a comment to the task history.
func (m *Manager) AddComment(ctx context.Context, tenantID, taskID, userID, comment string) (*domain.HumanTask, error) {
	return m.annotate(ctx, tenantID, taskID, domain.TaskAction{
		Type:    domain.ActionComment,
		UserID:  userID,
		Comment: comment,
	}, nil)
}

// AddAttachment appends an attachment reference to the task history.
func (m *Manager) AddAttachment(ctx context.Context, tenantID, taskID, userID string, attachment domain.TaskAttachment) (*domain.HumanTask, error) {
	return m.annotate(ctx, tenantID, taskID, domain.TaskAction{
		Type:       domain.ActionAttachment,
		UserID:     userID,
		Attachment: &attachment,
	}, nil)
}

// SetPriority changes the task priority.
func (m *Manager) SetPriority(ctx context.Context, tenantID, taskID, userID string, priority int) (*domain.HumanTask, error) {
	return m.annotate(ctx, tenantID, taskID, domain.TaskAction{
		Type:   domain.ActionSetPriority,
		UserID: userID,
		Detail: fmt.Sprintf("%d", priority),
	}, func(task *domain.HumanTask) {
		task.Priority = priority
	})
}

// SetDueDate changes the task due date.
func (m *Manager) SetDueDate(ctx context.Context, tenantID, taskID, userID string, due time.Time) (*domain.HumanTask, error) {
	return m.annotate(ctx, tenantID, taskID, domain.TaskAction{
		Type:   domain.ActionSetDueDate,
		UserID: userID,
		Detail: due.Format(time.RFC3339),
	}, func(task *domain.HumanTask) {
		task.DueDate = &due
	})
}

// AddCandidateUsers widens the candidate set.
func (m *Manager) AddCandidateUsers(ctx context.Context, tenantID, taskID, userID string, users ...string) (*domain.HumanTask, error) {
	return m.annotate(ctx, tenantID, taskID, domain.TaskAction{
		Type:   domain.ActionAddCandidates,
		UserID: userID,
	}, func(task *domain.HumanTask) {
		task.CandidateUsers = append(task.CandidateUsers, users...)
	})
}

func (m *Manager) annotate(ctx context.Context, tenantID, taskID string, action domain.TaskAction, mutate func(*domain.HumanTask)) (*domain.HumanTask, error) {
	task, recVersion, err := m.load(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("task %s is already %s", taskID, task.Status))
	}

	if mutate != nil {
		mutate(task)
	}
	m.appendAction(task, action)

	if err := m.put(task, recVersion+1); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditTaskUpdated,
		EntityKind: "task",
		EntityID:   taskID,
		InstanceID: task.InstanceID,
		UserID:     action.UserID,
		Data:       map[string]interface{}{"action": string(action.Type)},
	})
	return task, nil
}

// guardInstance refuses task mutations whose owning instance can no longer
// accept them, before any task state is written.
func (m *Manager) guardInstance(tenantID, instanceID string) error {
	value, _, exists, err := m.storage.Get(domain.InstanceKey(tenantID, instanceID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
	}

	var inst domain.ProcessInstance
	if err := json.Unmarshal(value, &inst); err != nil {
		return fmt.Errorf("decode instance %s: %w", instanceID, err)
	}
	if inst.Status.Terminal() {
		return domain.ErrInstanceTerminal
	}
	if inst.Status == domain.InstanceSuspended {
		return domain.ErrInstanceSuspended
	}
	return nil
}

func (m *Manager) load(tenantID, taskID string) (*domain.HumanTask, int64, error) {
	value, recVersion, exists, err := m.storage.Get(domain.TaskKey(tenantID, taskID))
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	var task domain.HumanTask
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, 0, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, recVersion, nil
}

func (m *Manager) put(task *domain.HumanTask, recVersion int64) error {
	task.Version = recVersion
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return m.storage.Put(domain.TaskKey(task.TenantID, task.ID), payload, recVersion)
}

func (m *Manager) appendAction(task *domain.HumanTask, action domain.TaskAction) {
	action.ID = uuid.NewString()
	action.At = m.clock.Now()
	task.Actions = append(task.Actions, action)
}

func (m *Manager) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if m.audit != nil {
		m.audit.Append(ctx, event)
	}
}

func (m *Manager) auditAuthFailure(ctx context.Context, task *domain.HumanTask, userID, op string, cause error) {
	m.appendAudit(ctx, domain.AuditEvent{
		TenantID:   task.TenantID,
		Type:       domain.AuditAuthFailure,
		EntityKind: "task",
		EntityID:   task.ID,
		InstanceID: task.InstanceID,
		UserID:     userID,
		Error:      cause.Error(),
		Data:       map[string]interface{}{"operation": op},
	})
}
