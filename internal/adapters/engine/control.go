package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// Suspend pauses an instance. Suspended instances refuse every advancement
// path until explicitly resumed.
func (e *Engine) Suspend(ctx context.Context, tenantID, instanceID string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, false, func(st *advanceState) error {
		if st.inst.Status.Terminal() {
			return domain.ErrInstanceTerminal
		}
		st.inst.Status = domain.InstanceSuspended
		e.appendAudit(ctx, domain.AuditEvent{
			TenantID:   tenantID,
			Type:       domain.AuditInstanceSuspended,
			EntityKind: "instance",
			EntityID:   instanceID,
			InstanceID: instanceID,
		})
		return nil
	})
}

// Resume lifts a suspension and immediately advances whatever became ready
// while the instance was paused.
func (e *Engine) Resume(ctx context.Context, tenantID, instanceID string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status != domain.InstanceSuspended {
			return domain.NewValidationError("status", "only suspended instances can be resumed")
		}
		st.inst.Status = domain.InstanceRunning
		e.appendAudit(ctx, domain.AuditEvent{
			TenantID:   tenantID,
			Type:       domain.AuditInstanceResumed,
			EntityKind: "instance",
			EntityID:   instanceID,
			InstanceID: instanceID,
		})
		if err := e.seedReady(st); err != nil {
			return err
		}
		return e.advance(st)
	})
}

// Terminate force-stops an instance with a reason, cascading to children.
func (e *Engine) Terminate(ctx context.Context, tenantID, instanceID, reason string) error {
	return e.endInstance(ctx, tenantID, instanceID, domain.InstanceTerminated, reason)
}

// Cancel stops an instance cooperatively, cascading to children.
func (e *Engine) Cancel(ctx context.Context, tenantID, instanceID string) error {
	return e.endInstance(ctx, tenantID, instanceID, domain.InstanceCancelled, "")
}

func (e *Engine) endInstance(ctx context.Context, tenantID, instanceID string, status domain.InstanceStatus, reason string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status.Terminal() {
			return domain.ErrInstanceTerminal
		}

		for _, id := range append([]string(nil), st.inst.Active...) {
			act, err := e.activity(st, id)
			if err != nil {
				return err
			}
			if act.Status.Terminal() {
				continue
			}
			if err := e.cancelActivity(st, act); err != nil {
				return err
			}
		}
		if e.sched != nil {
			if err := e.sched.CancelJobsForInstance(ctx, tenantID, instanceID); err != nil {
				e.logger.Warn("job cancellation failed", "instance_id", instanceID, "error", err)
			}
		}

		now := e.clock.Now()
		st.inst.Status = status
		st.inst.CompletedAt = &now
		if reason != "" {
			st.inst.Fault = reason
		}

		eventType := domain.AuditInstanceCancelled
		if status == domain.InstanceTerminated {
			eventType = domain.AuditInstanceTerminated
		}
		e.appendAudit(ctx, domain.AuditEvent{
			TenantID:   tenantID,
			Type:       eventType,
			EntityKind: "instance",
			EntityID:   instanceID,
			InstanceID: instanceID,
			Data:       map[string]interface{}{"reason": reason},
		})
		return nil
	})
}

// cancelActivity tears one open activity out of the token set: waits are
// cleaned up, a bound user task is exited, and a running child instance is
// terminated.
func (e *Engine) cancelActivity(st *advanceState, act *domain.ActivityInstance) error {
	act.Status = domain.ActivityCancelled
	act.Bookmark = ""
	if err := e.putActivity(st, act); err != nil {
		return err
	}
	st.inst.Active = removeID(st.inst.Active, act.ID)

	if err := e.cleanupWaits(st, act); err != nil {
		return err
	}
	if el, ok := st.model.Elements[act.ElementID]; ok {
		if el.Kind == domain.ElementTask && el.TaskKind == domain.TaskUser && e.tasks != nil {
			if err := e.tasks.ExitForActivity(st.ctx, act.TenantID, act.ID); err != nil {
				e.logger.Warn("task exit failed", "activity_id", act.ID, "error", err)
			}
		}
	}
	if act.ChildInstanceID != "" {
		err := e.Terminate(st.ctx, act.TenantID, act.ChildInstanceID, "parent instance ended")
		if err != nil && !errors.Is(err, domain.ErrInstanceTerminal) && !domain.IsNotFound(err) {
			e.logger.Warn("child termination failed", "child_id", act.ChildInstanceID, "error", err)
		}
	}

	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   act.TenantID,
		Type:       domain.AuditActivityCancelled,
		EntityKind: "activity",
		EntityID:   act.ID,
		InstanceID: act.InstanceID,
		Data:       map[string]interface{}{"element_id": act.ElementID},
	})
	return nil
}

// SetVariables writes values into the instance scope of a live instance.
func (e *Engine) SetVariables(ctx context.Context, tenantID, instanceID string, values map[string]interface{}) error {
	inst, err := e.loadInstance(tenantID, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return domain.ErrInstanceTerminal
	}
	return e.vars.SetAll(ctx, tenantID, instanceID, "", values)
}

// InstanceFilter narrows an instance query. Zero fields match everything.
type InstanceFilter struct {
	DefinitionKey string
	Status        domain.InstanceStatus
	BusinessKey   string
}

// QueryInstances returns the tenant's instances matching the filter, newest
// first, with the total match count before paging.
func (e *Engine) QueryInstances(ctx context.Context, tenantID string, filter InstanceFilter, page ports.Page) ([]*domain.ProcessInstance, int, error) {
	entries, err := e.storage.List(domain.InstanceScanPrefix(tenantID))
	if err != nil {
		return nil, 0, err
	}

	var matched []*domain.ProcessInstance
	for _, entry := range entries {
		if domain.IsChildIndexKey(entry.Key) {
			continue
		}
		var inst domain.ProcessInstance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			continue
		}
		if filter.DefinitionKey != "" && inst.DefinitionKey != filter.DefinitionKey {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.BusinessKey != "" && inst.BusinessKey != filter.BusinessKey {
			continue
		}
		inst.Version = entry.Version
		matched = append(matched, &inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	lo, hi := page.Clip(total)
	return matched[lo:hi], total, nil
}

// RetryFaulted puts a faulted instance back in motion: failed activities get
// a fresh retry budget and re-run.
func (e *Engine) RetryFaulted(ctx context.Context, tenantID, instanceID string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status != domain.InstanceFaulted {
			return domain.NewValidationError("status", "only faulted instances can be retried")
		}

		acts, err := e.Activities(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}
		for _, stored := range acts {
			if stored.Status != domain.ActivityFailed {
				continue
			}
			act, err := e.activity(st, stored.ID)
			if err != nil {
				return err
			}
			act.Status = domain.ActivityReady
			act.RetryCount = 0
			act.Error = ""
			if err := e.putActivity(st, act); err != nil {
				return err
			}
			if !containsID(st.inst.Active, act.ID) {
				st.inst.Active = append(st.inst.Active, act.ID)
			}
			st.queue = append(st.queue, act.ID)
		}

		st.inst.Status = domain.InstanceRunning
		st.inst.Fault = ""
		e.appendAudit(ctx, domain.AuditEvent{
			TenantID:   tenantID,
			Type:       domain.AuditInstanceResumed,
			EntityKind: "instance",
			EntityID:   instanceID,
			InstanceID: instanceID,
			Data:       map[string]interface{}{"after_fault": true},
		})
		return e.advance(st)
	})
}

// Sweep purges terminal instances older than the retention window, together
// with their activities, variables, tasks and subscriptions. It implements
// the stale-state sweeper contract and runs on the scheduler's sweep
// interval.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	if e.retention.CompletedTTL <= 0 {
		return nil
	}

	entries, err := e.storage.List(domain.AllInstancesPrefix())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if domain.IsChildIndexKey(entry.Key) {
			continue
		}
		var inst domain.ProcessInstance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			continue
		}
		if !inst.Status.Terminal() || inst.CompletedAt == nil {
			continue
		}
		if now.Sub(*inst.CompletedAt) < e.retention.CompletedTTL {
			continue
		}
		if err := e.purgeInstance(ctx, &inst); err != nil {
			e.logger.Error("retention purge failed", "instance_id", inst.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) purgeInstance(ctx context.Context, inst *domain.ProcessInstance) error {
	acts, err := e.Activities(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return err
	}
	for _, act := range acts {
		if err := e.removeSubscriptionsForActivity(inst.TenantID, act.ID); err != nil {
			return err
		}
		if err := e.storage.Delete(domain.ActivityKey(inst.TenantID, inst.ID, act.ID)); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}
	if err := e.vars.DropInstance(ctx, inst.TenantID, inst.ID); err != nil {
		return err
	}

	taskEntries, err := e.storage.List(domain.TaskScanPrefix(inst.TenantID))
	if err != nil {
		return err
	}
	for _, entry := range taskEntries {
		var task domain.HumanTask
		if err := json.Unmarshal(entry.Value, &task); err != nil {
			continue
		}
		if task.InstanceID != inst.ID {
			continue
		}
		if err := e.storage.Delete(entry.Key); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}

	childEntries, err := e.storage.List(domain.ChildIndexScanPrefix(inst.TenantID, inst.ID))
	if err != nil {
		return err
	}
	for _, entry := range childEntries {
		if err := e.storage.Delete(entry.Key); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}

	if err := e.leases.ForceRelease(domain.InstanceLeaseKey(inst.TenantID, inst.ID)); err != nil {
		return err
	}
	if err := e.storage.Delete(domain.InstanceKey(inst.TenantID, inst.ID)); err != nil && !domain.IsNotFound(err) {
		return err
	}
	e.logger.Info("instance purged by retention", "instance_id", inst.ID, "tenant_id", inst.TenantID)
	return nil
}
