package engine

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/flowmill/flowmill/internal/domain"
)

// ResumeBookmark re-enters a waiting instance at the named bookmark: the
// parked activity completes and advancement continues from it. Variables are
// written into the instance scope before the activity moves.
func (e *Engine) ResumeBookmark(ctx context.Context, tenantID, instanceID, bookmark string, variables map[string]interface{}) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status.Terminal() {
			return domain.ErrInstanceTerminal
		}
		if st.inst.Status == domain.InstanceSuspended {
			return domain.ErrInstanceSuspended
		}

		var target *domain.ActivityInstance
		for _, id := range st.inst.Active {
			act, err := e.activity(st, id)
			if err != nil {
				return err
			}
			if act.Bookmark == bookmark && act.Status == domain.ActivityActive {
				target = act
				break
			}
		}
		if target == nil {
			return domain.ErrNotFound
		}

		if len(variables) > 0 {
			if err := e.vars.SetAll(ctx, tenantID, instanceID, "", variables); err != nil {
				return err
			}
		}
		target.Bookmark = ""
		if err := e.cleanupWaits(st, target); err != nil {
			return err
		}
		if err := e.cancelRaceSiblings(st, target); err != nil {
			return err
		}

		el, ok := st.model.Elements[target.ElementID]
		if !ok {
			return e.faultInstance(st, fmt.Errorf("activity %s references unknown element %s", target.ID, target.ElementID))
		}
		if el.Kind == domain.ElementSubProcess || el.Kind == domain.ElementCallActivity {
			child, err := e.loadInstance(tenantID, target.ChildInstanceID)
			if err != nil {
				return err
			}
			if !child.Status.Terminal() {
				// spurious ping, the child is still running
				target.Bookmark = domain.ChildInstanceBookmark(target.ID)
				return e.putActivity(st, target)
			}
			if err := e.childFinished(st, target, el, child); err != nil {
				return err
			}
		} else {
			if err := e.completeActivity(st, target, st.model.Outgoing(el.ID)); err != nil {
				return err
			}
		}
		return e.advance(st)
	})
}

// FailActivity records an externally reported activity failure, for example
// a human task explicitly failed, and routes it through the retry budget.
func (e *Engine) FailActivity(ctx context.Context, tenantID, instanceID, activityID string, cause error) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status.Terminal() {
			return domain.ErrInstanceTerminal
		}
		act, err := e.activity(st, activityID)
		if err != nil {
			return err
		}
		if act.Status.Terminal() {
			return nil
		}
		act.Bookmark = ""
		if err := e.cleanupWaits(st, act); err != nil {
			return err
		}
		el, ok := st.model.Elements[act.ElementID]
		if !ok {
			return e.faultInstance(st, fmt.Errorf("activity %s references unknown element %s", act.ID, act.ElementID))
		}
		if err := e.failStep(st, act, el, cause, true); err != nil {
			return err
		}
		return e.advance(st)
	})
}

// RetryActivity re-runs an activity that is parked on its retry bookmark.
// The scheduler's retry jobs land here; stale or duplicate deliveries are
// no-ops.
func (e *Engine) RetryActivity(ctx context.Context, tenantID, instanceID, activityID string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if st.inst.Status.Terminal() {
			return nil
		}
		if st.inst.Status == domain.InstanceSuspended {
			return domain.ErrInstanceSuspended
		}
		act, err := e.activity(st, activityID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}
		if act.Status != domain.ActivityActive || act.Bookmark != domain.RetryBookmark(act.ID) {
			return nil
		}
		act.Bookmark = ""
		act.Status = domain.ActivityReady
		if err := e.putActivity(st, act); err != nil {
			return err
		}
		st.queue = append(st.queue, act.ID)
		return e.advance(st)
	})
}

// Kick seeds and advances whatever is ready in the instance without an
// explicit bookmark, used by deferred resume jobs.
func (e *Engine) Kick(ctx context.Context, tenantID, instanceID string) error {
	return e.withInstanceLease(ctx, tenantID, instanceID, true, func(st *advanceState) error {
		if !st.inst.Status.Advanceable() {
			return nil
		}
		if err := e.seedReady(st); err != nil {
			return err
		}
		return e.advance(st)
	})
}

// CorrelateMessage resumes every subscription registered under the exact
// correlation key derived from the business key and the given correlation
// values. It returns how many waiters were woken or scheduled to wake.
func (e *Engine) CorrelateMessage(ctx context.Context, tenantID, messageName, businessKey string, correlationKeys map[string]interface{}, variables map[string]interface{}) (int, error) {
	names := make([]string, 0, len(correlationKeys))
	for name := range correlationKeys {
		names = append(names, name)
	}
	key := domain.DeriveCorrelationKey(businessKey, names, correlationKeys)

	entries, err := e.storage.List(domain.MessageSubscriptionScanPrefix(tenantID, messageName, key))
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, entry := range entries {
		var sub domain.EventSubscription
		if err := json.Unmarshal(entry.Value, &sub); err != nil {
			continue
		}
		if e.resumeSubscription(ctx, entry.Key, sub, variables) {
			resumed++
		}
	}

	e.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditMessageCorrelated,
		EntityKind: "message",
		EntityID:   messageName,
		Data:       map[string]interface{}{"correlation_key": key, "resumed": resumed},
	})
	return resumed, nil
}

// SendSignal broadcasts to every instance in the tenant currently waiting on
// the signal name.
func (e *Engine) SendSignal(ctx context.Context, tenantID, signalName string, variables map[string]interface{}) (int, error) {
	entries, err := e.storage.List(domain.SignalSubscriptionScanPrefix(tenantID, signalName))
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, entry := range entries {
		var sub domain.EventSubscription
		if err := json.Unmarshal(entry.Value, &sub); err != nil {
			continue
		}
		if e.resumeSubscription(ctx, entry.Key, sub, variables) {
			resumed++
		}
	}

	e.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditSignalBroadcast,
		EntityKind: "signal",
		EntityID:   signalName,
		Data:       map[string]interface{}{"resumed": resumed},
	})
	return resumed, nil
}

// resumeSubscription wakes one waiting activity. A busy instance lease is
// not a failure: the wake-up is handed to a resume job so the trigger
// survives the race. Stale subscriptions are deleted in place.
func (e *Engine) resumeSubscription(ctx context.Context, key string, sub domain.EventSubscription, variables map[string]interface{}) bool {
	err := e.ResumeBookmark(ctx, sub.TenantID, sub.InstanceID, sub.Bookmark, variables)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrLeaseHeld):
		if e.sched == nil {
			return false
		}
		payload, merr := json.Marshal(domain.ResumePayload{
			InstanceID: sub.InstanceID,
			Bookmark:   sub.Bookmark,
			Variables:  variables,
		})
		if merr != nil {
			return false
		}
		job := &domain.AsyncJob{
			TenantID:   sub.TenantID,
			Kind:       domain.JobResumeInstance,
			InstanceID: sub.InstanceID,
			Payload:    payload,
		}
		if e.sched.EnqueueJob(ctx, job) != nil {
			return false
		}
		return true
	case domain.IsNotFound(err) || errors.Is(err, domain.ErrInstanceTerminal):
		if derr := e.storage.Delete(key); derr != nil {
			e.logger.Warn("stale subscription cleanup failed", "key", key, "error", derr)
		}
		return false
	default:
		e.logger.Error("subscription resume failed",
			"instance_id", sub.InstanceID,
			"bookmark", sub.Bookmark,
			"error", err,
		)
		return false
	}
}

// cancelRaceSiblings cancels the other arms of an event-based gateway once
// one arm has resolved.
func (e *Engine) cancelRaceSiblings(st *advanceState, winner *domain.ActivityInstance) error {
	if winner.ParentActivityID == "" || winner.LoopIndex >= 0 {
		return nil
	}
	gatewayAct, err := e.loadActivity(st.inst.TenantID, st.inst.ID, winner.ParentActivityID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	gatewayEl, ok := st.model.Elements[gatewayAct.ElementID]
	if !ok || gatewayEl.GatewayKind != domain.GatewayEventBased {
		return nil
	}

	for _, id := range append([]string(nil), st.inst.Active...) {
		act, err := e.activity(st, id)
		if err != nil {
			return err
		}
		if act.ID == winner.ID || act.ParentActivityID != winner.ParentActivityID || act.Status.Terminal() {
			continue
		}
		if err := e.cancelActivity(st, act); err != nil {
			return err
		}
	}
	return nil
}

// cleanupWaits tears down whatever external triggers an activity was waiting
// on: subscriptions and scheduled timers.
func (e *Engine) cleanupWaits(st *advanceState, act *domain.ActivityInstance) error {
	if err := e.removeSubscriptionsForActivity(st.inst.TenantID, act.ID); err != nil {
		return err
	}
	if e.sched != nil {
		if err := e.sched.CancelTimersForActivity(st.ctx, st.inst.TenantID, st.inst.ID, act.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeSubscriptionsForActivity(tenantID, activityID string) error {
	for _, prefix := range []string{
		domain.MessageSubscriptionTenantPrefix(tenantID),
		domain.SignalSubscriptionTenantPrefix(tenantID),
	} {
		entries, err := e.storage.List(prefix)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var sub domain.EventSubscription
			if err := json.Unmarshal(entry.Value, &sub); err != nil {
				continue
			}
			if sub.ActivityID != activityID {
				continue
			}
			if err := e.storage.Delete(entry.Key); err != nil && !domain.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// HandleResumeJob is the scheduler handler for resume jobs. Duplicate or
// stale deliveries are swallowed; a busy lease propagates so the job retries
// with backoff.
func (e *Engine) HandleResumeJob(ctx context.Context, job *domain.AsyncJob) error {
	var payload domain.ResumePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return err
	}
	var err error
	if payload.Bookmark == "" {
		err = e.Kick(ctx, job.TenantID, payload.InstanceID)
	} else {
		err = e.ResumeBookmark(ctx, job.TenantID, payload.InstanceID, payload.Bookmark, payload.Variables)
	}
	if domain.IsNotFound(err) || errors.Is(err, domain.ErrInstanceTerminal) {
		return nil
	}
	return err
}

// HandleFailJob is the scheduler handler for deferred activity failures,
// queued when the instance lease was busy at the moment a task was failed.
func (e *Engine) HandleFailJob(ctx context.Context, job *domain.AsyncJob) error {
	var payload domain.FailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return err
	}
	err := e.FailActivity(ctx, job.TenantID, payload.InstanceID, payload.ActivityID, errors.New(payload.Reason))
	if domain.IsNotFound(err) || errors.Is(err, domain.ErrInstanceTerminal) {
		return nil
	}
	return err
}

// HandleRetryJob is the scheduler handler for activity retry jobs.
func (e *Engine) HandleRetryJob(ctx context.Context, job *domain.AsyncJob) error {
	var payload domain.ResumePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return err
	}
	err := e.RetryActivity(ctx, job.TenantID, payload.InstanceID, payload.ActivityID)
	if domain.IsNotFound(err) || errors.Is(err, domain.ErrInstanceTerminal) {
		return nil
	}
	return err
}
