package engine

import (
	"context"
	"fmt"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
)

// stepMultiInstance spawns one loop child per item (or per cardinality slot)
// and parks the body activity until the completion policy is met.
func (e *Engine) stepMultiInstance(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	mi := el.MultiInstance

	var items []interface{}
	count := mi.Cardinality
	if mi.CollectionVariable != "" {
		facts, err := e.snapshot(st)
		if err != nil {
			return err
		}
		items, _ = facts[mi.CollectionVariable].([]interface{})
		count = len(items)
	}
	if count <= 0 {
		return e.completeActivity(st, act, st.model.Outgoing(el.ID))
	}

	for i := 0; i < count; i++ {
		child, err := e.createActivity(st, el, i, act.ID, true)
		if err != nil {
			return err
		}
		if mi.ItemVariable != "" && i < len(items) {
			if err := e.vars.Set(st.ctx, st.inst.TenantID, st.inst.ID, child.ID, mi.ItemVariable, items[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// loopChildDone re-checks the multi-instance completion policy after one
// loop child finished. First-N policies cancel the stragglers.
func (e *Engine) loopChildDone(st *advanceState, child *domain.ActivityInstance) error {
	parent, err := e.activity(st, child.ParentActivityID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	el, ok := st.model.Elements[parent.ElementID]
	if !ok || el.MultiInstance == nil {
		return nil
	}

	siblings, err := e.loopChildren(st, parent.ID)
	if err != nil {
		return err
	}
	var completed int
	for _, s := range siblings {
		if s.Status == domain.ActivityCompleted {
			completed++
		}
	}
	needed := el.MultiInstance.CompletionCount
	if needed <= 0 || needed > len(siblings) {
		needed = len(siblings)
	}
	if completed < needed {
		return nil
	}

	for _, s := range siblings {
		if !s.Status.Terminal() {
			if err := e.cancelActivity(st, s); err != nil {
				return err
			}
		}
	}
	flows := st.model.Outgoing(parent.ElementID)
	return e.completeActivity(st, parent, flows)
}

func (e *Engine) loopChildren(st *advanceState, parentActivityID string) ([]*domain.ActivityInstance, error) {
	stored, err := e.Activities(st.ctx, st.inst.TenantID, st.inst.ID)
	if err != nil {
		return nil, err
	}
	var children []*domain.ActivityInstance
	for _, act := range stored {
		if act.ParentActivityID != parentActivityID || act.LoopIndex < 0 {
			continue
		}
		// prefer the working copy over the stored one
		if cached, ok := st.acts[act.ID]; ok {
			act = cached
		}
		children = append(children, act)
	}
	return children, nil
}

// stepSpawnChild starts a child instance for a sub-process or call activity.
// Synchronous children finish inside this call and propagate immediately;
// waiting children ping the parent through a resume job when they end.
func (e *Engine) stepSpawnChild(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	if err := e.park(st, act, domain.ChildInstanceBookmark(act.ID)); err != nil {
		return err
	}

	child := &domain.ProcessInstance{
		ID:               uuid.NewString(),
		TenantID:         st.inst.TenantID,
		Status:           domain.InstanceRunning,
		BusinessKey:      st.inst.BusinessKey,
		ParentInstanceID: st.inst.ID,
		ParentActivityID: act.ID,
		StartedBy:        st.inst.StartedBy,
		StartedAt:        e.clock.Now(),
	}
	if el.Kind == domain.ElementCallActivity {
		version, err := e.versions.GetByKey(st.ctx, st.inst.TenantID, el.CalledProcessKey, 0)
		if err != nil {
			return e.failStep(st, act, el, fmt.Errorf("call activity %s: %w", el.ID, err), false)
		}
		child.DefinitionKey = el.CalledProcessKey
		child.DefinitionVersion = version.Version
		child.VersionID = version.ID
	} else {
		child.DefinitionKey = st.inst.DefinitionKey
		child.DefinitionVersion = st.inst.DefinitionVersion
		child.VersionID = st.inst.VersionID
	}

	if err := e.putInstance(child); err != nil {
		return err
	}
	act.ChildInstanceID = child.ID
	if err := e.putActivity(st, act); err != nil {
		return err
	}
	if err := e.storage.Put(domain.ChildIndexKey(child.TenantID, st.inst.ID, child.ID), []byte(child.ID), 0); err != nil {
		return err
	}

	// The child starts from a copy of the parent's current scope.
	facts, err := e.snapshot(st)
	if err != nil {
		return err
	}
	if len(facts) > 0 {
		if err := e.vars.SetAll(st.ctx, child.TenantID, child.ID, "", facts); err != nil {
			return err
		}
	}

	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   child.TenantID,
		Type:       domain.AuditInstanceStarted,
		EntityKind: "instance",
		EntityID:   child.ID,
		InstanceID: child.ID,
		Data: map[string]interface{}{
			"definition_key":     child.DefinitionKey,
			"parent_instance_id": st.inst.ID,
		},
	})

	err = e.withInstanceLease(st.ctx, child.TenantID, child.ID, false, func(cst *advanceState) error {
		start := cst.model.StartElement()
		if start == "" {
			return domain.NewValidationError("model", "child model has no start element")
		}
		if err := e.enter(cst, start, ""); err != nil {
			return err
		}
		return e.advance(cst)
	})
	if err != nil {
		return e.failStep(st, act, el, err, false)
	}

	refreshed, err := e.loadInstance(child.TenantID, child.ID)
	if err != nil {
		return err
	}
	if refreshed.Status.Terminal() {
		return e.childFinished(st, act, el, refreshed)
	}
	return nil
}

// childFinished resolves a parked sub-process/call activity against the
// terminal status its child instance reached.
func (e *Engine) childFinished(st *advanceState, act *domain.ActivityInstance, el domain.Element, child *domain.ProcessInstance) error {
	if child.Status != domain.InstanceCompleted {
		cause := fmt.Errorf("child instance %s ended %s", child.ID, child.Status)
		if child.Fault != "" {
			cause = fmt.Errorf("child instance %s ended %s: %s", child.ID, child.Status, child.Fault)
		}
		return e.failStep(st, act, el, cause, false)
	}
	if err := e.propagateChildOutput(st.ctx, child, st.inst); err != nil {
		return err
	}
	return e.completeActivity(st, act, st.model.Outgoing(el.ID))
}

// propagateChildOutput folds the child's final scope into the parent scope.
// Nested objects merge deeply, child values win on conflict.
func (e *Engine) propagateChildOutput(ctx context.Context, child, parent *domain.ProcessInstance) error {
	childVars, err := e.vars.Snapshot(ctx, child.TenantID, child.ID, "")
	if err != nil {
		return err
	}
	if len(childVars) == 0 {
		return nil
	}
	merged, err := e.vars.Snapshot(ctx, parent.TenantID, parent.ID, "")
	if err != nil {
		return err
	}
	if err := mergo.Merge(&merged, childVars, mergo.WithOverride); err != nil {
		return err
	}
	return e.vars.SetAll(ctx, parent.TenantID, parent.ID, "", merged)
}
