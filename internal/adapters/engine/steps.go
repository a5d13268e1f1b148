package engine

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/adapters/rules"
	"github.com/flowmill/flowmill/internal/domain"
)

// stepFunc executes one ready activity. Element behavior is a closed variant
// dispatched through this table, never through type hierarchies.
type stepFunc func(e *Engine, st *advanceState, act *domain.ActivityInstance, el domain.Element) error

// steps is filled by init; a composite literal here would form an
// initialization cycle through advance.
var steps map[string]stepFunc

func init() {
	steps = map[string]stepFunc{
		"task:" + string(domain.TaskUser):         (*Engine).stepUserTask,
		"task:" + string(domain.TaskService):      (*Engine).stepSyncTask,
		"task:" + string(domain.TaskScript):       (*Engine).stepSyncTask,
		"task:" + string(domain.TaskBusinessRule): (*Engine).stepBusinessRuleTask,
		"task:" + string(domain.TaskSend):         (*Engine).stepSendTask,
		"task:" + string(domain.TaskReceive):      (*Engine).stepMessageWait,

		"gateway:" + string(domain.GatewayExclusive):  (*Engine).stepExclusiveGateway,
		"gateway:" + string(domain.GatewayParallel):   (*Engine).stepForkGateway,
		"gateway:" + string(domain.GatewayInclusive):  (*Engine).stepForkGateway,
		"gateway:" + string(domain.GatewayEventBased): (*Engine).stepEventBasedGateway,

		"event:" + string(domain.EventStart):   (*Engine).stepPassThrough,
		"event:" + string(domain.EventEnd):     (*Engine).stepPassThrough,
		"event:" + string(domain.EventTimer):   (*Engine).stepTimerWait,
		"event:" + string(domain.EventMessage): (*Engine).stepMessageWait,
		"event:" + string(domain.EventSignal):  (*Engine).stepSignalWait,

		string(domain.ElementSubProcess):   (*Engine).stepSpawnChild,
		string(domain.ElementCallActivity): (*Engine).stepSpawnChild,
	}
}

func stepKey(el domain.Element) string {
	switch el.Kind {
	case domain.ElementTask:
		return "task:" + string(el.TaskKind)
	case domain.ElementGateway:
		return "gateway:" + string(el.GatewayKind)
	case domain.ElementEvent:
		return "event:" + string(el.EventKind)
	}
	return string(el.Kind)
}

func (e *Engine) step(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	if el.MultiInstance != nil && act.LoopIndex < 0 {
		return e.stepMultiInstance(st, act, el)
	}
	fn, ok := steps[stepKey(el)]
	if !ok {
		return e.failStep(st, act, el, fmt.Errorf("element %s has unsupported kind %s", el.ID, stepKey(el)), false)
	}
	return fn(e, st, act, el)
}

// enter moves a token onto an element. Multi-incoming parallel and inclusive
// gateways buffer the arrival instead of creating a fresh activity per token.
func (e *Engine) enter(st *advanceState, elementID, viaFlow string) error {
	el, ok := st.model.Elements[elementID]
	if !ok {
		return e.faultInstance(st, fmt.Errorf("flow %s targets unknown element %s", viaFlow, elementID))
	}
	if el.Kind == domain.ElementGateway &&
		(el.GatewayKind == domain.GatewayParallel || el.GatewayKind == domain.GatewayInclusive) &&
		len(st.model.Incoming(elementID)) > 1 {
		return e.joinArrival(st, el, viaFlow)
	}
	_, err := e.createActivity(st, el, -1, "", true)
	return err
}

// createActivity persists a new activity instance and adds it to the token
// set. Queued activities run in the current pass; unqueued ones wait for an
// external arrival (join buffers).
func (e *Engine) createActivity(st *advanceState, el domain.Element, loopIndex int, parentActivityID string, queue bool) (*domain.ActivityInstance, error) {
	maxRetries := e.config.DefaultMaxRetries
	if el.Retry != nil {
		maxRetries = el.Retry.MaxRetries
	}
	act := &domain.ActivityInstance{
		ID:               uuid.NewString(),
		TenantID:         st.inst.TenantID,
		InstanceID:       st.inst.ID,
		ElementID:        el.ID,
		ElementName:      el.Name,
		Status:           domain.ActivityReady,
		LoopIndex:        loopIndex,
		ParentActivityID: parentActivityID,
		MaxRetries:       maxRetries,
		EnteredAt:        e.clock.Now(),
	}
	if !queue {
		act.Status = domain.ActivityActive
	}
	if err := e.putActivity(st, act); err != nil {
		return nil, err
	}
	st.inst.Active = append(st.inst.Active, act.ID)
	if queue {
		st.queue = append(st.queue, act.ID)
	}

	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   act.TenantID,
		Type:       domain.AuditActivityEntered,
		EntityKind: "activity",
		EntityID:   act.ID,
		InstanceID: act.InstanceID,
		Data:       map[string]interface{}{"element_id": act.ElementID},
	})
	return act, nil
}

// completeActivity finishes an activity and pushes its token down the given
// flows. Loop children report to their multi-instance parent instead of
// following flows.
func (e *Engine) completeActivity(st *advanceState, act *domain.ActivityInstance, flows []domain.SequenceFlow) error {
	now := e.clock.Now()
	act.Status = domain.ActivityCompleted
	act.Bookmark = ""
	act.CompletedAt = &now
	if err := e.putActivity(st, act); err != nil {
		return err
	}
	st.inst.Active = removeID(st.inst.Active, act.ID)
	st.inst.Completed = append(st.inst.Completed, act.ID)

	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   act.TenantID,
		Type:       domain.AuditActivityCompleted,
		EntityKind: "activity",
		EntityID:   act.ID,
		InstanceID: act.InstanceID,
		Data:       map[string]interface{}{"element_id": act.ElementID},
	})

	if act.LoopIndex >= 0 && act.ParentActivityID != "" {
		return e.loopChildDone(st, act)
	}
	for _, f := range flows {
		if err := e.enter(st, f.Target, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// park leaves the activity in the token set waiting on a bookmark.
func (e *Engine) park(st *advanceState, act *domain.ActivityInstance, bookmark string) error {
	act.Status = domain.ActivityActive
	act.Bookmark = bookmark
	return e.putActivity(st, act)
}

// failStep handles a failed execution attempt: park and schedule a delayed
// retry while budget remains, otherwise fail the activity and fault the
// instance.
func (e *Engine) failStep(st *advanceState, act *domain.ActivityInstance, el domain.Element, cause error, allowRetry bool) error {
	act.Error = cause.Error()
	e.appendAudit(st.ctx, domain.AuditEvent{
		TenantID:   act.TenantID,
		Type:       domain.AuditActivityFailed,
		EntityKind: "activity",
		EntityID:   act.ID,
		InstanceID: act.InstanceID,
		Error:      act.Error,
		Data:       map[string]interface{}{"element_id": act.ElementID, "retry_count": act.RetryCount},
	})

	if allowRetry && e.sched != nil && act.RetryCount < act.MaxRetries {
		act.RetryCount++
		act.Status = domain.ActivityActive
		act.Bookmark = domain.RetryBookmark(act.ID)
		if err := e.putActivity(st, act); err != nil {
			return err
		}
		payload, err := json.Marshal(domain.ResumePayload{InstanceID: st.inst.ID, ActivityID: act.ID})
		if err != nil {
			return err
		}
		job := &domain.AsyncJob{
			TenantID:   act.TenantID,
			Kind:       domain.JobRetryActivity,
			InstanceID: st.inst.ID,
			Payload:    payload,
			NotBefore:  e.clock.Now().Add(e.retryDelay(el, act.RetryCount)),
		}
		return e.sched.EnqueueJob(st.ctx, job)
	}

	act.Status = domain.ActivityFailed
	if err := e.putActivity(st, act); err != nil {
		return err
	}
	st.inst.Active = removeID(st.inst.Active, act.ID)
	return e.faultInstance(st, fmt.Errorf("activity %s failed: %w", act.ElementID, cause))
}

// retryDelay doubles per attempt from the element's base delay, capped so a
// deep retry budget cannot push a retry arbitrarily far out.
func (e *Engine) retryDelay(el domain.Element, attempt int) time.Duration {
	base := e.config.DefaultRetryDelay
	if el.Retry != nil && el.Retry.Delay > 0 {
		base = el.Retry.Delay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}

func (e *Engine) snapshot(st *advanceState) (map[string]interface{}, error) {
	return e.vars.Snapshot(st.ctx, st.inst.TenantID, st.inst.ID, "")
}

// --- task steps ---

func (e *Engine) stepUserTask(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	if e.tasks == nil {
		return e.failStep(st, act, el, fmt.Errorf("no task manager bound for user task %s", el.ID), false)
	}
	if err := e.park(st, act, domain.UserTaskBookmark(act.ID)); err != nil {
		return err
	}
	if _, err := e.tasks.CreateForActivity(st.ctx, st.inst, act, el); err != nil {
		return e.failStep(st, act, el, err, true)
	}
	return nil
}

func (e *Engine) stepSyncTask(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	output, err := e.runHandler(st, act, el)
	if err != nil {
		return e.failStep(st, act, el, err, true)
	}
	if err := e.writeTaskOutput(st, el, output); err != nil {
		return err
	}
	return e.completeActivity(st, act, st.model.Outgoing(el.ID))
}

// runHandler executes the element's registered handler against the activity's
// view of the variables: instance scope with the activity scope layered on
// top, so loop children see their item variable.
func (e *Engine) runHandler(st *advanceState, act *domain.ActivityInstance, el domain.Element) (map[string]interface{}, error) {
	if e.handlers == nil {
		return nil, fmt.Errorf("no handler registry bound")
	}
	fn, ok := e.handlers.Handler(el.Handler)
	if !ok {
		return nil, fmt.Errorf("handler %q is not registered", el.Handler)
	}
	input, err := e.vars.Snapshot(st.ctx, st.inst.TenantID, st.inst.ID, act.ID)
	if err != nil {
		return nil, err
	}
	return fn(st.ctx, input)
}

func (e *Engine) stepBusinessRuleTask(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	if e.rules == nil {
		return e.failStep(st, act, el, fmt.Errorf("no rules engine bound for task %s", el.ID), false)
	}
	facts, err := e.snapshot(st)
	if err != nil {
		return err
	}
	output, err := e.rules.Evaluate(st.ctx, st.inst.TenantID, el.RuleSetKey, facts)
	if err != nil {
		return e.failStep(st, act, el, err, true)
	}
	if err := e.writeTaskOutput(st, el, output); err != nil {
		return err
	}
	return e.completeActivity(st, act, st.model.Outgoing(el.ID))
}

func (e *Engine) writeTaskOutput(st *advanceState, el domain.Element, output map[string]interface{}) error {
	if el.ResultVariable != "" {
		return e.vars.Set(st.ctx, st.inst.TenantID, st.inst.ID, "", el.ResultVariable, output)
	}
	if len(output) == 0 {
		return nil
	}
	return e.vars.SetAll(st.ctx, st.inst.TenantID, st.inst.ID, "", output)
}

// stepSendTask publishes the task's message onto the correlation bus and
// completes. Delivery to waiting receivers is atomic against the store, so
// the sender has nothing to wait for.
func (e *Engine) stepSendTask(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	facts, err := e.snapshot(st)
	if err != nil {
		return err
	}
	correlation := make(map[string]interface{}, len(el.CorrelationVariables))
	for _, name := range el.CorrelationVariables {
		correlation[name] = facts[name]
	}
	if _, err := e.CorrelateMessage(st.ctx, st.inst.TenantID, el.MessageName, st.inst.BusinessKey, correlation, nil); err != nil {
		return e.failStep(st, act, el, err, true)
	}
	return e.completeActivity(st, act, st.model.Outgoing(el.ID))
}

// stepMessageWait registers a correlation subscription and parks. Shared by
// receive tasks and intermediate message events.
func (e *Engine) stepMessageWait(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	facts, err := e.snapshot(st)
	if err != nil {
		return err
	}
	key := domain.DeriveCorrelationKey(st.inst.BusinessKey, el.CorrelationVariables, facts)
	sub := domain.EventSubscription{
		TenantID:          st.inst.TenantID,
		InstanceID:        st.inst.ID,
		ActivityID:        act.ID,
		Bookmark:          domain.MessageBookmark(act.ID),
		MessageName:       el.MessageName,
		CorrelationKey:    key,
		GatewayActivityID: act.ParentActivityID,
		CreatedAt:         e.clock.Now(),
	}
	if err := e.putSubscription(domain.MessageSubscriptionKey(sub.TenantID, el.MessageName, key, act.ID), sub); err != nil {
		return err
	}
	return e.park(st, act, sub.Bookmark)
}

func (e *Engine) stepSignalWait(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	sub := domain.EventSubscription{
		TenantID:          st.inst.TenantID,
		InstanceID:        st.inst.ID,
		ActivityID:        act.ID,
		Bookmark:          domain.SignalBookmark(act.ID),
		SignalName:        el.SignalName,
		GatewayActivityID: act.ParentActivityID,
		CreatedAt:         e.clock.Now(),
	}
	if err := e.putSubscription(domain.SignalSubscriptionKey(sub.TenantID, el.SignalName, act.ID), sub); err != nil {
		return err
	}
	return e.park(st, act, sub.Bookmark)
}

func (e *Engine) putSubscription(key string, sub domain.EventSubscription) error {
	value, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return e.storage.Put(key, value, 0)
}

func (e *Engine) stepTimerWait(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	if el.Timer == nil {
		return e.failStep(st, act, el, fmt.Errorf("timer event %s has no timer definition", el.ID), false)
	}
	if e.sched == nil {
		return e.failStep(st, act, el, fmt.Errorf("no scheduler bound for timer event %s", el.ID), false)
	}
	if err := e.park(st, act, domain.TimerBookmark(act.ID)); err != nil {
		return err
	}

	timer := &domain.ProcessTimer{
		TenantID:   st.inst.TenantID,
		InstanceID: st.inst.ID,
		ActivityID: act.ID,
		Bookmark:   domain.TimerBookmark(act.ID),
		Kind:       el.Timer.Kind,
	}
	switch el.Timer.Kind {
	case domain.TimerDate:
		if el.Timer.Date == nil {
			return e.failStep(st, act, el, fmt.Errorf("timer event %s has no date", el.ID), false)
		}
		timer.FireAt = *el.Timer.Date
	case domain.TimerDuration:
		timer.FireAt = e.clock.Now().Add(el.Timer.Duration)
	case domain.TimerCycle:
		timer.Recurrence = el.Timer.Cycle
		timer.MaxExecutions = el.Timer.MaxExecutions
	}
	if err := e.sched.ScheduleTimer(st.ctx, timer); err != nil {
		return e.failStep(st, act, el, err, true)
	}
	return nil
}

// stepPassThrough covers start and end events: the token moves straight
// through. An end event simply has no outgoing flows to follow.
func (e *Engine) stepPassThrough(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	return e.completeActivity(st, act, st.model.Outgoing(el.ID))
}

// --- gateway steps ---

func (e *Engine) stepExclusiveGateway(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	facts, err := e.snapshot(st)
	if err != nil {
		return err
	}
	flows := st.model.Outgoing(el.ID)
	for i := range flows {
		if flows[i].Condition != nil && rules.EvaluateCondition(flows[i].Condition, facts) {
			return e.completeActivity(st, act, flows[i:i+1])
		}
	}
	if el.DefaultFlow != "" {
		for i := range flows {
			if flows[i].ID == el.DefaultFlow {
				return e.completeActivity(st, act, flows[i:i+1])
			}
		}
	}
	if len(flows) == 1 && flows[0].Condition == nil {
		return e.completeActivity(st, act, flows)
	}
	return e.failStep(st, act, el, &domain.NoMatchingFlowError{InstanceID: st.inst.ID, ElementID: el.ID}, false)
}

// stepForkGateway fires a parallel or inclusive gateway in its fork role.
// Multi-incoming joins never reach here; they buffer in joinArrival.
func (e *Engine) stepForkGateway(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	flows, err := e.chooseGatewayOutgoing(st, el)
	if err != nil {
		return e.failStep(st, act, el, err, false)
	}
	return e.completeActivity(st, act, flows)
}

func (e *Engine) chooseGatewayOutgoing(st *advanceState, el domain.Element) ([]domain.SequenceFlow, error) {
	flows := st.model.Outgoing(el.ID)
	if el.GatewayKind == domain.GatewayParallel || len(flows) <= 1 {
		return flows, nil
	}

	facts, err := e.snapshot(st)
	if err != nil {
		return nil, err
	}
	var chosen []domain.SequenceFlow
	for _, f := range flows {
		if f.Condition == nil || rules.EvaluateCondition(f.Condition, facts) {
			chosen = append(chosen, f)
		}
	}
	if len(chosen) == 0 && el.DefaultFlow != "" {
		for _, f := range flows {
			if f.ID == el.DefaultFlow {
				chosen = append(chosen, f)
			}
		}
	}
	if len(chosen) == 0 {
		return nil, &domain.NoMatchingFlowError{InstanceID: st.inst.ID, ElementID: el.ID}
	}
	return chosen, nil
}

// joinArrival buffers a token arriving at a multi-incoming join and fires the
// join once when every required flow has arrived.
func (e *Engine) joinArrival(st *advanceState, el domain.Element, viaFlow string) error {
	var joinAct *domain.ActivityInstance
	for _, id := range st.inst.Active {
		act, err := e.activity(st, id)
		if err != nil {
			return err
		}
		if act.ElementID == el.ID && !act.Status.Terminal() {
			joinAct = act
			break
		}
	}
	if joinAct == nil {
		created, err := e.createActivity(st, el, -1, "", false)
		if err != nil {
			return err
		}
		joinAct = created
	}
	if viaFlow != "" && !containsID(joinAct.ArrivedFlows, viaFlow) {
		joinAct.ArrivedFlows = append(joinAct.ArrivedFlows, viaFlow)
		if err := e.putActivity(st, joinAct); err != nil {
			return err
		}
	}

	fire := false
	if el.GatewayKind == domain.GatewayParallel {
		fire = len(joinAct.ArrivedFlows) >= len(st.model.Incoming(el.ID))
	} else {
		satisfied, err := e.inclusiveJoinSatisfied(st, joinAct, el)
		if err != nil {
			return err
		}
		fire = satisfied
	}
	if !fire {
		return nil
	}

	flows, err := e.chooseGatewayOutgoing(st, el)
	if err != nil {
		return e.failStep(st, joinAct, el, err, false)
	}
	return e.completeActivity(st, joinAct, flows)
}

// inclusiveJoinSatisfied reports whether any not-yet-arrived incoming flow
// can still receive a token from the live part of the graph. The live set is
// everything reachable from the current tokens without passing through the
// join itself.
func (e *Engine) inclusiveJoinSatisfied(st *advanceState, joinAct *domain.ActivityInstance, el domain.Element) (bool, error) {
	live := make(map[string]bool)
	var frontier []string
	for _, id := range st.inst.Active {
		act, err := e.activity(st, id)
		if err != nil {
			return false, err
		}
		if act.ID == joinAct.ID || act.Status.Terminal() || act.ElementID == el.ID {
			continue
		}
		frontier = append(frontier, act.ElementID)
	}
	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if live[cur] {
			continue
		}
		live[cur] = true
		if cur == el.ID {
			continue
		}
		for _, f := range st.model.Outgoing(cur) {
			frontier = append(frontier, f.Target)
		}
	}

	for _, f := range st.model.Incoming(el.ID) {
		if containsID(joinAct.ArrivedFlows, f.ID) {
			continue
		}
		if live[f.Source] {
			return false, nil
		}
	}
	return true, nil
}

// stepEventBasedGateway races the gateway's outgoing wait targets. The
// gateway completes immediately; each arm parks on its own trigger carrying
// the gateway's activity id, and the first arm to resume cancels the rest.
func (e *Engine) stepEventBasedGateway(st *advanceState, act *domain.ActivityInstance, el domain.Element) error {
	flows := st.model.Outgoing(el.ID)
	if err := e.completeActivity(st, act, nil); err != nil {
		return err
	}
	for _, f := range flows {
		target, ok := st.model.Elements[f.Target]
		if !ok {
			return e.faultInstance(st, fmt.Errorf("flow %s targets unknown element %s", f.ID, f.Target))
		}
		if _, err := e.createActivity(st, target, -1, act.ID, true); err != nil {
			return err
		}
	}
	return nil
}
