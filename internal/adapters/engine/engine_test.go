package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/adapters/humantask"
	"github.com/flowmill/flowmill/internal/adapters/registry"
	"github.com/flowmill/flowmill/internal/adapters/rules"
	"github.com/flowmill/flowmill/internal/adapters/storage"
	"github.com/flowmill/flowmill/internal/adapters/variables"
	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type handlerMap map[string]ports.TaskHandler

func (h handlerMap) Handler(name string) (ports.TaskHandler, bool) {
	fn, ok := h[name]
	return fn, ok
}

// fakeScheduler records scheduled timers and enqueued jobs instead of
// polling. Tests drain the job queue explicitly through pump so every
// asynchronous hand-off stays deterministic.
type fakeScheduler struct {
	mu     sync.Mutex
	seq    int
	timers []*domain.ProcessTimer
	jobs   []*domain.AsyncJob

	cancelledJobInstances []string
}

func (f *fakeScheduler) ScheduleTimer(ctx context.Context, timer *domain.ProcessTimer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	timer.ID = fmt.Sprintf("timer-%d", f.seq)
	timer.Status = domain.TimerScheduled
	f.timers = append(f.timers, timer)
	return nil
}

func (f *fakeScheduler) CancelTimersForActivity(ctx context.Context, tenantID, instanceID, activityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, timer := range f.timers {
		if timer.TenantID == tenantID && timer.ActivityID == activityID && timer.Status == domain.TimerScheduled {
			timer.Status = domain.TimerCancelled
		}
	}
	return nil
}

func (f *fakeScheduler) EnqueueJob(ctx context.Context, job *domain.AsyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	job.ID = fmt.Sprintf("job-%d", f.seq)
	job.Status = domain.JobPending
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) CancelJobsForInstance(ctx context.Context, tenantID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledJobInstances = append(f.cancelledJobInstances, instanceID)
	return nil
}

// pump drains the job queue, dispatching each job to the engine handler the
// real scheduler would invoke. Jobs enqueued while pumping run too.
func (f *fakeScheduler) pump(t *testing.T, ctx context.Context, eng *Engine) {
	t.Helper()
	for {
		f.mu.Lock()
		if len(f.jobs) == 0 {
			f.mu.Unlock()
			return
		}
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		f.mu.Unlock()

		switch job.Kind {
		case domain.JobResumeInstance:
			require.NoError(t, eng.HandleResumeJob(ctx, job))
		case domain.JobRetryActivity:
			require.NoError(t, eng.HandleRetryJob(ctx, job))
		case domain.JobFailActivity:
			require.NoError(t, eng.HandleFailJob(ctx, job))
		default:
			t.Fatalf("no handler for job kind %s", job.Kind)
		}
	}
}

func (f *fakeScheduler) pendingJobs() []*domain.AsyncJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.AsyncJob(nil), f.jobs...)
}

type fixture struct {
	store    *storage.MemoryStore
	clock    *fakeClock
	leases   *storage.LeaseManager
	reg      *registry.Registry
	vars     *variables.Store
	ruleEng  *rules.Engine
	tasks    *humantask.Manager
	sched    *fakeScheduler
	handlers handlerMap
	deps     Deps
	config   domain.Config
	eng      *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	leases := storage.NewLeaseManager(store, clock, nil)
	reg := registry.New(store, clock, nil, nil)
	vars := variables.New(store, clock, nil, nil)
	ruleEng := rules.New(store, clock, nil)
	tasks := humantask.NewManager(store, clock, nil, vars, nil)
	sched := &fakeScheduler{}
	handlers := handlerMap{}

	var config domain.Config
	config.ApplyDefaults()

	deps := Deps{
		Storage:   store,
		Clock:     clock,
		Leases:    leases,
		Versions:  reg,
		Variables: vars,
		Rules:     ruleEng,
		Tasks:     tasks,
		Scheduler: sched,
		Handlers:  handlers,
	}
	eng := New(deps, config.Engine, config.Retention, "worker-test", nil)
	tasks.BindResumer(eng)
	tasks.BindJobQueue(sched)

	return &fixture{
		store:    store,
		clock:    clock,
		leases:   leases,
		reg:      reg,
		vars:     vars,
		ruleEng:  ruleEng,
		tasks:    tasks,
		sched:    sched,
		handlers: handlers,
		deps:     deps,
		config:   config,
		eng:      eng,
	}
}

func (f *fixture) deploy(t *testing.T, tenantID, key string, model domain.ProcessModel) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Create(ctx, tenantID, key, key, model, nil)
	require.NoError(t, err)
	_, err = f.reg.Publish(ctx, tenantID, key, 1)
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, tenantID, key string, vars map[string]interface{}) *domain.ProcessInstance {
	t.Helper()
	inst, err := f.eng.Start(context.Background(), StartRequest{
		TenantID:      tenantID,
		DefinitionKey: key,
		Variables:     vars,
		InitiatedBy:   "tester",
	})
	require.NoError(t, err)
	return inst
}

func (f *fixture) instance(t *testing.T, tenantID, instanceID string) *domain.ProcessInstance {
	t.Helper()
	inst, err := f.eng.GetInstance(context.Background(), tenantID, instanceID)
	require.NoError(t, err)
	return inst
}

func (f *fixture) snapshot(t *testing.T, tenantID, instanceID string) map[string]interface{} {
	t.Helper()
	snap, err := f.vars.Snapshot(context.Background(), tenantID, instanceID, "")
	require.NoError(t, err)
	return snap
}

// activityFor returns the single activity instance executing the element, or
// fails the test when zero or several exist.
func (f *fixture) activityFor(t *testing.T, tenantID, instanceID, elementID string) *domain.ActivityInstance {
	t.Helper()
	acts := f.activitiesFor(t, tenantID, instanceID, elementID)
	require.Len(t, acts, 1)
	return acts[0]
}

func (f *fixture) activitiesFor(t *testing.T, tenantID, instanceID, elementID string) []*domain.ActivityInstance {
	t.Helper()
	all, err := f.eng.Activities(context.Background(), tenantID, instanceID)
	require.NoError(t, err)
	var acts []*domain.ActivityInstance
	for _, act := range all {
		if act.ElementID == elementID {
			acts = append(acts, act)
		}
	}
	return acts
}

func (f *fixture) instanceTasks(t *testing.T, tenantID, instanceID string, status domain.TaskStatus) []*domain.HumanTask {
	t.Helper()
	tasks, _, err := f.tasks.Query(context.Background(), tenantID, humantask.TaskFilter{
		InstanceID: instanceID,
		Status:     status,
	}, ports.Page{})
	require.NoError(t, err)
	return tasks
}

func (f *fixture) completeTask(t *testing.T, tenantID, taskID, userID, outcome string, vars map[string]interface{}) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tasks.Claim(ctx, tenantID, taskID, userID, nil, nil)
	require.NoError(t, err)
	_, err = f.tasks.Complete(ctx, tenantID, taskID, userID, outcome, vars)
	require.NoError(t, err)
}

// --- model builders ---

func procModel(els []domain.Element, flows ...domain.SequenceFlow) domain.ProcessModel {
	elements := make(map[string]domain.Element, len(els))
	for _, el := range els {
		elements[el.ID] = el
	}
	return domain.ProcessModel{Elements: elements, Flows: flows}
}

func startEl(id string) domain.Element {
	return domain.Element{ID: id, Kind: domain.ElementEvent, EventKind: domain.EventStart}
}

func endEl(id string) domain.Element {
	return domain.Element{ID: id, Kind: domain.ElementEvent, EventKind: domain.EventEnd}
}

func serviceEl(id, handler string) domain.Element {
	return domain.Element{ID: id, Kind: domain.ElementTask, TaskKind: domain.TaskService, Handler: handler}
}

func userEl(id string, candidates ...string) domain.Element {
	return domain.Element{ID: id, Kind: domain.ElementTask, TaskKind: domain.TaskUser, CandidateUsers: candidates}
}

func flowEl(id, source, target string) domain.SequenceFlow {
	return domain.SequenceFlow{ID: id, Source: source, Target: target}
}

func condFlow(id, source, target string, cond *domain.Condition) domain.SequenceFlow {
	return domain.SequenceFlow{ID: id, Source: source, Target: target, Condition: cond}
}

// threeNodeUserModel is the smallest model with a human wait state: a start
// event, one user task, one end event.
func threeNodeUserModel() domain.ProcessModel {
	return procModel(
		[]domain.Element{startEl("start"), userEl("approve", "alice"), endEl("end")},
		flowEl("f1", "start", "approve"),
		flowEl("f2", "approve", "end"),
	)
}

// --- lifecycle ---

func TestStartValidatesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Start(ctx, StartRequest{DefinitionKey: "k"})
	require.True(t, domain.IsValidationError(err))

	_, err = f.eng.Start(ctx, StartRequest{TenantID: "acme"})
	require.True(t, domain.IsValidationError(err))

	_, err = f.eng.Start(ctx, StartRequest{TenantID: "acme", DefinitionKey: "missing"})
	require.True(t, domain.IsNotFound(err))
}

func TestStartRejectsDraftVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	model := procModel(
		[]domain.Element{startEl("start"), endEl("end")},
		flowEl("f1", "start", "end"),
	)
	_, err := f.reg.Create(ctx, "acme", "draft-only", "draft-only", model, nil)
	require.NoError(t, err)

	_, err = f.eng.Start(ctx, StartRequest{TenantID: "acme", DefinitionKey: "draft-only", Version: 1})
	require.ErrorIs(t, err, domain.ErrNotPublished)
}

func TestStraightThroughProcessCompletes(t *testing.T) {
	f := newFixture(t)
	f.handlers["price"] = func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		amount := input["amount"].(float64)
		return map[string]interface{}{"total": amount * 1.2}, nil
	}
	f.deploy(t, "acme", "pricing", procModel(
		[]domain.Element{startEl("start"), serviceEl("calc", "price"), endEl("end")},
		flowEl("f1", "start", "calc"),
		flowEl("f2", "calc", "end"),
	))

	inst := f.start(t, "acme", "pricing", map[string]interface{}{"amount": float64(100)})

	require.Equal(t, domain.InstanceCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	require.Empty(t, inst.Active)

	snap := f.snapshot(t, "acme", inst.ID)
	require.InDelta(t, 120.0, snap["total"], 0.001)

	for _, act := range f.activitiesFor(t, "acme", inst.ID, "calc") {
		require.Equal(t, domain.ActivityCompleted, act.Status)
	}
}

func TestUserTaskRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())

	inst := f.start(t, "acme", "approval", map[string]interface{}{"amount": float64(250)})
	require.Equal(t, domain.InstanceWaiting, inst.Status)

	open := f.instanceTasks(t, "acme", inst.ID, domain.TaskReady)
	require.Len(t, open, 1)

	act := f.activityFor(t, "acme", inst.ID, "approve")
	require.Equal(t, domain.ActivityActive, act.Status)
	require.Equal(t, domain.UserTaskBookmark(act.ID), act.Bookmark)

	f.completeTask(t, "acme", open[0].ID, "alice", "approved", map[string]interface{}{"approved": true})

	inst = f.instance(t, "acme", inst.ID)
	require.Equal(t, domain.InstanceCompleted, inst.Status)

	snap := f.snapshot(t, "acme", inst.ID)
	require.Equal(t, true, snap["approved"])
	require.Equal(t, "approved", snap["outcome"])
}

func TestServiceTaskRetriesThenFaults(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.handlers["flaky"] = func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		return nil, errors.New("upstream unavailable")
	}

	task := serviceEl("call", "flaky")
	task.Retry = &domain.RetryPolicy{MaxRetries: 1, Delay: time.Second}
	f.deploy(t, "acme", "flaky-proc", procModel(
		[]domain.Element{startEl("start"), task, endEl("end")},
		flowEl("f1", "start", "call"),
		flowEl("f2", "call", "end"),
	))

	inst := f.start(t, "acme", "flaky-proc", nil)
	require.Equal(t, domain.InstanceWaiting, inst.Status)
	require.Equal(t, 1, attempts)

	act := f.activityFor(t, "acme", inst.ID, "call")
	require.Equal(t, domain.RetryBookmark(act.ID), act.Bookmark)
	require.Equal(t, 1, act.RetryCount)

	jobs := f.sched.pendingJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobRetryActivity, jobs[0].Kind)
	require.True(t, jobs[0].NotBefore.After(f.clock.Now()))

	f.sched.pump(t, context.Background(), f.eng)
	require.Equal(t, 2, attempts)

	inst = f.instance(t, "acme", inst.ID)
	require.Equal(t, domain.InstanceFaulted, inst.Status)
	require.Contains(t, inst.Fault, "upstream unavailable")

	act = f.activityFor(t, "acme", inst.ID, "call")
	require.Equal(t, domain.ActivityFailed, act.Status)
}

func TestRetryFaultedRunsFixedHandler(t *testing.T) {
	f := newFixture(t)
	broken := true
	f.handlers["flaky"] = func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		if broken {
			return nil, errors.New("boom")
		}
		return map[string]interface{}{"done": true}, nil
	}

	task := serviceEl("call", "flaky")
	task.Retry = &domain.RetryPolicy{MaxRetries: 1, Delay: time.Second}
	f.deploy(t, "acme", "flaky-proc", procModel(
		[]domain.Element{startEl("start"), task, endEl("end")},
		flowEl("f1", "start", "call"),
		flowEl("f2", "call", "end"),
	))

	inst := f.start(t, "acme", "flaky-proc", nil)
	f.sched.pump(t, context.Background(), f.eng)
	require.Equal(t, domain.InstanceFaulted, f.instance(t, "acme", inst.ID).Status)

	broken = false
	require.NoError(t, f.eng.RetryFaulted(context.Background(), "acme", inst.ID))

	inst = f.instance(t, "acme", inst.ID)
	require.Equal(t, domain.InstanceCompleted, inst.Status)
	require.Equal(t, true, f.snapshot(t, "acme", inst.ID)["done"])
}

func TestSuspendBlocksResumeUntilResumed(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())
	ctx := context.Background()

	inst := f.start(t, "acme", "approval", nil)
	require.NoError(t, f.eng.Suspend(ctx, "acme", inst.ID))
	require.Equal(t, domain.InstanceSuspended, f.instance(t, "acme", inst.ID).Status)

	act := f.activityFor(t, "acme", inst.ID, "approve")
	err := f.eng.ResumeBookmark(ctx, "acme", inst.ID, act.Bookmark, nil)
	require.ErrorIs(t, err, domain.ErrInstanceSuspended)

	require.NoError(t, f.eng.Resume(ctx, "acme", inst.ID))
	require.Equal(t, domain.InstanceWaiting, f.instance(t, "acme", inst.ID).Status)

	open := f.instanceTasks(t, "acme", inst.ID, domain.TaskReady)
	require.Len(t, open, 1)
	f.completeTask(t, "acme", open[0].ID, "alice", "done", nil)
	require.Equal(t, domain.InstanceCompleted, f.instance(t, "acme", inst.ID).Status)
}

func TestResumeRejectsNonSuspended(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())

	inst := f.start(t, "acme", "approval", nil)
	err := f.eng.Resume(context.Background(), "acme", inst.ID)
	require.True(t, domain.IsValidationError(err))
}

func TestHeldLeaseBlocksAdvancement(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())
	ctx := context.Background()

	inst := f.start(t, "acme", "approval", nil)

	leaseKey := domain.InstanceLeaseKey("acme", inst.ID)
	_, acquired, err := f.leases.TryAcquire(leaseKey, "other-worker", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	err = f.eng.Kick(ctx, "acme", inst.ID)
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	require.NoError(t, f.leases.Release(leaseKey, "other-worker"))
	require.NoError(t, f.eng.Kick(ctx, "acme", inst.ID))
	require.Equal(t, domain.InstanceWaiting, f.instance(t, "acme", inst.ID).Status)
}

func TestTaskCompletionSurvivesHeldLease(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())
	ctx := context.Background()

	inst := f.start(t, "acme", "approval", nil)
	ready := f.instanceTasks(t, "acme", inst.ID, domain.TaskReady)
	require.Len(t, ready, 1)

	leaseKey := domain.InstanceLeaseKey("acme", inst.ID)
	_, acquired, err := f.leases.TryAcquire(leaseKey, "other-worker", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	// Completion succeeds; the wake-up is parked on the job queue instead
	// of being dropped.
	f.completeTask(t, "acme", ready[0].ID, "alice", "approved", map[string]interface{}{"approved": true})
	require.Equal(t, domain.InstanceWaiting, f.instance(t, "acme", inst.ID).Status)
	require.Len(t, f.sched.pendingJobs(), 1)

	require.NoError(t, f.leases.Release(leaseKey, "other-worker"))
	f.sched.pump(t, ctx, f.eng)

	require.Equal(t, domain.InstanceCompleted, f.instance(t, "acme", inst.ID).Status)
	snap := f.snapshot(t, "acme", inst.ID)
	require.Equal(t, true, snap["approved"])
	require.Equal(t, "approved", snap["outcome"])
}

func TestTerminateCascadesAndExitsTasks(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "child-proc", threeNodeUserModel())
	f.deploy(t, "acme", "parent-proc", procModel(
		[]domain.Element{
			startEl("start"),
			{ID: "invoke", Kind: domain.ElementCallActivity, CalledProcessKey: "child-proc"},
			endEl("end"),
		},
		flowEl("f1", "start", "invoke"),
		flowEl("f2", "invoke", "end"),
	))
	ctx := context.Background()

	parent := f.start(t, "acme", "parent-proc", nil)
	require.Equal(t, domain.InstanceWaiting, parent.Status)

	children, total, err := f.eng.QueryInstances(ctx, "acme", InstanceFilter{DefinitionKey: "child-proc"}, ports.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	child := children[0]

	require.NoError(t, f.eng.Terminate(ctx, "acme", parent.ID, "operator request"))

	parent = f.instance(t, "acme", parent.ID)
	require.Equal(t, domain.InstanceTerminated, parent.Status)
	require.Equal(t, "operator request", parent.Fault)

	child = f.instance(t, "acme", child.ID)
	require.Equal(t, domain.InstanceTerminated, child.Status)

	exited := f.instanceTasks(t, "acme", child.ID, domain.TaskExited)
	require.Len(t, exited, 1)
}

func TestSetVariablesRejectsTerminalInstance(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "noop", procModel(
		[]domain.Element{startEl("start"), endEl("end")},
		flowEl("f1", "start", "end"),
	))
	ctx := context.Background()

	inst := f.start(t, "acme", "noop", nil)
	require.Equal(t, domain.InstanceCompleted, inst.Status)

	err := f.eng.SetVariables(ctx, "acme", inst.ID, map[string]interface{}{"late": true})
	require.ErrorIs(t, err, domain.ErrInstanceTerminal)
}

func TestQueryInstancesFiltersAndPaginates(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())
	ctx := context.Background()

	first, err := f.eng.Start(ctx, StartRequest{TenantID: "acme", DefinitionKey: "approval", BusinessKey: "order-1"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.eng.Start(ctx, StartRequest{TenantID: "acme", DefinitionKey: "approval", BusinessKey: "order-2"})
	require.NoError(t, err)

	all, total, err := f.eng.QueryInstances(ctx, "acme", InstanceFilter{DefinitionKey: "approval"}, ports.Page{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 2)
	// Newest first.
	require.Equal(t, second.ID, all[0].ID)
	require.Equal(t, first.ID, all[1].ID)

	page, total, err := f.eng.QueryInstances(ctx, "acme", InstanceFilter{Status: domain.InstanceWaiting}, ports.Page{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)

	byKey, total, err := f.eng.QueryInstances(ctx, "acme", InstanceFilter{BusinessKey: "order-1"}, ports.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, first.ID, byKey[0].ID)

	none, total, err := f.eng.QueryInstances(ctx, "other-tenant", InstanceFilter{}, ports.Page{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, none)
}

func TestRetentionSweepPurgesOldInstances(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "acme", "approval", threeNodeUserModel())
	ctx := context.Background()

	done := f.start(t, "acme", "approval", map[string]interface{}{"amount": float64(10)})
	open := f.instanceTasks(t, "acme", done.ID, domain.TaskReady)
	f.completeTask(t, "acme", open[0].ID, "alice", "ok", nil)

	waiting := f.start(t, "acme", "approval", nil)

	sweeper := New(f.deps, f.config.Engine, domain.RetentionConfig{CompletedTTL: time.Hour}, "worker-test", nil)

	// Inside the TTL nothing is purged.
	require.NoError(t, sweeper.Sweep(ctx, f.clock.Now()))
	f.instance(t, "acme", done.ID)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, sweeper.Sweep(ctx, f.clock.Now()))

	_, err := f.eng.GetInstance(ctx, "acme", done.ID)
	require.True(t, domain.IsNotFound(err))
	require.Empty(t, f.snapshot(t, "acme", done.ID))

	// The live instance survives.
	require.Equal(t, domain.InstanceWaiting, f.instance(t, "acme", waiting.ID).Status)
}
