package humantask

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/adapters/storage"
	"github.com/flowmill/flowmill/internal/adapters/variables"
	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type recordingResumer struct {
	mu        sync.Mutex
	bookmarks []string
	payloads  []map[string]interface{}
	failures  []string

	// nextErr is returned by the next call, once.
	nextErr error
}

func (r *recordingResumer) ResumeBookmark(ctx context.Context, tenantID, instanceID, bookmark string, vars map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextErr != nil {
		err := r.nextErr
		r.nextErr = nil
		return err
	}
	r.bookmarks = append(r.bookmarks, bookmark)
	r.payloads = append(r.payloads, vars)
	return nil
}

func (r *recordingResumer) FailActivity(ctx context.Context, tenantID, instanceID, activityID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextErr != nil {
		err := r.nextErr
		r.nextErr = nil
		return err
	}
	r.failures = append(r.failures, activityID)
	return nil
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []*domain.AsyncJob
}

func (r *recordingJobs) EnqueueJob(ctx context.Context, job *domain.AsyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

type fixture struct {
	manager *Manager
	vars    *variables.Store
	resumer *recordingResumer
	jobs    *recordingJobs
	store   *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	vars := variables.New(store, nil, nil, nil)
	resumer := &recordingResumer{}
	jobs := &recordingJobs{}
	manager := NewManager(store, nil, nil, vars, nil)
	manager.BindResumer(resumer)
	manager.BindJobQueue(jobs)
	return &fixture{manager: manager, vars: vars, resumer: resumer, jobs: jobs, store: store}
}

func (f *fixture) putInstance(t *testing.T, status domain.InstanceStatus) {
	t.Helper()
	inst := domain.ProcessInstance{ID: "i1", TenantID: "t1", DefinitionKey: "approval", Status: status}
	payload, err := json.Marshal(inst)
	require.NoError(t, err)
	_, version, _, err := f.store.Get(domain.InstanceKey("t1", "i1"))
	require.NoError(t, err)
	require.NoError(t, f.store.Put(domain.InstanceKey("t1", "i1"), payload, version+1))
}

func (f *fixture) createTask(t *testing.T, el domain.Element) *domain.HumanTask {
	t.Helper()
	f.putInstance(t, domain.InstanceWaiting)
	inst := &domain.ProcessInstance{ID: "i1", TenantID: "t1", DefinitionKey: "approval"}
	act := &domain.ActivityInstance{ID: "a1", TenantID: "t1", InstanceID: "i1", ElementID: "review"}
	task, err := f.manager.CreateForActivity(context.Background(), inst, act, el)
	require.NoError(t, err)
	return task
}

func reviewElement() domain.Element {
	return domain.Element{
		ID:              "review",
		Name:            "Review request",
		Kind:            domain.ElementTask,
		TaskKind:        domain.TaskUser,
		CandidateGroups: []string{"managers"},
	}
}

func TestClaimRequiresCandidacy(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "mallory", nil, nil)
	require.True(t, domain.IsNotCandidate(err))

	// Membership in the candidate group is enough.
	claimed, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.TaskReserved, claimed.Status)
	require.Equal(t, "alice", claimed.Assignee)
}

func TestAddingCandidateMakesClaimSucceed(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "bob", nil, nil)
	require.True(t, domain.IsNotCandidate(err))

	_, err = f.manager.AddCandidateUsers(ctx, "t1", task.ID, "admin", "bob")
	require.NoError(t, err)

	claimed, err := f.manager.Claim(ctx, "t1", task.ID, "bob", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "bob", claimed.Assignee)
}

func TestClaimedTaskCannotBeReclaimed(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	_, err = f.manager.Claim(ctx, "t1", task.ID, "carol", []string{"managers"}, nil)
	require.True(t, domain.IsValidationError(err))
}

func TestUnclaimReturnsTaskToPool(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	released, err := f.manager.Unclaim(ctx, "t1", task.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.TaskReady, released.Status)
	require.Empty(t, released.Assignee)
}

func TestDelegateRecordsOwner(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	// Delegation bypasses candidacy: "dave" is in no candidate set.
	delegated, err := f.manager.Delegate(ctx, "t1", task.ID, "alice", "dave")
	require.NoError(t, err)
	require.Equal(t, "dave", delegated.Assignee)
	require.Equal(t, "alice", delegated.Owner)
}

func TestCompleteWritesVariablesAndResumes(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	completed, err := f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", map[string]interface{}{"approved": true})
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, completed.Status)
	require.Equal(t, "approved", completed.Outcome)
	require.NotNil(t, completed.CompletedAt)

	variable, err := f.vars.Get(ctx, "t1", "i1", "", "approved")
	require.NoError(t, err)
	require.Equal(t, true, variable.Value())

	require.Equal(t, []string{domain.UserTaskBookmark("a1")}, f.resumer.bookmarks)
}

func TestCompleteRequiresAssignee(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	_, err = f.manager.Complete(ctx, "t1", task.ID, "carol", "approved", nil)
	require.True(t, domain.IsNotAuthorized(err))

	_, err = f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", nil)
	require.NoError(t, err)

	// A completed task cannot be completed twice.
	_, err = f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", nil)
	require.True(t, domain.IsValidationError(err))
}

func TestActionLogIsAppendOnly(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)
	_, err = f.manager.AddComment(ctx, "t1", task.ID, "alice", "looks fine")
	require.NoError(t, err)
	_, err = f.manager.SetPriority(ctx, "t1", task.ID, "alice", 5)
	require.NoError(t, err)
	_, err = f.manager.SetDueDate(ctx, "t1", task.ID, "alice", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	final, err := f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", nil)
	require.NoError(t, err)

	types := make([]domain.TaskActionType, 0, len(final.Actions))
	for _, action := range final.Actions {
		types = append(types, action.Type)
	}
	require.Equal(t, []domain.TaskActionType{
		domain.ActionCreate,
		domain.ActionClaim,
		domain.ActionComment,
		domain.ActionSetPriority,
		domain.ActionSetDueDate,
		domain.ActionComplete,
	}, types)
	require.Equal(t, 5, final.Priority)
}

func TestFailPropagatesToEngine(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	failed, err := f.manager.Fail(ctx, "t1", task.ID, "alice", "cannot process")
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, failed.Status)
	require.Equal(t, []string{"a1"}, f.resumer.failures)
}

func TestCompleteRefusedWhileInstanceSuspended(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	f.putInstance(t, domain.InstanceSuspended)
	_, err = f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", nil)
	require.ErrorIs(t, err, domain.ErrInstanceSuspended)

	// The task is untouched and completes normally once the instance resumes.
	reloaded, err := f.manager.Get(ctx, "t1", task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskReserved, reloaded.Status)

	f.putInstance(t, domain.InstanceWaiting)
	completed, err := f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", nil)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, completed.Status)
	require.Equal(t, []string{domain.UserTaskBookmark("a1")}, f.resumer.bookmarks)
}

func TestFailRefusedWhileInstanceSuspended(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	f.putInstance(t, domain.InstanceSuspended)
	_, err = f.manager.Fail(ctx, "t1", task.ID, "alice", "cannot process")
	require.ErrorIs(t, err, domain.ErrInstanceSuspended)

	reloaded, err := f.manager.Get(ctx, "t1", task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskReserved, reloaded.Status)
}

func TestCompleteQueuesResumeWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	f.resumer.nextErr = domain.ErrLeaseHeld
	completed, err := f.manager.Complete(ctx, "t1", task.ID, "alice", "approved", map[string]interface{}{"approved": true})
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, completed.Status)

	require.Len(t, f.jobs.jobs, 1)
	job := f.jobs.jobs[0]
	require.Equal(t, domain.JobResumeInstance, job.Kind)
	require.Equal(t, "i1", job.InstanceID)

	var payload domain.ResumePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, domain.UserTaskBookmark("a1"), payload.Bookmark)
	require.Equal(t, "approved", payload.Variables["outcome"])
}

func TestFailQueuesFailureWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "t1", task.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	f.resumer.nextErr = domain.ErrLeaseHeld
	failed, err := f.manager.Fail(ctx, "t1", task.ID, "alice", "cannot process")
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, failed.Status)

	require.Len(t, f.jobs.jobs, 1)
	job := f.jobs.jobs[0]
	require.Equal(t, domain.JobFailActivity, job.Kind)

	var payload domain.FailPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "a1", payload.ActivityID)
	require.Contains(t, payload.Reason, "cannot process")
}

func TestQueryFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.createTask(t, reviewElement())

	other := reviewElement()
	other.CandidateGroups = []string{"finance"}
	inst := &domain.ProcessInstance{ID: "i2", TenantID: "t1", DefinitionKey: "billing"}
	act := &domain.ActivityInstance{ID: "a2", TenantID: "t1", InstanceID: "i2", ElementID: "review"}
	_, err := f.manager.CreateForActivity(ctx, inst, act, other)
	require.NoError(t, err)

	_, err = f.manager.Claim(ctx, "t1", first.ID, "alice", []string{"managers"}, nil)
	require.NoError(t, err)

	byAssignee, total, err := f.manager.Query(ctx, "t1", TaskFilter{Assignee: "alice"}, ports.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, first.ID, byAssignee[0].ID)

	byGroup, _, err := f.manager.Query(ctx, "t1", TaskFilter{CandidateGroup: "finance"}, ports.Page{})
	require.NoError(t, err)
	require.Len(t, byGroup, 1)

	byStatus, _, err := f.manager.Query(ctx, "t1", TaskFilter{Status: domain.TaskReady}, ports.Page{})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byKey, _, err := f.manager.Query(ctx, "t1", TaskFilter{ProcessKey: "billing"}, ports.Page{})
	require.NoError(t, err)
	require.Len(t, byKey, 1)

	paged, total, err := f.manager.Query(ctx, "t1", TaskFilter{}, ports.Page{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, paged, 1)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, reviewElement())
	ctx := context.Background()

	const claimants = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := string(rune('a' + n))
			_, err := f.manager.Claim(ctx, "t1", task.ID, user, []string{"managers"}, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				require.True(t, domain.IsConflict(err) || domain.IsValidationError(err))
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}
