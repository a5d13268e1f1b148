package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/adapters/storage"
	"github.com/flowmill/flowmill/internal/domain"
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

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *fakeClock) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	config := domain.SchedulerConfig{
		WorkerCount:       1,
		PollInterval:      time.Second,
		SweepInterval:     time.Minute,
		JobLeaseTTL:       time.Minute,
		RetryBase:         10 * time.Second,
		RetryCap:          10 * time.Minute,
		DefaultMaxRetries: 3,
	}
	return New(store, clock, nil, config, "worker-test", nil), store, clock
}

func tenantJobs(t *testing.T, store *storage.MemoryStore, tenantID string) []domain.AsyncJob {
	t.Helper()
	entries, err := store.List(domain.JobScanPrefix(tenantID))
	require.NoError(t, err)

	jobs := make([]domain.AsyncJob, 0, len(entries))
	for _, entry := range entries {
		var job domain.AsyncJob
		require.NoError(t, json.Unmarshal(entry.Value, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func TestParseRecurrence(t *testing.T) {
	rec, err := ParseRecurrence("R5/PT10M")
	require.NoError(t, err)
	require.Equal(t, 5, rec.Repetitions)
	require.Equal(t, 10*time.Minute, rec.Interval)

	rec, err = ParseRecurrence("R/P1DT2H30M")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Repetitions)
	require.Equal(t, 26*time.Hour+30*time.Minute, rec.Interval)

	_, err = ParseRecurrence("PT10M")
	require.Error(t, err)
	_, err = ParseRecurrence("R3/P1M")
	require.Error(t, err)
}

func TestParseISODuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT45S":   45 * time.Second,
		"PT1H30M": 90 * time.Minute,
		"P2W":     14 * 24 * time.Hour,
		"P1DT2H":  26 * time.Hour,
		"PT0.5S":  500 * time.Millisecond,
	}
	for expr, want := range cases {
		got, err := ParseISODuration(expr)
		require.NoError(t, err, expr)
		require.Equal(t, want, got, expr)
	}

	for _, expr := range []string{"", "P", "1H", "PT", "P1Y", "PTH", "PT5"} {
		_, err := ParseISODuration(expr)
		require.Error(t, err, expr)
	}
}

func TestOneShotTimerFiresOnce(t *testing.T) {
	ctx := context.Background()
	sched, store, clock := newTestScheduler(t)

	timer := &domain.ProcessTimer{
		TenantID:   "acme",
		InstanceID: "inst-1",
		ActivityID: "wait",
		Bookmark:   domain.TimerBookmark("wait"),
		Kind:       domain.TimerDuration,
		FireAt:     clock.Now().Add(time.Minute),
	}
	require.NoError(t, sched.ScheduleTimer(ctx, timer))

	sched.pollTimers(ctx)
	require.Empty(t, tenantJobs(t, store, "acme"))

	clock.Advance(2 * time.Minute)
	sched.pollTimers(ctx)

	fired, err := sched.GetTimer(ctx, "acme", timer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TimerTriggered, fired.Status)

	jobs := tenantJobs(t, store, "acme")
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobResumeInstance, jobs[0].Kind)

	var payload domain.ResumePayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	require.Equal(t, "inst-1", payload.InstanceID)
	require.Equal(t, domain.TimerBookmark("wait"), payload.Bookmark)

	// A second poll must not fire the triggered timer again.
	sched.pollTimers(ctx)
	require.Len(t, tenantJobs(t, store, "acme"), 1)
}

func TestRecurringTimerExhausts(t *testing.T) {
	ctx := context.Background()
	sched, store, clock := newTestScheduler(t)

	timer := &domain.ProcessTimer{
		TenantID:   "acme",
		InstanceID: "inst-1",
		ActivityID: "poll",
		Bookmark:   domain.TimerBookmark("poll"),
		Kind:       domain.TimerCycle,
		Recurrence: "R2/PT10S",
	}
	require.NoError(t, sched.ScheduleTimer(ctx, timer))
	require.Equal(t, 2, timer.MaxExecutions)

	clock.Advance(11 * time.Second)
	sched.pollTimers(ctx)

	after, err := sched.GetTimer(ctx, "acme", timer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TimerScheduled, after.Status)
	require.Equal(t, 1, after.Executions)

	clock.Advance(10 * time.Second)
	sched.pollTimers(ctx)

	after, err = sched.GetTimer(ctx, "acme", timer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TimerExhausted, after.Status)
	require.Equal(t, 2, after.Executions)
	require.Len(t, tenantJobs(t, store, "acme"), 2)
}

func TestCancelTimersForActivity(t *testing.T) {
	ctx := context.Background()
	sched, _, clock := newTestScheduler(t)

	timer := &domain.ProcessTimer{
		TenantID:   "acme",
		InstanceID: "inst-1",
		ActivityID: "wait",
		Kind:       domain.TimerDate,
		FireAt:     clock.Now().Add(time.Hour),
	}
	require.NoError(t, sched.ScheduleTimer(ctx, timer))
	require.NoError(t, sched.CancelTimersForActivity(ctx, "acme", "inst-1", "wait"))

	cancelled, err := sched.GetTimer(ctx, "acme", timer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TimerCancelled, cancelled.Status)
}

func TestJobRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	sched, _, clock := newTestScheduler(t)

	var attempts int
	sched.RegisterJobHandler(domain.JobWebhook, func(ctx context.Context, job *domain.AsyncJob) error {
		attempts++
		return errors.New("endpoint unreachable")
	})

	job := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobWebhook, MaxRetries: 2}
	require.NoError(t, sched.EnqueueJob(ctx, job))

	var retryTimes []time.Time
	for i := 0; i < 5; i++ {
		sched.pollJobs(ctx)
		current, err := sched.GetJob(ctx, "acme", job.ID)
		require.NoError(t, err)
		if current.Status == domain.JobDeadLetter {
			break
		}
		require.Equal(t, domain.JobRetrying, current.Status)
		retryTimes = append(retryTimes, current.NextRetryAt)
		clock.Advance(current.NextRetryAt.Sub(clock.Now()) + time.Second)
	}

	final, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLetter, final.Status)
	require.Equal(t, 2, final.RetryCount)
	require.Equal(t, 3, attempts)
	require.Contains(t, final.Error, "endpoint unreachable")

	// Backoff grows between consecutive retries.
	require.Len(t, retryTimes, 2)
	require.True(t, retryTimes[1].After(retryTimes[0]))
}

func TestDeadLetterRequeue(t *testing.T) {
	ctx := context.Background()
	sched, _, clock := newTestScheduler(t)

	fail := true
	sched.RegisterJobHandler(domain.JobNotification, func(ctx context.Context, job *domain.AsyncJob) error {
		if fail {
			return errors.New("smtp down")
		}
		return nil
	})

	job := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobNotification, MaxRetries: 1}
	require.NoError(t, sched.EnqueueJob(ctx, job))

	for i := 0; i < 3; i++ {
		sched.pollJobs(ctx)
		clock.Advance(time.Hour)
	}
	dead, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDeadLetter, dead.Status)

	fail = false
	requeued, err := sched.RetryDeadLetter(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, requeued.Status)
	require.Zero(t, requeued.RetryCount)

	sched.pollJobs(ctx)
	done, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, done.Status)

	_, err = sched.RetryDeadLetter(ctx, "acme", job.ID)
	require.True(t, domain.IsValidationError(err))
}

func TestUnknownJobKindFollowsRetryPath(t *testing.T) {
	ctx := context.Background()
	sched, _, _ := newTestScheduler(t)

	job := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobKind("mystery"), MaxRetries: 1}
	require.NoError(t, sched.EnqueueJob(ctx, job))

	sched.pollJobs(ctx)
	current, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRetrying, current.Status)
	require.Contains(t, current.Error, "no handler registered")
}

func TestSweepReclaimsExpiredJobLease(t *testing.T) {
	ctx := context.Background()
	sched, _, clock := newTestScheduler(t)

	job := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobWebhook, MaxRetries: 3}
	require.NoError(t, sched.EnqueueJob(ctx, job))

	// Simulate a worker that claimed the job and died.
	claimed, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	claimed.Status = domain.JobRunning
	claimed.Lease = domain.Lease{Owner: "worker-dead", ExpiresAt: clock.Now().Add(time.Minute), Generation: 1}
	require.NoError(t, sched.putJob(claimed, claimed.Version+1))

	require.NoError(t, sched.Sweep(ctx, clock.Now()))
	untouched, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, untouched.Status)

	clock.Advance(2 * time.Minute)
	require.NoError(t, sched.Sweep(ctx, clock.Now()))

	reclaimed, err := sched.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRetrying, reclaimed.Status)
	require.Equal(t, 1, reclaimed.RetryCount)
	require.Contains(t, reclaimed.Error, "worker-dead")
	require.Empty(t, reclaimed.Lease.Owner)
}

func TestCancelJobsForInstance(t *testing.T) {
	ctx := context.Background()
	sched, _, _ := newTestScheduler(t)

	mine := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobWebhook, InstanceID: "inst-1"}
	other := &domain.AsyncJob{TenantID: "acme", Kind: domain.JobWebhook, InstanceID: "inst-2"}
	require.NoError(t, sched.EnqueueJob(ctx, mine))
	require.NoError(t, sched.EnqueueJob(ctx, other))

	require.NoError(t, sched.CancelJobsForInstance(ctx, "acme", "inst-1"))

	cancelled, err := sched.GetJob(ctx, "acme", mine.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, cancelled.Status)

	kept, err := sched.GetJob(ctx, "acme", other.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, kept.Status)
}
