package ports

import (
	"context"
	"time"

	"github.com/flowmill/flowmill/internal/domain"
)

// AuditSink receives the append-only audit stream. Append must not fail the
// calling operation: implementations log and swallow their own errors.
type AuditSink interface {
	Append(ctx context.Context, event domain.AuditEvent)
}

// Resumer re-enters the execution engine after an external trigger: a task
// completion, a timer firing, a job finishing, or a correlated message.
type Resumer interface {
	ResumeBookmark(ctx context.Context, tenantID, instanceID, bookmark string, variables map[string]interface{}) error
	FailActivity(ctx context.Context, tenantID, instanceID, activityID string, cause error) error
}

// TaskService is the slice of the human task manager the engine drives.
type TaskService interface {
	CreateForActivity(ctx context.Context, inst *domain.ProcessInstance, act *domain.ActivityInstance, el domain.Element) (*domain.HumanTask, error)
	ExitForActivity(ctx context.Context, tenantID, activityID string) error
}

// TimerScheduler is the slice of the scheduler the engine drives.
type TimerScheduler interface {
	ScheduleTimer(ctx context.Context, timer *domain.ProcessTimer) error
	CancelTimersForActivity(ctx context.Context, tenantID, instanceID, activityID string) error
	EnqueueJob(ctx context.Context, job *domain.AsyncJob) error
	CancelJobsForInstance(ctx context.Context, tenantID, instanceID string) error
}

// RuleEvaluator is the slice of the rules engine consumed by business-rule
// tasks.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, tenantID, ruleSetKey string, facts map[string]interface{}) (map[string]interface{}, error)
}

// TaskHandler executes a synchronous service/script task. Returned values
// are written back into the instance scope.
type TaskHandler func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// HandlerRegistry resolves service/script handler names to implementations.
type HandlerRegistry interface {
	Handler(name string) (TaskHandler, bool)
}

// JobHandler executes one kind of background job while the worker holds the
// job's lease.
type JobHandler func(ctx context.Context, job *domain.AsyncJob) error

// Page bounds a query result.
type Page struct {
	Offset int
	Limit  int
}

// Clip applies the page to a slice length, returning the [lo, hi) window.
func (p Page) Clip(n int) (int, int) {
	lo := p.Offset
	if lo < 0 {
		lo = 0
	}
	if lo > n {
		lo = n
	}
	hi := n
	if p.Limit > 0 && lo+p.Limit < n {
		hi = lo + p.Limit
	}
	return lo, hi
}

// StaleSweeper reclaims expired leases so crashed workers never wedge an
// instance or a job.
type StaleSweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}
