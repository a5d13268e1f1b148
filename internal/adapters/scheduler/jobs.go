package scheduler

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
)

// EnqueueJob persists a new pending job. Callers set kind and payload; the
// scheduler owns identity, retry budget defaults and timestamps.
func (s *Scheduler) EnqueueJob(ctx context.Context, job *domain.AsyncJob) error {
	now := s.clock.Now()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = s.config.DefaultMaxRetries
	}
	job.Status = domain.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.putJob(job, 1); err != nil {
		return err
	}

	s.appendAudit(ctx, domain.AuditEvent{
		TenantID:   job.TenantID,
		Type:       domain.AuditJobEnqueued,
		EntityKind: "job",
		EntityID:   job.ID,
		InstanceID: job.InstanceID,
		Data:       map[string]interface{}{"kind": string(job.Kind)},
	})
	return nil
}

// CancelJobsForInstance cancels every non-terminal job belonging to an
// instance. Jobs currently running are left to their holder; their write-back
// fails against the cancelled instance instead.
func (s *Scheduler) CancelJobsForInstance(ctx context.Context, tenantID, instanceID string) error {
	entries, err := s.storage.List(domain.JobScanPrefix(tenantID))
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var job domain.AsyncJob
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			continue
		}
		if job.InstanceID != instanceID || job.Status.Terminal() || job.Status == domain.JobRunning {
			continue
		}
		job.Status = domain.JobCancelled
		job.UpdatedAt = s.clock.Now()
		if err := s.putJob(&job, entry.Version+1); err != nil && !domain.IsConflict(err) {
			return err
		}
	}
	return nil
}

// RetryDeadLetter puts a dead-lettered job back in the queue with a fresh
// retry budget. This is the operator escape hatch after the underlying fault
// is fixed.
func (s *Scheduler) RetryDeadLetter(ctx context.Context, tenantID, jobID string) (*domain.AsyncJob, error) {
	job, version, err := s.loadJob(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobDeadLetter {
		return nil, domain.NewValidationError("status", fmt.Sprintf("job %s is %s, only dead-letter jobs can be requeued", jobID, job.Status))
	}

	job.Status = domain.JobPending
	job.RetryCount = 0
	job.NextRetryAt = time.Time{}
	job.Error = ""
	job.Lease = domain.Lease{}
	job.UpdatedAt = s.clock.Now()

	if err := s.putJob(job, version+1); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, domain.AuditEvent{
		TenantID:   tenantID,
		Type:       domain.AuditJobEnqueued,
		EntityKind: "job",
		EntityID:   job.ID,
		InstanceID: job.InstanceID,
		Data:       map[string]interface{}{"kind": string(job.Kind), "requeued": true},
	})
	return job, nil
}

// GetJob loads one job.
func (s *Scheduler) GetJob(ctx context.Context, tenantID, jobID string) (*domain.AsyncJob, error) {
	job, _, err := s.loadJob(tenantID, jobID)
	return job, err
}

// pollJobs claims and runs every job that is due. Claiming writes the
// worker's lease with a compare-and-swap, so when several workers see the
// same job exactly one of them runs it.
func (s *Scheduler) pollJobs(ctx context.Context) {
	now := s.clock.Now()

	entries, err := s.storage.List(domain.AllJobsPrefix())
	if err != nil {
		s.logger.Error("job scan failed", "error", err)
		return
	}

	for _, entry := range entries {
		var job domain.AsyncJob
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			s.logger.Error("corrupt job record", "key", entry.Key, "error", err)
			continue
		}
		if !job.Runnable(now) {
			continue
		}
		claimed, err := s.claimJob(&job, entry.Version, now)
		if err != nil {
			s.logger.Error("job claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		s.runJob(ctx, &job)
	}
}

func (s *Scheduler) claimJob(job *domain.AsyncJob, version int64, now time.Time) (bool, error) {
	job.Status = domain.JobRunning
	job.Lease = domain.Lease{
		Owner:      s.workerID,
		ExpiresAt:  now.Add(s.config.JobLeaseTTL),
		Generation: job.Lease.Generation + 1,
	}
	job.UpdatedAt = now

	err := s.putJob(job, version+1)
	if domain.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) runJob(ctx context.Context, job *domain.AsyncJob) {
	handler, ok := s.handler(job.Kind)

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for job kind %q", job.Kind)
	} else {
		runErr = handler(ctx, job)
	}

	now := s.clock.Now()
	job.Lease = domain.Lease{Generation: job.Lease.Generation}
	job.UpdatedAt = now

	if runErr == nil {
		job.Status = domain.JobCompleted
		job.Error = ""
		job.CompletedAt = &now
		if err := s.putJob(job, job.Version+1); err != nil {
			s.logger.Error("job completion write failed", "job_id", job.ID, "error", err)
			return
		}
		s.appendAudit(ctx, domain.AuditEvent{
			TenantID:   job.TenantID,
			Type:       domain.AuditJobCompleted,
			EntityKind: "job",
			EntityID:   job.ID,
			InstanceID: job.InstanceID,
		})
		return
	}

	s.recordFailure(ctx, job, runErr, now)
}

// recordFailure moves a failed job to retrying with exponential backoff, or
// to the dead letter queue once the retry budget is spent.
func (s *Scheduler) recordFailure(ctx context.Context, job *domain.AsyncJob, cause error, now time.Time) {
	job.Error = cause.Error()

	if job.RetryCount >= job.MaxRetries {
		job.Status = domain.JobDeadLetter
		if err := s.putJob(job, job.Version+1); err != nil {
			s.logger.Error("dead-letter write failed", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Error("job dead-lettered",
			"job_id", job.ID,
			"kind", job.Kind,
			"retries", job.RetryCount,
			"error", cause,
		)
		s.appendAudit(ctx, domain.AuditEvent{
			TenantID:   job.TenantID,
			Type:       domain.AuditJobDeadLettered,
			EntityKind: "job",
			EntityID:   job.ID,
			InstanceID: job.InstanceID,
			Error:      job.Error,
		})
		return
	}

	delay := s.retryDelay(cause, uint(job.RetryCount))
	job.RetryCount++
	job.Status = domain.JobRetrying
	job.NextRetryAt = now.Add(delay)

	if err := s.putJob(job, job.Version+1); err != nil {
		s.logger.Error("retry write failed", "job_id", job.ID, "error", err)
		return
	}
	s.appendAudit(ctx, domain.AuditEvent{
		TenantID:   job.TenantID,
		Type:       domain.AuditJobRetrying,
		EntityKind: "job",
		EntityID:   job.ID,
		InstanceID: job.InstanceID,
		Error:      job.Error,
		Data: map[string]interface{}{
			"retry_count":   job.RetryCount,
			"next_retry_at": job.NextRetryAt,
		},
	})
}

// Sweep reclaims jobs whose holder died mid-run: a running job with an
// expired lease goes back through the failure path as if the attempt had
// returned an error.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) error {
	entries, err := s.storage.List(domain.AllJobsPrefix())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var job domain.AsyncJob
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			continue
		}
		if job.Status != domain.JobRunning || job.Lease.Held(now) {
			continue
		}
		job.Version = entry.Version
		owner := job.Lease.Owner
		job.Lease = domain.Lease{Generation: job.Lease.Generation}
		job.UpdatedAt = now
		s.logger.Warn("reclaiming job from expired lease", "job_id", job.ID, "owner", owner)
		s.recordFailure(ctx, &job, fmt.Errorf("lease held by %s expired during run", owner), now)
	}
	return nil
}

func (s *Scheduler) loadJob(tenantID, jobID string) (*domain.AsyncJob, int64, error) {
	value, version, exists, err := s.storage.Get(domain.JobKey(tenantID, jobID))
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, domain.ErrNotFound
	}
	var job domain.AsyncJob
	if err := json.Unmarshal(value, &job); err != nil {
		return nil, 0, err
	}
	job.Version = version
	return &job, version, nil
}

func (s *Scheduler) putJob(job *domain.AsyncJob, version int64) error {
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.storage.Put(domain.JobKey(job.TenantID, job.ID), value, version); err != nil {
		return err
	}
	job.Version = version
	return nil
}
