package scheduler

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
)

// ScheduleTimer persists a timer and marks it scheduled. The engine fills in
// the resumption bookmark; the scheduler only decides when to fire.
func (s *Scheduler) ScheduleTimer(ctx context.Context, timer *domain.ProcessTimer) error {
	now := s.clock.Now()

	if timer.ID == "" {
		timer.ID = uuid.NewString()
	}
	if timer.Kind == domain.TimerCycle {
		rec, err := ParseRecurrence(timer.Recurrence)
		if err != nil {
			return err
		}
		if timer.MaxExecutions == 0 {
			timer.MaxExecutions = rec.Repetitions
		}
		if timer.FireAt.IsZero() {
			timer.FireAt = now.Add(rec.Interval)
		}
	}
	if timer.FireAt.IsZero() {
		return fmt.Errorf("timer %s: fire time is required", timer.ID)
	}
	timer.Status = domain.TimerScheduled
	timer.NextFireAt = timer.FireAt
	timer.CreatedAt = now

	if err := s.putTimer(timer, 1); err != nil {
		return err
	}

	s.appendAudit(ctx, domain.AuditEvent{
		TenantID:   timer.TenantID,
		Type:       domain.AuditTimerScheduled,
		EntityKind: "timer",
		EntityID:   timer.ID,
		InstanceID: timer.InstanceID,
		Data: map[string]interface{}{
			"kind":    string(timer.Kind),
			"fire_at": timer.NextFireAt,
		},
	})
	return nil
}

// CancelTimersForActivity cancels every live timer attached to one activity
// instance. The engine calls it when the waiting activity completes or is
// cancelled through another path.
func (s *Scheduler) CancelTimersForActivity(ctx context.Context, tenantID, instanceID, activityID string) error {
	entries, err := s.storage.List(domain.TimerScanPrefix(tenantID))
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var timer domain.ProcessTimer
		if err := json.Unmarshal(entry.Value, &timer); err != nil {
			continue
		}
		if timer.InstanceID != instanceID || timer.ActivityID != activityID {
			continue
		}
		if timer.Status != domain.TimerScheduled {
			continue
		}
		timer.Status = domain.TimerCancelled
		if err := s.putTimer(&timer, entry.Version+1); err != nil && !domain.IsConflict(err) {
			return err
		}
	}
	return nil
}

// pollTimers fires every due timer. Transitioning a timer away from
// scheduled is the arbitration point: the poller whose compare-and-swap
// lands owns the firing, any other poller loses the swap and moves on.
func (s *Scheduler) pollTimers(ctx context.Context) {
	now := s.clock.Now()

	entries, err := s.storage.List(domain.AllTimersPrefix())
	if err != nil {
		s.logger.Error("timer scan failed", "error", err)
		return
	}

	for _, entry := range entries {
		var timer domain.ProcessTimer
		if err := json.Unmarshal(entry.Value, &timer); err != nil {
			s.logger.Error("corrupt timer record", "key", entry.Key, "error", err)
			continue
		}
		if timer.Status != domain.TimerScheduled || timer.NextFireAt.After(now) {
			continue
		}
		if err := s.fireTimer(ctx, &timer, entry.Version, now); err != nil {
			if !domain.IsConflict(err) {
				s.logger.Error("timer firing failed", "timer_id", timer.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) fireTimer(ctx context.Context, timer *domain.ProcessTimer, version int64, now time.Time) error {
	timer.Executions++

	if timer.Kind == domain.TimerCycle {
		rec, err := ParseRecurrence(timer.Recurrence)
		if err != nil {
			return err
		}
		if timer.MaxExecutions > 0 && timer.Executions >= timer.MaxExecutions {
			timer.Status = domain.TimerExhausted
		} else {
			// Next firing is measured from the due time, not from when the
			// poller noticed, so a slow poll does not drift the schedule.
			timer.NextFireAt = timer.NextFireAt.Add(rec.Interval)
		}
	} else {
		timer.Status = domain.TimerTriggered
	}

	if err := s.putTimer(timer, version+1); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.ResumePayload{
		InstanceID: timer.InstanceID,
		Bookmark:   timer.Bookmark,
	})
	if err != nil {
		return err
	}
	job := &domain.AsyncJob{
		TenantID:   timer.TenantID,
		Kind:       domain.JobResumeInstance,
		InstanceID: timer.InstanceID,
		Payload:    payload,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		return err
	}

	s.appendAudit(ctx, domain.AuditEvent{
		TenantID:   timer.TenantID,
		Type:       domain.AuditTimerFired,
		EntityKind: "timer",
		EntityID:   timer.ID,
		InstanceID: timer.InstanceID,
		Data: map[string]interface{}{
			"executions": timer.Executions,
			"status":     string(timer.Status),
		},
	})
	return nil
}

// GetTimer loads one timer.
func (s *Scheduler) GetTimer(ctx context.Context, tenantID, timerID string) (*domain.ProcessTimer, error) {
	value, version, exists, err := s.storage.Get(domain.TimerKey(tenantID, timerID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	var timer domain.ProcessTimer
	if err := json.Unmarshal(value, &timer); err != nil {
		return nil, err
	}
	timer.Version = version
	return &timer, nil
}

func (s *Scheduler) putTimer(timer *domain.ProcessTimer, version int64) error {
	value, err := json.Marshal(timer)
	if err != nil {
		return err
	}
	if err := s.storage.Put(domain.TimerKey(timer.TenantID, timer.ID), value, version); err != nil {
		return err
	}
	timer.Version = version
	return nil
}
