package domain

import (
	"encoding/json"
	"time"
)

// AsyncJob is a leased unit of background work. A worker may only run a job
// while holding its lease; a failed run either schedules a retry with
// exponential backoff or dead-letters the job once MaxRetries is exhausted.
type AsyncJob struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	Kind     JobKind `json:"kind"`

	Status JobStatus `json:"status"`

	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	RetryCount  int       `json:"retry_count,omitempty"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	// NotBefore delays the first attempt of a pending job.
	NotBefore time.Time `json:"not_before,omitempty"`

	Lease   Lease  `json:"lease,omitempty"`
	Error   string `json:"error,omitempty"`
	Version int64  `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type JobKind string

const (
	JobResumeInstance JobKind = "resume_instance"
	JobFireTimer      JobKind = "fire_timer"
	JobRetryActivity  JobKind = "retry_activity"
	JobFailActivity   JobKind = "fail_activity"
	JobNotification   JobKind = "notification"
	JobWebhook        JobKind = "webhook"
	JobScript         JobKind = "script"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
	JobDeadLetter JobStatus = "dead_letter"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job will never be attempted again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobDeadLetter, JobCancelled:
		return true
	}
	return false
}

// Runnable reports whether a poller may lease the job at now.
func (j *AsyncJob) Runnable(now time.Time) bool {
	switch j.Status {
	case JobPending:
		return !j.NotBefore.After(now)
	case JobRetrying:
		return !j.NextRetryAt.After(now)
	case JobRunning:
		return !j.Lease.Held(now)
	}
	return false
}

// ResumePayload is the payload of resume_instance and retry_activity jobs.
type ResumePayload struct {
	InstanceID string                 `json:"instance_id"`
	Bookmark   string                 `json:"bookmark,omitempty"`
	ActivityID string                 `json:"activity_id,omitempty"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// FailPayload is the payload of fail_activity jobs.
type FailPayload struct {
	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`
	Reason     string `json:"reason"`
}

// FireTimerPayload is the payload of fire_timer jobs.
type FireTimerPayload struct {
	TimerID string `json:"timer_id"`
}
