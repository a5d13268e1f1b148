package domain

import (
	"log/slog"
	"time"
)

// Config carries every tunable the engine accepts. Zero values are replaced
// by defaults in ApplyDefaults, so an empty Config is usable.
type Config struct {
	DataDir  string       `json:"data_dir"`
	InMemory bool         `json:"in_memory"`
	WorkerID string       `json:"worker_id"`
	Logger   *slog.Logger `json:"-"`

	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`
}

type EngineConfig struct {
	// LeaseTTL bounds how long an advancement lease may be held before a
	// stale-lease sweep can reclaim the instance.
	LeaseTTL time.Duration `json:"lease_ttl"`
	// DefaultMaxRetries applies to task elements without a retry policy.
	DefaultMaxRetries int           `json:"default_max_retries"`
	DefaultRetryDelay time.Duration `json:"default_retry_delay"`
	// MaxAdvanceSteps guards against runaway models; one advancement pass
	// aborts the instance as faulted when it moves more tokens than this.
	MaxAdvanceSteps int `json:"max_advance_steps"`
}

type SchedulerConfig struct {
	WorkerCount   int           `json:"worker_count"`
	PollInterval  time.Duration `json:"poll_interval"`
	SweepInterval time.Duration `json:"sweep_interval"`
	JobLeaseTTL   time.Duration `json:"job_lease_ttl"`
	// RetryBase seeds the exponential backoff: base * 2^retryCount, capped
	// at RetryCap.
	RetryBase         time.Duration `json:"retry_base"`
	RetryCap          time.Duration `json:"retry_cap"`
	DefaultMaxRetries int           `json:"default_max_retries"`
}

type RetentionConfig struct {
	// CompletedTTL is how long terminal instances stay queryable before the
	// retention sweep may purge them. Zero keeps them forever.
	CompletedTTL time.Duration `json:"completed_ttl"`
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WorkerID == "" {
		c.WorkerID = "worker-1"
	}
	if c.Engine.LeaseTTL <= 0 {
		c.Engine.LeaseTTL = 30 * time.Second
	}
	if c.Engine.DefaultMaxRetries <= 0 {
		c.Engine.DefaultMaxRetries = 3
	}
	if c.Engine.DefaultRetryDelay <= 0 {
		c.Engine.DefaultRetryDelay = 5 * time.Second
	}
	if c.Engine.MaxAdvanceSteps <= 0 {
		c.Engine.MaxAdvanceSteps = 10000
	}
	if c.Scheduler.WorkerCount <= 0 {
		c.Scheduler.WorkerCount = 4
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = time.Second
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = 30 * time.Second
	}
	if c.Scheduler.JobLeaseTTL <= 0 {
		c.Scheduler.JobLeaseTTL = time.Minute
	}
	if c.Scheduler.RetryBase <= 0 {
		c.Scheduler.RetryBase = 5 * time.Second
	}
	if c.Scheduler.RetryCap <= 0 {
		c.Scheduler.RetryCap = 15 * time.Minute
	}
	if c.Scheduler.DefaultMaxRetries <= 0 {
		c.Scheduler.DefaultMaxRetries = 3
	}
}
