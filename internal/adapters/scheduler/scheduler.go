// Package scheduler runs the durable side of time: persisted timers that
// wake waiting instances, and leased background jobs with exponential retry
// and a dead-letter terminal state. Pollers race on compare-and-swap writes,
// so any number of workers can share one store and each due item still fires
// exactly once.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type Scheduler struct {
	storage  ports.Storage
	clock    ports.Clock
	audit    ports.AuditSink
	config   domain.SchedulerConfig
	workerID string
	logger   *slog.Logger

	retryDelay backoff.Strategy

	mu       sync.RWMutex
	handlers map[domain.JobKind]ports.JobHandler
	sweepers []ports.StaleSweeper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(storage ports.Storage, clock ports.Clock, audit ports.AuditSink, config domain.SchedulerConfig, workerID string, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = ports.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		storage:  storage,
		clock:    clock,
		audit:    audit,
		config:   config,
		workerID: workerID,
		logger:   logger.With("component", "scheduler"),
		retryDelay: backoff.WithTransforms(
			backoff.Exponential(config.RetryBase),
			linger.Limiter(0, config.RetryCap),
		),
		handlers: make(map[domain.JobKind]ports.JobHandler),
	}
}

// RegisterJobHandler binds a job kind to its executor. Jobs of an unbound
// kind fail their attempt and follow the normal retry path.
func (s *Scheduler) RegisterJobHandler(kind domain.JobKind, handler ports.JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// AddSweeper registers an additional stale-state reclaimer to run on the
// sweep interval alongside the scheduler's own job-lease sweep.
func (s *Scheduler) AddSweeper(sweeper ports.StaleSweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepers = append(s.sweepers, sweeper)
}

func (s *Scheduler) handler(kind domain.JobKind) (ports.JobHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Start launches the timer poller, the job workers and the sweep loop. It
// returns immediately; Stop blocks until every loop has drained.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx, s.config.PollInterval, s.pollTimers)
	}()

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx, s.config.PollInterval, s.pollJobs)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx, s.config.SweepInterval, s.sweepAll)
	}()

	s.logger.Info("scheduler started",
		"workers", s.config.WorkerCount,
		"poll_interval", s.config.PollInterval,
	)
}

// Stop cancels the loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

func (s *Scheduler) sweepAll(ctx context.Context) {
	now := s.clock.Now()
	if err := s.Sweep(ctx, now); err != nil {
		s.logger.Error("job sweep failed", "error", err)
	}

	s.mu.RLock()
	sweepers := append([]ports.StaleSweeper(nil), s.sweepers...)
	s.mu.RUnlock()

	for _, sweeper := range sweepers {
		if err := sweeper.Sweep(ctx, now); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}
}

func (s *Scheduler) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if s.audit != nil {
		s.audit.Append(ctx, event)
	}
}
