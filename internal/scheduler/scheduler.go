package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/observability/metrics"
)

// defaultMaxScheduledTimeout is the hard cap on a fired run's duration when
// config leaves it unset (spec §4.5, open question #1 decision: retained as
// a guardrail, default 120s).
const defaultMaxScheduledTimeout = 120 * time.Second

// Scheduler ticks over enabled Schedules, firing due ones through Runner
// while skipping overlapping ticks and retrying failures up to a limit
// (grounded on the teacher's ticker+stopCh+WaitGroup+retry-map processor
// shape, generalized from a task queue to a calendar trigger).
type Scheduler struct {
	store   Store
	runner  Runner
	cfg     config.SchedulerConfig
	logger  *logger.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	inFlight    map[string]bool
	retryCounts map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
	sem    chan struct{}
}

// New builds a Scheduler. cfg.MaxConcurrent bounds how many schedules the
// tick loop fires at once; RunNow and retries do not take a slot. reg may be
// nil.
func New(store Store, runner Runner, cfg config.SchedulerConfig, log *logger.Logger, reg *metrics.Registry) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Scheduler{
		store:       store,
		runner:      runner,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		metrics:     reg,
		inFlight:    make(map[string]bool),
		retryCounts: make(map[string]int),
		stopCh:      make(chan struct{}),
		sem:         make(chan struct{}, maxConcurrent),
	}
}

// Start runs the tick loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.ProcessIntervalS) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits for it, for every fired run
// still in progress, and for pending retries (which return early on the
// signal). Runs started by RunNow are not waited for.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("list schedules failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}

		next, hasNext, err := computeNextFire(sched, now)
		if err != nil {
			s.logger.Warn("compute next fire failed", zap.String("schedule_id", sched.ID), zap.Error(err))
			continue
		}
		if !hasNext || next.After(now) {
			continue
		}

		s.mu.Lock()
		if s.inFlight[sched.ID] {
			s.mu.Unlock()
			s.recordSkippedOverlap(ctx, sched, now)
			continue
		}
		s.inFlight[sched.ID] = true
		s.mu.Unlock()

		sched := sched
		select {
		case s.sem <- struct{}{}:
		default:
			// at global concurrency cap this tick; try again next tick
			s.mu.Lock()
			delete(s.inFlight, sched.ID)
			s.mu.Unlock()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, sched.ID)
				s.mu.Unlock()
			}()
			s.fire(ctx, sched)
		}()
	}
}

func (s *Scheduler) recordSkippedOverlap(ctx context.Context, sched *Schedule, now time.Time) {
	_ = s.store.RecordHistory(ctx, &HistoryEntry{
		ScheduleID:  sched.ID,
		StartedAt:   now,
		CompletedAt: now,
		Status:      StatusSkippedOverlap,
	})
	s.metrics.RecordScheduleRun(string(StatusSkippedOverlap), 0)
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule) {
	capTimeout := s.cfg.MaxScheduledTimeout()
	if capTimeout <= 0 {
		capTimeout = defaultMaxScheduledTimeout
	}
	timeout := time.Duration(sched.TimeoutS) * time.Second
	if timeout <= 0 || timeout > capTimeout {
		timeout = capTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sessionID := fmt.Sprintf("scheduler::%s::%s", sched.ID, newRunNonce())
	started := time.Now().UTC()

	excerpt, err := s.runner.Run(runCtx, sessionID, sched.WorkflowID)
	completed := time.Now().UTC()

	status := StatusSuccess
	var errMsg string
	if err != nil {
		status = StatusFailed
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status = StatusTimeout
		}
		errMsg = err.Error()
	}

	_ = s.store.RecordHistory(ctx, &HistoryEntry{
		ScheduleID:     sched.ID,
		StartedAt:      started,
		CompletedAt:    completed,
		Status:         status,
		ExecutionTimeS: completed.Sub(started).Seconds(),
		ResultExcerpt:  excerpt,
		Error:          errMsg,
	})
	s.metrics.RecordScheduleRun(string(status), completed.Sub(started))

	s.applyPostRunState(ctx, sched, status, completed)

	if status != StatusSuccess && sched.RetryOnFailure {
		s.maybeRetry(ctx, sched)
		return
	}
	s.mu.Lock()
	delete(s.retryCounts, sched.ID)
	s.mu.Unlock()
}

func (s *Scheduler) maybeRetry(ctx context.Context, sched *Schedule) {
	maxRetries := sched.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.RetryLimit
	}
	s.mu.Lock()
	count := s.retryCounts[sched.ID]
	if count >= maxRetries {
		delete(s.retryCounts, sched.ID)
		s.mu.Unlock()
		return
	}
	s.retryCounts[sched.ID] = count + 1
	s.mu.Unlock()

	delay := time.Duration(s.cfg.RetryDelayS) * time.Second
	if delay <= 0 {
		delay = 30 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		s.fire(ctx, sched)
	}()
}

func (s *Scheduler) applyPostRunState(ctx context.Context, sched *Schedule, status Status, completed time.Time) {
	sched.RunCount++
	sched.LastRunAt = &completed

	disable := false
	switch sched.Type {
	case TypeOnce:
		disable = true
	}
	if sched.MaxRuns != nil && sched.RunCount >= *sched.MaxRuns {
		disable = true
	}
	if disable {
		sched.Enabled = false
		sched.NextRunAt = nil
	} else if next, ok, err := computeNextFire(sched, completed); err == nil && ok {
		sched.NextRunAt = &next
	}

	if err := s.store.Update(ctx, sched); err != nil {
		s.logger.Warn("persist schedule post-run state failed", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

// RunNow fires sched immediately, bypassing its next-fire computation
// (spec §4.5 Contract: RunNow(id)).
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.inFlight[id] {
		s.mu.Unlock()
		return errors.New("schedule already running")
	}
	s.inFlight[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	s.fire(ctx, sched)
	return nil
}

// ListUpcoming returns up to n enabled schedules ordered by next fire time.
func (s *Scheduler) ListUpcoming(ctx context.Context, n int) ([]*Schedule, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []*Schedule
	for _, sc := range all {
		if sc.Enabled {
			enabled = append(enabled, sc)
		}
	}
	sortByNextRun(enabled)
	if n > 0 && len(enabled) > n {
		enabled = enabled[:n]
	}
	return enabled, nil
}
