package scheduler

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/observability/metrics"
)

type memStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	history   []*HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{schedules: map[string]*Schedule{}}
}

func (m *memStore) Create(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) Update(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedules[id], nil
}

func (m *memStore) List(ctx context.Context) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) RecordHistory(ctx context.Context, e *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *memStore) History(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*HistoryEntry
	for _, e := range m.history {
		if e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	return out, nil
}

type countingRunner struct {
	calls int32
	delay time.Duration
	err   error
}

func (r *countingRunner) Run(ctx context.Context, isolatedSessionID, workflowID string) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "ok", r.err
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		ProcessIntervalS:     1,
		MaxConcurrent:        5,
		RetryLimit:           2,
		RetryDelayS:          1,
		MaxScheduledTimeoutS: 120,
	}
}

func TestRunNow_FiresAndRecordsHistory(t *testing.T) {
	store := newMemStore()
	runner := &countingRunner{}
	once := time.Now().Add(-time.Minute)
	sched := &Schedule{ID: "s1", WorkflowID: "wf1", Type: TypeOnce, RunAt: &once, Enabled: true, TimeoutS: 30}
	require.NoError(t, store.Create(context.Background(), sched))

	s := New(store, runner, testSchedulerConfig(), logger.Default(), nil)
	require.NoError(t, s.RunNow(context.Background(), "s1"))

	require.Equal(t, int32(1), atomic.LoadInt32(&runner.calls))
	hist, _ := store.History(context.Background(), "s1", 10)
	require.Len(t, hist, 1)
	require.Equal(t, StatusSuccess, hist[0].Status)

	updated, _ := store.Get(context.Background(), "s1")
	require.False(t, updated.Enabled) // once self-disables
	require.Equal(t, 1, updated.RunCount)
}

func TestScheduleSelfDisablesAfterMaxRuns(t *testing.T) {
	store := newMemStore()
	runner := &countingRunner{}
	maxRuns := 2
	sched := &Schedule{
		ID: "s2", WorkflowID: "wf1", Type: TypeInterval, IntervalMinutes: 1,
		Enabled: true, MaxRuns: &maxRuns, TimeoutS: 5,
	}
	require.NoError(t, store.Create(context.Background(), sched))

	s := New(store, runner, testSchedulerConfig(), logger.Default(), nil)
	require.NoError(t, s.RunNow(context.Background(), "s2"))
	require.NoError(t, s.RunNow(context.Background(), "s2"))

	updated, _ := store.Get(context.Background(), "s2")
	require.Equal(t, 2, updated.RunCount)
	require.False(t, updated.Enabled)
}

func TestSchedulerOverlapSkipsTick(t *testing.T) {
	store := newMemStore()
	runner := &countingRunner{delay: 200 * time.Millisecond}
	past := time.Now().Add(-time.Minute)
	sched := &Schedule{ID: "s3", WorkflowID: "wf1", Type: TypeOnce, RunAt: &past, Enabled: true, TimeoutS: 5}
	require.NoError(t, store.Create(context.Background(), sched))

	s := New(store, runner, testSchedulerConfig(), logger.Default(), nil)

	s.mu.Lock()
	s.inFlight["s3"] = true
	s.mu.Unlock()

	s.tick(context.Background())

	hist, _ := store.History(context.Background(), "s3", 10)
	require.Len(t, hist, 1)
	require.Equal(t, StatusSkippedOverlap, hist[0].Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&runner.calls))
}

func TestRunNow_RecordsScheduleMetrics(t *testing.T) {
	store := newMemStore()
	runner := &countingRunner{}
	once := time.Now().Add(-time.Minute)
	sched := &Schedule{ID: "s4", WorkflowID: "wf1", Type: TypeOnce, RunAt: &once, Enabled: true, TimeoutS: 30}
	require.NoError(t, store.Create(context.Background(), sched))

	reg := metrics.New()
	s := New(store, runner, testSchedulerConfig(), logger.Default(), reg)
	require.NoError(t, s.RunNow(context.Background(), "s4"))

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), `a2ahost_schedule_runs_total{status="success"} 1`)
}

func TestComputeNextFire_Cron(t *testing.T) {
	sched := &Schedule{Type: TypeCron, CronExpr: "0 0 * * *", Timezone: "UTC"}
	next, ok, err := computeNextFire(sched, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, next.Hour())
}

func TestComputeNextFire_DailyTimeOfDay(t *testing.T) {
	sched := &Schedule{Type: TypeDaily, TimeOfDay: "14:30", Timezone: "UTC"}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok, err := computeNextFire(sched, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 14, next.Hour())
	require.Equal(t, 30, next.Minute())
	require.Equal(t, now.Day(), next.Day())
}
