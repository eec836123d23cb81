package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/workflow/compiler"
)

func createTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := createTestSQLiteStore(t)
	require.NotNil(t, store.db)
}

func TestSQLiteStore_UserRoundTrip(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	u := &User{
		UserID: "u1", Email: "a@example.com", PasswordHash: "hash",
		Name: "Ada", Role: "admin", Skills: []string{"go", "rust"}, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateUser(ctx, u))

	got, err := store.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, []string{"go", "rust"}, got.Skills)
	require.Nil(t, got.LastLogin)

	now := time.Now()
	require.NoError(t, store.TouchLastLogin(ctx, "u1", now))
	got, err = store.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)
}

func TestSQLiteStore_GetUser_NotFound(t *testing.T) {
	store := createTestSQLiteStore(t)
	_, err := store.GetUser(context.Background(), "missing")
	require.Error(t, err)
	ae, ok := apperror.As(err)
	require.True(t, ok)
	require.Equal(t, apperror.KindNotFound, ae.Kind)
}

func TestSQLiteStore_WorkflowCRUD(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	w := &Workflow{
		WorkflowID: "w1", UserID: "u1", Name: "Draft and review", Goal: "ship a blog post",
		Steps: []compiler.Step{{ID: "s1", Order: 1, AgentName: "writer", Description: "draft"}},
		Edges: []compiler.Edge{{FromStepID: "s1", ToStepID: "s2"}},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	got, err := store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "Draft and review", got.Name)
	require.Len(t, got.Steps, 1)
	require.Equal(t, "writer", got.Steps[0].AgentName)

	got.Name = "Draft, review, publish"
	got.UpdatedAt = time.Now()
	require.NoError(t, store.UpdateWorkflow(ctx, got))

	got, err = store.GetWorkflow(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "Draft, review, publish", got.Name)

	list, err := store.ListWorkflows(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	all, err := store.ListAllWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.DeleteWorkflow(ctx, "w1"))
	// delete is idempotent: deleting again is not an error.
	require.NoError(t, store.DeleteWorkflow(ctx, "w1"))

	_, err = store.GetWorkflow(ctx, "w1")
	require.Error(t, err)
}

func TestSQLiteStore_UpdateWorkflow_NotFound(t *testing.T) {
	store := createTestSQLiteStore(t)
	err := store.UpdateWorkflow(context.Background(), &Workflow{WorkflowID: "missing", UpdatedAt: time.Now()})
	require.Error(t, err)
	ae, ok := apperror.As(err)
	require.True(t, ok)
	require.Equal(t, apperror.KindNotFound, ae.Kind)
}

func TestSQLiteStore_ActiveWorkflows(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	ref, err := store.GetActiveWorkflows(ctx, "sess1")
	require.NoError(t, err)
	require.Empty(t, ref.WorkflowIDs)

	require.NoError(t, store.SetActiveWorkflows(ctx, "sess1", []string{"w1", "w2"}))
	ref, err = store.GetActiveWorkflows(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w2"}, ref.WorkflowIDs)

	require.NoError(t, store.SetActiveWorkflows(ctx, "sess1", []string{"w3"}))
	ref, err = store.GetActiveWorkflows(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, []string{"w3"}, ref.WorkflowIDs)

	require.NoError(t, store.ClearActiveWorkflows(ctx, "sess1"))
	ref, err = store.GetActiveWorkflows(ctx, "sess1")
	require.NoError(t, err)
	require.Empty(t, ref.WorkflowIDs)
}

func TestSQLiteStore_AgentFiles(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	f := &AgentFile{SessionID: "sess1", FileID: "f1", Name: "out.png", URI: "https://store/out.png", MimeType: "image/png", CreatedAt: time.Now()}
	require.NoError(t, store.PutAgentFile(ctx, f))

	list, err := store.ListAgentFiles(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "out.png", list[0].Name)

	require.NoError(t, store.DeleteAgentFile(ctx, "sess1", "f1"))
	list, err = store.ListAgentFiles(ctx, "sess1")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSQLiteStore_ScheduleCRUD(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	maxRuns := 5
	sc := &scheduler.Schedule{
		ID: "sc1", WorkflowID: "w1", SessionID: "sess1", Type: scheduler.TypeWeekly,
		DaysOfWeek: []time.Weekday{time.Monday, time.Friday}, TimeOfDay: "09:00", Timezone: "UTC",
		Enabled: true, MaxRuns: &maxRuns, TimeoutS: 60, RetryOnFailure: true, MaxRetries: 2,
	}
	require.NoError(t, store.Create(ctx, sc))

	got, err := store.Get(ctx, "sc1")
	require.NoError(t, err)
	require.Equal(t, scheduler.TypeWeekly, got.Type)
	require.Equal(t, []time.Weekday{time.Monday, time.Friday}, got.DaysOfWeek)
	require.NotNil(t, got.MaxRuns)
	require.Equal(t, 5, *got.MaxRuns)
	require.Equal(t, 2, got.MaxRetries)
	require.True(t, got.RetryOnFailure)

	got.Enabled = false
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, "sc1")
	require.NoError(t, err)
	require.False(t, got.Enabled)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "sc1"))
	require.NoError(t, store.Delete(ctx, "sc1")) // idempotent

	_, err = store.Get(ctx, "sc1")
	require.Error(t, err)
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := createTestSQLiteStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	ae, ok := apperror.As(err)
	require.True(t, ok)
	require.Equal(t, apperror.KindNotFound, ae.Kind)
}

func TestSQLiteStore_ScheduleHistory_OrderedNewestFirst(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &scheduler.Schedule{ID: "sc1", WorkflowID: "w1", Type: scheduler.TypeOnce}))

	base := time.Now()
	entries := []*scheduler.HistoryEntry{
		{ScheduleID: "sc1", StartedAt: base, CompletedAt: base.Add(time.Second), Status: scheduler.StatusSuccess, ResultExcerpt: "first"},
		{ScheduleID: "sc1", StartedAt: base.Add(time.Minute), CompletedAt: base.Add(time.Minute + time.Second), Status: scheduler.StatusFailed, Error: "boom"},
	}
	for _, e := range entries {
		require.NoError(t, store.RecordHistory(ctx, e))
	}

	hist, err := store.History(ctx, "sc1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, scheduler.StatusFailed, hist[0].Status)
	require.Equal(t, "boom", hist[0].Error)
	require.Equal(t, scheduler.StatusSuccess, hist[1].Status)
	require.Equal(t, "first", hist[1].ResultExcerpt)
}
