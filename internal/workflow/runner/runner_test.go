package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/internal/workflow/compiler"
	"github.com/a2aflow/host/pkg/a2a"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTransport) Send(ctx context.Context, agent *session.EnabledAgent, sessionID, contextID string, parts []a2a.Part, opts transport.SendOptions) (*a2a.AgentReply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agent.Agent.Name)
	f.mu.Unlock()
	return &a2a.AgentReply{Text: "ok from " + agent.Agent.Name}, nil
}

func (f *fakeTransport) Resume(resp transport.HumanResponse) error { return nil }

func newTestStore(t *testing.T) repo.Store {
	t.Helper()
	store, err := repo.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRegistry(t *testing.T, names ...string) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(logger.Default())
	for _, n := range names {
		require.NoError(t, reg.Register(&session.AgentDescriptor{
			Name: n, URLs: session.AgentURLs{Production: "https://" + n + ".internal"}, Capabilities: []string{"does things"},
		}))
	}
	return reg
}

func TestWorkflowRunner_Run_SequentialWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, &repo.Workflow{
		WorkflowID: "w1", UserID: "u1", Name: "draft-review", Goal: "ship a post",
		Steps: []compiler.Step{
			{ID: "s1", Order: 1, AgentName: "writer", Description: "draft"},
			{ID: "s2", Order: 2, AgentName: "editor", Description: "review"},
		},
	}))

	reg := newTestRegistry(t, "writer", "editor")
	ft := &fakeTransport{}
	eb := bus.NewMemoryEventBus(logger.Default())

	r := New(store, reg, ft, eb, logger.Default(), 4)
	excerptText, err := r.Run(ctx, "scheduler::sc1::run1", "w1")
	require.NoError(t, err)
	require.NotEmpty(t, excerptText)
	require.ElementsMatch(t, []string{"writer", "editor"}, ft.calls)
}

func TestWorkflowRunner_Run_UnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := newTestRegistry(t)
	ft := &fakeTransport{}
	eb := bus.NewMemoryEventBus(logger.Default())

	r := New(store, reg, ft, eb, logger.Default(), 4)
	_, err := r.Run(ctx, "scheduler::sc1::run1", "missing")
	require.Error(t, err)
}

func TestWorkflowRunner_Run_UnregisteredAgentFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, &repo.Workflow{
		WorkflowID: "w2", UserID: "u1",
		Steps: []compiler.Step{{ID: "s1", Order: 1, AgentName: "ghost", Description: "draft"}},
	}))

	reg := newTestRegistry(t) // "ghost" never registered
	ft := &fakeTransport{}
	eb := bus.NewMemoryEventBus(logger.Default())

	r := New(store, reg, ft, eb, logger.Default(), 4)
	_, err := r.Run(ctx, "scheduler::sc1::run1", "w2")
	require.Error(t, err)
	require.Empty(t, ft.calls)
}
