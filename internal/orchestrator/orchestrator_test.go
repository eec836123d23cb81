package orchestrator

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/observability/metrics"
	"github.com/a2aflow/host/internal/orchestrator/llm"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/pkg/a2a"
)

// fakeModel scripts a sequence of RunTurn outputs, one per call.
type fakeModel struct {
	mu      sync.Mutex
	turns   []*llm.TurnResult
	calls   int
	lastIns []llm.TurnInput
}

func (f *fakeModel) RunTurn(ctx context.Context, in llm.TurnInput) (*llm.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIns = append(f.lastIns, in)
	out := f.turns[f.calls]
	f.calls++
	return out, nil
}

// fakeTransport records every Send call and returns a canned reply keyed by
// agent name.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []string
	replay map[string]*a2a.AgentReply
}

func (f *fakeTransport) Send(ctx context.Context, agent *session.EnabledAgent, sessionID, contextID string, parts []a2a.Part, opts transport.SendOptions) (*a2a.AgentReply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agent.Agent.Name)
	f.mu.Unlock()
	if r, ok := f.replay[agent.Agent.Name]; ok {
		return r, nil
	}
	return &a2a.AgentReply{Text: "ok from " + agent.Agent.Name}, nil
}

func (f *fakeTransport) Resume(resp transport.HumanResponse) error { return nil }

func enabledAgents(names ...string) map[string]*session.EnabledAgent {
	out := map[string]*session.EnabledAgent{}
	for _, n := range names {
		out[n] = &session.EnabledAgent{Agent: &session.AgentDescriptor{Name: n, Capabilities: []string{"does things"}}, ChosenURL: "http://" + n}
	}
	return out
}

func testCfg() config.HostOrchestratorConfig {
	return config.HostOrchestratorConfig{MaxIterations: 5, TurnTimeoutS: 5, MaxParallelAgentCalls: 4}
}

func TestQuery_DirectAnswerNoDispatch(t *testing.T) {
	model := &fakeModel{turns: []*llm.TurnResult{
		{Done: true, FinalText: "hello there"},
	}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{}}
	eb := bus.NewMemoryEventBus(logger.Default())

	o := New(model, ft, eb, testCfg(), logger.Default(), nil)
	res, err := o.Query(context.Background(), Input{
		SessionID: "s1", ContextID: "s1::c1", Message: "hi",
		EnabledAgents: enabledAgents("writer"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "hello there", res.Result)
	require.Empty(t, ft.calls)
}

func TestQuery_DispatchThenFinal(t *testing.T) {
	model := &fakeModel{turns: []*llm.TurnResult{
		{Dispatches: []llm.DispatchCall{{ID: "tc1", AgentName: "writer", Text: "draft it"}}},
		{Done: true, FinalText: "final answer"},
	}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{
		"writer": {Text: "draft text", FileParts: []a2a.FilePart{{Name: "out.png", URI: "https://store/out.png", MimeType: "image/png", Role: a2a.FileRoleResult}}},
	}}
	eb := bus.NewMemoryEventBus(logger.Default())

	o := New(model, ft, eb, testCfg(), logger.Default(), nil)
	res, err := o.Query(context.Background(), Input{
		SessionID: "s1", ContextID: "s1::c1", Message: "write something",
		EnabledAgents: enabledAgents("writer"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "final answer", res.Result)
	require.Equal(t, []string{"writer"}, ft.calls)
	require.Contains(t, res.Artifacts, "https://store/out.png")
}

func TestQuery_UnknownAgentReportedAsToolError(t *testing.T) {
	model := &fakeModel{turns: []*llm.TurnResult{
		{Dispatches: []llm.DispatchCall{{ID: "tc1", AgentName: "ghost", Text: "go"}}},
		{Done: true, FinalText: "done"},
	}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{}}
	eb := bus.NewMemoryEventBus(logger.Default())

	o := New(model, ft, eb, testCfg(), logger.Default(), nil)
	res, err := o.Query(context.Background(), Input{
		SessionID: "s1", ContextID: "s1::c1", Message: "do it",
		EnabledAgents: enabledAgents("writer"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, ft.calls)

	model.mu.Lock()
	secondTurnHistory := model.lastIns[1].History
	model.mu.Unlock()
	foundErr := false
	for _, m := range secondTurnHistory {
		if m.Role == llm.RoleTool && m.ToolRef == "tc1" {
			foundErr = true
		}
	}
	require.True(t, foundErr)
}

func TestQuery_ParallelDispatchBoundedByMaxParallel(t *testing.T) {
	calls := []llm.DispatchCall{
		{ID: "1", AgentName: "a", Text: "x"},
		{ID: "2", AgentName: "b", Text: "x"},
		{ID: "3", AgentName: "c", Text: "x"},
	}
	model := &fakeModel{turns: []*llm.TurnResult{
		{Dispatches: calls},
		{Done: true, FinalText: "done"},
	}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{}}
	eb := bus.NewMemoryEventBus(logger.Default())

	cfg := testCfg()
	cfg.MaxParallelAgentCalls = 2
	o := New(model, ft, eb, cfg, logger.Default(), nil)
	res, err := o.Query(context.Background(), Input{
		SessionID: "s1", ContextID: "s1::c1", Message: "go",
		EnabledAgents: enabledAgents("a", "b", "c"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, ft.calls, 3)
}

func TestQuery_SecondCallOnSameContextConflicts(t *testing.T) {
	model := &fakeModel{turns: []*llm.TurnResult{{Done: true, FinalText: "x"}}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{}}
	eb := bus.NewMemoryEventBus(logger.Default())
	o := New(model, ft, eb, testCfg(), logger.Default(), nil)

	o.mu.Lock()
	o.inFlightCx["s1::c1"] = true
	o.mu.Unlock()

	res, err := o.Query(context.Background(), Input{SessionID: "s1", ContextID: "s1::c1", Message: "x", EnabledAgents: enabledAgents("a")})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "Conflict")
}

func TestQuery_RecordsDispatchMetrics(t *testing.T) {
	model := &fakeModel{turns: []*llm.TurnResult{
		{Dispatches: []llm.DispatchCall{{ID: "tc1", AgentName: "writer", Text: "draft it"}}},
		{Done: true, FinalText: "final answer"},
	}}
	ft := &fakeTransport{replay: map[string]*a2a.AgentReply{}}
	eb := bus.NewMemoryEventBus(logger.Default())
	reg := metrics.New()

	o := New(model, ft, eb, testCfg(), logger.Default(), reg)
	_, err := o.Query(context.Background(), Input{
		SessionID: "s1", ContextID: "s1::c1", Message: "write something",
		EnabledAgents: enabledAgents("writer"),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), `a2ahost_agent_dispatch_calls_total{agent="writer",outcome="success"} 1`)
}
