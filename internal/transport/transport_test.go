package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/pkg/a2a"
)

func sseEvent(eventType a2a.EventType, text string) string {
	if text == "" {
		return fmt.Sprintf(`data: {"eventType":%q}`+"\n\n", eventType)
	}
	return fmt.Sprintf(`data: {"eventType":%q,"parts":[{"root":{"kind":"text","text":%q}}]}`+"\n\n", eventType, text)
}

func sseToolActivity(status, toolName string) string {
	if toolName == "" {
		return fmt.Sprintf(`data: {"eventType":"remote_agent_activity","data":{"status":%q}}`+"\n\n", status)
	}
	return fmt.Sprintf(`data: {"eventType":"remote_agent_activity","data":{"status":%q,"tool_name":%q}}`+"\n\n", status, toolName)
}

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		ConnectTimeoutS:         5,
		ReadTimeoutS:            5,
		RetryBaseDelayS:         0,
		RetryCapDelayS:          0,
		MaxRetries:              1,
		MaxStuckApprovals:       3,
		HumanEscalationTimeoutS: 1,
	}
}

func TestSend_AggregatesChunksIntoFinalText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent(a2a.EventMessageChunk, "Hello, "))
		fmt.Fprint(w, sseEvent(a2a.EventMessageChunk, "world."))
		fmt.Fprint(w, sseEvent(a2a.EventMessageComplete, ""))
	}))
	defer srv.Close()

	eb := bus.NewMemoryEventBusWithClassifier(logger.Default(), bus.Classifier{})
	tr := New(testTransportConfig(), eb, nil, logger.Default())

	agent := &session.EnabledAgent{
		Agent:     &session.AgentDescriptor{Name: "writer"},
		ChosenURL: srv.URL,
	}
	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: "say hi"}}}

	reply, err := tr.Send(context.Background(), agent, "sess-1", "sess-1::conv-1", parts, SendOptions{TimeoutS: 5})
	require.NoError(t, err)
	require.Equal(t, "Hello, world.", reply.Text)
}

func TestSend_AgentUnreachable(t *testing.T) {
	eb := bus.NewMemoryEventBusWithClassifier(logger.Default(), bus.Classifier{})
	cfg := testTransportConfig()
	cfg.MaxRetries = 0
	tr := New(cfg, eb, nil, logger.Default())

	agent := &session.EnabledAgent{
		Agent:     &session.AgentDescriptor{Name: "ghost"},
		ChosenURL: "http://127.0.0.1:1", // nothing listens here
	}
	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: "hi"}}}

	_, err := tr.Send(context.Background(), agent, "sess-1", "sess-1::conv-1", parts, SendOptions{TimeoutS: 2})
	require.Error(t, err)
}

func TestSend_DistinctSequentialToolCallsDoNotTriggerStall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseToolActivity("requires_action", "search"))
		fmt.Fprint(w, sseToolActivity("requires_action", "fetch_page"))
		fmt.Fprint(w, sseToolActivity("requires_action", "summarize"))
		fmt.Fprint(w, sseToolActivity("requires_action", "write_file"))
		fmt.Fprint(w, sseEvent(a2a.EventMessageComplete, ""))
	}))
	defer srv.Close()

	eb := bus.NewMemoryEventBusWithClassifier(logger.Default(), bus.Classifier{})
	cfg := testTransportConfig()
	cfg.MaxStuckApprovals = 3
	tr := New(cfg, eb, nil, logger.Default())

	agent := &session.EnabledAgent{
		Agent:     &session.AgentDescriptor{Name: "researcher"},
		ChosenURL: srv.URL,
	}
	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: "research this"}}}

	reply, err := tr.Send(context.Background(), agent, "sess-3", "sess-3::conv-1", parts, SendOptions{TimeoutS: 5})
	require.NoError(t, err)
	require.Equal(t, []string{"search", "fetch_page", "summarize", "write_file"}, reply.ToolsUsed)
}

func TestSend_RepeatedToolCallTriggersStallFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			fmt.Fprint(w, sseToolActivity("requires_action", "flaky_tool"))
		}
	}))
	defer srv.Close()

	eb := bus.NewMemoryEventBusWithClassifier(logger.Default(), bus.Classifier{})
	cfg := testTransportConfig()
	cfg.MaxStuckApprovals = 3
	tr := New(cfg, eb, nil, logger.Default())

	agent := &session.EnabledAgent{
		Agent:     &session.AgentDescriptor{Name: "stuck-agent"},
		ChosenURL: srv.URL,
	}
	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: "do something"}}}

	_, err := tr.Send(context.Background(), agent, "sess-4", "sess-4::conv-1", parts, SendOptions{TimeoutS: 5})
	require.Error(t, err)
}

func TestEscalation_ResumesOnHumanResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent(a2a.EventMessage, a2a.EscalationSentinel))
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	eb := bus.NewMemoryEventBusWithClassifier(logger.Default(), bus.Classifier{})
	cfg := testTransportConfig()
	cfg.HumanEscalationTimeoutS = 5
	tr := New(cfg, eb, nil, logger.Default())

	agent := &session.EnabledAgent{
		Agent:     &session.AgentDescriptor{Name: "support"},
		ChosenURL: srv.URL,
	}
	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: "help"}}}

	var reply *a2a.AgentReply
	var sendErr error
	done := make(chan struct{})
	go func() {
		reply, sendErr = tr.Send(context.Background(), agent, "sess-2", "sess-2::conv-1", parts, SendOptions{TimeoutS: 10})
		close(done)
	}()

	// Give the stream a moment to reach the escalation wait point, then read
	// the parked task's id from the pending waiters.
	time.Sleep(50 * time.Millisecond)

	httpTr := tr.(*httpTransport)
	httpTr.mu.Lock()
	var taskID string
	for id := range httpTr.pending {
		taskID = id
	}
	httpTr.mu.Unlock()
	require.NotEmpty(t, taskID)

	require.NoError(t, tr.Resume(HumanResponse{TaskID: taskID, Text: "resolved"}))
	<-done

	require.NoError(t, sendErr)
	require.Equal(t, "resolved", reply.Text)
}
