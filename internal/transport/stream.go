package transport

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/pkg/a2a"
)

// consumeStream reads a remote agent's SSE response, re-publishing each
// event on the bus under this task's context, accumulating message_chunk
// fragments, running the tool-call approval loop, and watching for the
// human-escalation sentinel (spec §4.3 sub-responsibilities 3-5).
func (t *httpTransport) consumeStream(ctx context.Context, task *Task, sessionID, contextID string, agent *session.EnabledAgent, body io.Reader) (*a2a.AgentReply, error) {
	reader := newSSEReader(body)
	reply := &a2a.AgentReply{TokenUsage: map[string]int{}}
	var textBuilder strings.Builder
	stuckApprovals := 0
	lastToolCall := ""

	if err := task.Transition(a2a.TaskStateRunning); err != nil {
		return nil, err
	}
	t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrProtocol(err)
		}

		switch ev.EventType {
		case a2a.EventMessageChunk:
			for _, p := range ev.Parts {
				if p.Kind == a2a.PartKindText && p.Text != nil {
					textBuilder.WriteString(p.Text.Text)
				}
			}
			t.republish(sessionID, contextID, ev)

		case a2a.EventMessage, a2a.EventMessageComplete:
			t.collectParts(reply, ev.Parts)
			t.republish(sessionID, contextID, ev)
			if ev.EventType == a2a.EventMessageComplete {
				stuckApprovals = 0
			}

		case a2a.EventRemoteAgentActivity:
			status, _ := ev.Data["status"].(string)
			toolName, hasToolCall := ev.Data["tool_name"].(string)
			if status == "requires_action" {
				// Only a repeated (or altogether missing) tool call is a genuine
				// stall; a run of distinct sequential approvals is progress.
				if !hasToolCall || toolName == lastToolCall {
					stuckApprovals++
					if stuckApprovals > t.cfg.MaxStuckApprovals {
						task.Fail("exceeded max consecutive tool-approval stalls")
						t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})
						return nil, apperrStuck()
					}
				} else {
					stuckApprovals = 0
				}
				lastToolCall = toolName
				t.handleToolApproval(sessionID, contextID, agent, ev)
			} else {
				stuckApprovals = 0
				lastToolCall = ""
			}
			if hasToolCall {
				reply.ToolsUsed = append(reply.ToolsUsed, toolName)
			}
			t.republish(sessionID, contextID, ev)

		case a2a.EventTaskUpdated:
			t.republish(sessionID, contextID, ev)

		case a2a.EventError:
			t.republish(sessionID, contextID, ev)

		default:
			t.republish(sessionID, contextID, ev)
		}

		if text := soleText(ev); text == a2a.EscalationSentinel {
			return t.escalate(ctx, task, sessionID, contextID)
		}
	}

	reply.Text = firstNonEmpty(reply.Text, textBuilder.String())
	if err := task.Transition(a2a.TaskStateCompleted); err != nil {
		return nil, err
	}
	t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})
	t.publish(sessionID, contextID, a2a.EventMessageComplete, map[string]interface{}{"task_id": task.TaskID})
	return reply, nil
}

// handleToolApproval handles a requires_action tool call. Under the default
// auto policy it only logs the call; nothing is sent back to the agent. Under
// the manual policy it emits tool_approval_required and returns at once: the
// dispatch keeps reading the stream, and Resume has no waiter for the call
// (spec §2.3 per-agent approval policy).
func (t *httpTransport) handleToolApproval(sessionID, contextID string, agent *session.EnabledAgent, ev *a2a.InboundEvent) {
	if agent.Agent.ApprovalPolicy == session.ApprovalManual {
		t.publish(sessionID, contextID, a2a.EventToolApprovalRequired, map[string]interface{}{
			"agent": agent.Agent.Name,
			"tool":  ev.Data["tool_name"],
		})
		return
	}
	t.logger.Debug("auto-approving tool call", zap.String("agent", agent.Agent.Name))
}

// escalate parks the task in input_required and blocks for a human response.
func (t *httpTransport) escalate(ctx context.Context, task *Task, sessionID, contextID string) (*a2a.AgentReply, error) {
	if err := task.Transition(a2a.TaskStateInputRequired); err != nil {
		return nil, err
	}
	t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})

	resp, err := t.waitForResume(ctx, task.TaskID)
	if err != nil {
		task.Fail(err.Error())
		t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})
		return nil, err
	}

	// The state table only lets input_required resume into running.
	if err := task.Transition(a2a.TaskStateRunning); err != nil {
		return nil, err
	}
	if err := task.Transition(a2a.TaskStateCompleted); err != nil {
		return nil, err
	}
	t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})
	return &a2a.AgentReply{Text: resp.Text}, nil
}

func (t *httpTransport) republish(sessionID, contextID string, ev *a2a.InboundEvent) {
	data := map[string]interface{}{}
	for k, v := range ev.Data {
		data[k] = v
	}
	if len(ev.Parts) > 0 {
		data["parts"] = ev.Parts
	}
	t.publish(sessionID, contextID, ev.EventType, data)
}

func (t *httpTransport) collectParts(reply *a2a.AgentReply, parts []a2a.Part) {
	for _, p := range parts {
		switch p.Kind {
		case a2a.PartKindText:
			if p.Text != nil {
				reply.Text = firstNonEmpty(reply.Text, p.Text.Text)
			}
		case a2a.PartKindFile:
			if p.File != nil {
				reply.FileParts = append(reply.FileParts, *p.File)
			}
		case a2a.PartKindData:
			if p.Data != nil {
				reply.DataParts = append(reply.DataParts, *p.Data)
			}
		}
	}
}

func soleText(ev *a2a.InboundEvent) string {
	if len(ev.Parts) != 1 || ev.Parts[0].Kind != a2a.PartKindText || ev.Parts[0].Text == nil {
		return ""
	}
	return strings.TrimSpace(ev.Parts[0].Text.Text)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
