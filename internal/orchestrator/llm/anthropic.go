package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/a2aflow/host/internal/common/apperror"
)

const (
	dispatchToolName       = "dispatch_agent"
	selectWorkflowToolName = "select_workflow"
)

// rateLimitRetries bounds the backoff loop around a 429 from the host LLM
// (spec §4.6 failure modes: "HTTP 429 from host LLM: backoff then fail").
const rateLimitRetries = 3

// AnthropicModel is the default HostModel, backed by the Anthropic Messages
// API. The "dispatch_agent" tool is the model's only way to reach a remote
// agent; a response with no tool_use blocks is treated as the turn's final
// textual answer (spec §4.6 step 2).
type AnthropicModel struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicModel builds a HostModel against the given API key and model
// name (e.g. "claude-sonnet-4-5").
func NewAnthropicModel(apiKey, model string, maxTokens int64) *AnthropicModel {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicModel{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

func dispatchToolParam() anthropic.ToolParam {
	return anthropic.ToolParam{
		Name:        dispatchToolName,
		Description: anthropic.String("Dispatch text to one enabled remote agent by name and receive its reply on a later turn."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]interface{}{
				"agent_name": map[string]interface{}{"type": "string"},
				"text":       map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (m *AnthropicModel) RunTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	sysPrompt := buildSystemPrompt(in)

	messages := make([]anthropic.MessageParam, 0, len(in.History))
	for _, h := range in.History {
		switch h.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Text)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Text)))
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(h.ToolRef, h.Text, false),
			))
		}
	}

	tools := []anthropic.ToolUnionParam{{OfTool: dispatchToolParamPtr()}}
	if len(in.AvailableWorkflows) > 0 && in.WorkflowText == "" {
		tools = append(tools, anthropic.ToolUnionParam{OfTool: selectWorkflowToolParamPtr()})
	}

	resp, err := m.newMessageWithBackoff(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: sysPrompt}},
		Messages:  messages,
		Tools:     tools,
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindQuota, "host llm call failed", err)
	}

	result := &TurnResult{}
	var finalText string
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			finalText += variant.Text
		case anthropic.ToolUseBlock:
			switch variant.Name {
			case dispatchToolName:
				var args struct {
					AgentName string `json:"agent_name"`
					Text      string `json:"text"`
				}
				if err := json.Unmarshal(variant.Input, &args); err != nil {
					continue
				}
				result.Dispatches = append(result.Dispatches, DispatchCall{
					ID:        variant.ID,
					AgentName: args.AgentName,
					Text:      args.Text,
				})
			case selectWorkflowToolName:
				var args struct {
					WorkflowID string `json:"workflow_id"`
				}
				if err := json.Unmarshal(variant.Input, &args); err != nil {
					continue
				}
				result.SelectedWorkflowID = args.WorkflowID
			}
		}
	}

	if len(result.Dispatches) == 0 && result.SelectedWorkflowID == "" {
		result.Done = true
		result.FinalText = finalText
	}
	return result, nil
}

// newMessageWithBackoff retries a rate-limited call with increasing delay;
// any other error is returned immediately.
func (m *AnthropicModel) newMessageWithBackoff(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	delay := time.Second
	for attempt := 0; attempt <= rateLimitRetries; attempt++ {
		resp, err := m.client.Messages.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRateLimited(err) || attempt == rateLimitRetries {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, lastErr
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func dispatchToolParamPtr() *anthropic.ToolParam {
	t := dispatchToolParam()
	return &t
}

func selectWorkflowToolParam() anthropic.ToolParam {
	return anthropic.ToolParam{
		Name:        selectWorkflowToolName,
		Description: anthropic.String("Select one of the available workflows to drive the rest of this conversation, when the user's intent clearly matches one. Skip this and answer or dispatch directly otherwise."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func selectWorkflowToolParamPtr() *anthropic.ToolParam {
	t := selectWorkflowToolParam()
	return &t
}

func buildSystemPrompt(in TurnInput) string {
	prompt := "You are the host orchestrator. Dispatch work to the following enabled agents using the dispatch_agent tool, or answer directly if no agent call is needed.\n\nEnabled agents:\n"
	for _, a := range in.Agents {
		prompt += "- " + a.Name + ": " + a.Capability + "\n"
	}
	if in.WorkflowText != "" {
		prompt += "\nPinned workflow plan:\n" + in.WorkflowText
	}
	if in.WorkflowGoal != "" {
		prompt += "\nWorkflow goal: " + in.WorkflowGoal
	}
	if len(in.AvailableWorkflows) > 0 && in.WorkflowText == "" {
		prompt += "\nAvailable workflows (classify the user's intent against these; select one via select_workflow if it clearly matches, otherwise proceed without selecting):\n"
		for _, w := range in.AvailableWorkflows {
			prompt += "- id=" + w.ID + " name=" + w.Name + " goal=" + w.Goal + "\n"
		}
	}
	return prompt
}
