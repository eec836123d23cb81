// Package llm abstracts the host LLM behind a small interface so the
// concrete vendor SDK is swappable (spec.md's explicit non-goal: "does not
// prescribe a specific LLM").
package llm

import (
	"context"

	"github.com/a2aflow/host/pkg/a2a"
)

// Role mirrors the turn-history roles the host LLM accepts.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the running turn transcript handed to the model.
type Message struct {
	Role    Role
	Text    string
	ToolRef string // set on RoleTool: the DispatchCall.ID this result answers
}

// AgentSummary is one line of the enabled-agent roster the system prompt
// enumerates (spec §4.6 step 1).
type AgentSummary struct {
	Name       string
	Capability string
}

// DispatchCall is one "send this to a remote agent" instruction the model
// produced in a turn (spec §4.6 step 2b).
type DispatchCall struct {
	ID        string
	AgentName string
	Text      string
	Parts     []a2a.Part
}

// WorkflowSummary is one entry of the available-workflows roster the system
// prompt enumerates when no workflow_text is pinned (spec §4.6 routing).
type WorkflowSummary struct {
	ID           string
	Name         string
	Goal         string
	WorkflowText string
}

// TurnResult is the host LLM's output for one RunTurn call.
type TurnResult struct {
	// Done is true when the model produced a final textual answer instead of
	// further dispatch calls.
	Done       bool
	FinalText  string
	Dispatches []DispatchCall

	// SelectedWorkflowID is set when the model chose one of TurnInput's
	// AvailableWorkflows instead of dispatching or answering directly.
	SelectedWorkflowID string
}

// TurnInput bundles everything RunTurn needs to reason about the next step.
type TurnInput struct {
	History            []Message
	Agents             []AgentSummary
	WorkflowText       string
	WorkflowGoal       string
	AvailableWorkflows []WorkflowSummary
}

// HostModel is the seam between HostOrchestrator and a concrete LLM vendor.
type HostModel interface {
	RunTurn(ctx context.Context, in TurnInput) (*TurnResult, error)
}
