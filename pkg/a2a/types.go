// Package a2a defines the wire types for the Agent-to-Agent message protocol:
// the outbound envelope sent to remote agents, the part tagged union, and the
// event vocabulary streamed back over SSE.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// PartKind discriminates the Part tagged union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// FileRole carries A2A-defined semantics for image edit workflows.
// Unknown roles are passed through opaquely.
type FileRole string

const (
	FileRoleBase    FileRole = "base"
	FileRoleMask    FileRole = "mask"
	FileRoleOverlay FileRole = "overlay"
	FileRoleResult  FileRole = "result"
)

// TextPart is a plain-text message part.
type TextPart struct {
	Text string `json:"text"`
}

// FilePart references a file reachable by HTTPS URI.
type FilePart struct {
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
	MimeType string   `json:"mime_type"`
	Role     FileRole `json:"role,omitempty"`
}

// DataPart carries an opaque payload, optionally referencing an artifact URI.
type DataPart struct {
	Payload     map[string]interface{} `json:"payload"`
	ArtifactURI string                 `json:"artifact-uri,omitempty"`
}

// Part is the tagged union {TextPart | FilePart | DataPart}. Exactly one of
// Text, File, Data is populated, selected by Kind.
type Part struct {
	Kind PartKind  `json:"-"`
	Text *TextPart `json:"-"`
	File *FilePart `json:"-"`
	Data *DataPart `json:"-"`
}

// wireRoot mirrors the `{"root":{"kind":...}}` shape used on the wire.
type wireRoot struct {
	Kind     PartKind  `json:"kind"`
	Text     string    `json:"text,omitempty"`
	File     *FilePart `json:"file,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Artifact string    `json:"artifact-uri,omitempty"`
}

type wirePart struct {
	Root *wireRoot `json:"root,omitempty"`
	// Flattened variant: the same fields appear directly on the part instead
	// of being nested under "root". Both MUST be accepted (spec §4.3.3).
	Kind     PartKind                `json:"kind,omitempty"`
	Text     string                  `json:"text,omitempty"`
	File     *FilePart               `json:"file,omitempty"`
	Payload  map[string]interface{}  `json:"payload,omitempty"`
	Artifact string                  `json:"artifact-uri,omitempty"`
}

// MarshalJSON always emits the nested root.kind shape; this is the envelope
// normalizer's canonical outbound form.
func (p Part) MarshalJSON() ([]byte, error) {
	root := &wireRoot{Kind: p.Kind}
	switch p.Kind {
	case PartKindText:
		if p.Text != nil {
			root.Text = p.Text.Text
		}
	case PartKindFile:
		root.File = p.File
	case PartKindData:
		if p.Data != nil {
			root.Payload = p.Data.Payload
			root.Artifact = p.Data.ArtifactURI
		}
	}
	return json.Marshal(&wirePart{Root: root})
}

// UnmarshalJSON tolerates both nested (root.kind) and flattened (kind) shapes
// to accommodate agent heterogeneity, per spec §4.3.3/§6.3.
func (p *Part) UnmarshalJSON(b []byte) error {
	var w wirePart
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	kind := w.Kind
	text := w.Text
	file := w.File
	payload := w.Payload
	artifact := w.Artifact
	if w.Root != nil {
		kind = w.Root.Kind
		text = w.Root.Text
		file = w.Root.File
		payload = w.Root.Payload
		artifact = w.Root.Artifact
	}

	p.Kind = kind
	switch kind {
	case PartKindText:
		p.Text = &TextPart{Text: text}
	case PartKindFile:
		p.File = file
	case PartKindData:
		p.Data = &DataPart{Payload: payload, ArtifactURI: artifact}
	default:
		return fmt.Errorf("a2a: unrecognized part kind %q", kind)
	}
	return nil
}

// WorkflowRef is an entry of `available_workflows` in the outbound envelope.
type WorkflowRef struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Goal     string   `json:"goal"`
	Workflow string   `json:"workflow"`
	Agents   []string `json:"agents"`
}

// SendParams is the body of an outbound A2A message/send request (spec §6.3).
type SendParams struct {
	MessageID              string        `json:"messageId"`
	ContextID              string        `json:"contextId"`
	Role                   string        `json:"role"`
	Parts                  []Part        `json:"parts"`
	AgentMode              bool          `json:"agentMode"`
	EnableInterAgentMemory bool          `json:"enableInterAgentMemory"`
	Workflow               string        `json:"workflow,omitempty"`
	AvailableWorkflows     []WorkflowRef `json:"available_workflows,omitempty"`
}

// SendEnvelope is the full outbound request body.
type SendEnvelope struct {
	Params SendParams `json:"params"`
}

// EventType enumerates the authoritative event types carried on both the
// EventBus and the inbound SSE stream from remote agents (spec §4.1).
type EventType string

const (
	EventTaskCreated            EventType = "task_created"
	EventTaskUpdated            EventType = "task_updated"
	EventMessageChunk           EventType = "message_chunk"
	EventMessage                EventType = "message"
	EventMessageComplete        EventType = "message_complete"
	EventFinalResponse          EventType = "final_response"
	EventFileUploaded           EventType = "file_uploaded"
	EventRemoteAgentActivity    EventType = "remote_agent_activity"
	EventOutgoingAgentMessage   EventType = "outgoing_agent_message"
	EventWorkflowStepStarted    EventType = "workflow_step_started"
	EventWorkflowStepCompleted  EventType = "workflow_step_completed"
	EventActiveWorkflowChanged  EventType = "active_workflow_changed"
	EventActiveWorkflowsChanged EventType = "active_workflows_changed"
	EventToolApprovalRequired   EventType = "tool_approval_required"
	EventError                  EventType = "error"
)

// terminalEvents MUST NOT be dropped by the bus under back-pressure.
var terminalEvents = map[EventType]bool{
	EventMessageComplete: true,
	EventFinalResponse:   true,
	EventTaskUpdated:     false, // only the terminal states below count
}

// coalescableEvents may have their oldest queued instance of the same type
// dropped in favor of a fresher one when a subscriber falls behind.
var coalescableEvents = map[EventType]bool{
	EventTaskUpdated:  true,
	EventMessageChunk: true,
}

// IsTerminal reports whether an event type must never be dropped.
func IsTerminal(t EventType) bool { return terminalEvents[t] }

// IsCoalescable reports whether an event type may be coalesced under
// back-pressure.
func IsCoalescable(t EventType) bool { return coalescableEvents[t] }

// TaskState is the dispatched-Task state machine (spec §4.3 state diagram).
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateRunning       TaskState = "running"
	TaskStateInputRequired TaskState = "input_required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// IsTerminalTaskState reports whether no further transitions are possible.
func IsTerminalTaskState(s TaskState) bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// AgentReply is the aggregated result of a Transport.Send call.
type AgentReply struct {
	Text       string                 `json:"text"`
	FileParts  []FilePart             `json:"file_parts,omitempty"`
	DataParts  []DataPart             `json:"data_parts,omitempty"`
	ToolsUsed  []string               `json:"tools_used,omitempty"`
	TokenUsage map[string]int         `json:"token_usage,omitempty"`
}

// EscalationSentinel is the exact string that, when returned as an agent's
// full textual reply, transitions the Task to input_required.
const EscalationSentinel = "HUMAN_ESCALATION_REQUIRED"

// InboundEvent is one item of the remote agent's SSE response stream,
// tolerant of both nested and flattened Part shapes.
type InboundEvent struct {
	EventType EventType              `json:"eventType"`
	TaskID    string                 `json:"taskId,omitempty"`
	ContextID string                 `json:"contextId,omitempty"`
	Parts     []Part                 `json:"parts,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}
