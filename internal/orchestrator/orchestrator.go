// Package orchestrator drives a single conversation turn that may fan out to
// many remote-agent calls through the host LLM (spec §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/observability/metrics"
	"github.com/a2aflow/host/internal/orchestrator/llm"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/pkg/a2a"

	"golang.org/x/sync/semaphore"
)

// WorkflowOption is one entry of the `available_workflows` input (spec §4.6
// workflow routing); the orchestrator lets the model pick at most one.
type WorkflowOption struct {
	ID           string
	Name         string
	Goal         string
	WorkflowText string
}

// Input is one `/api/query`-shaped request (spec §6.1).
type Input struct {
	SessionID          string
	ContextID          string
	Message            string
	Parts              []a2a.Part
	EnabledAgents      map[string]*session.EnabledAgent
	WorkflowText       string
	WorkflowGoal       string
	AvailableWorkflows []WorkflowOption
}

// Result mirrors `/api/query`'s response shape.
type Result struct {
	Success              bool
	Result               string
	ExecutionTimeSeconds float64
	SessionID            string
	ContextID            string
	Artifacts            []string
	Error                string
}

// Orchestrator is the HostOrchestrator (spec §4.6).
type Orchestrator struct {
	model     llm.HostModel
	transport transport.Transport
	bus       bus.EventBus
	cfg       config.HostOrchestratorConfig
	logger    *logger.Logger
	metrics   *metrics.Registry

	mu         sync.Mutex
	inFlightCx map[string]bool // contextID -> turn running; serializes per-context turns
}

// New builds an Orchestrator. reg may be nil; Registry's recording methods
// no-op in that case.
func New(model llm.HostModel, tr transport.Transport, eb bus.EventBus, cfg config.HostOrchestratorConfig, log *logger.Logger, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		model:      model,
		transport:  tr,
		bus:        eb,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		metrics:    reg,
		inFlightCx: make(map[string]bool),
	}
}

// Query runs one turn loop to completion (spec §4.6 steps 1-6).
func (o *Orchestrator) Query(ctx context.Context, in Input) (*Result, error) {
	if err := o.acquireContext(in.ContextID); err != nil {
		return o.errorResult(in, err), nil
	}
	defer o.releaseContext(in.ContextID)

	started := time.Now()
	turnTimeout := time.Duration(o.cfg.TurnTimeoutS) * time.Second
	if turnTimeout <= 0 {
		turnTimeout = 300 * time.Second
	}
	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	agents := summarizeAgents(in.EnabledAgents)
	workflows := summarizeWorkflows(in.AvailableWorkflows)

	history := []llm.Message{{Role: llm.RoleUser, Text: in.Message}}
	workflowText, workflowGoal := in.WorkflowText, in.WorkflowGoal

	var artifactPool []a2a.Part
	var seenArtifacts []string

	maxIter := o.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	for iter := 0; iter < maxIter; iter++ {
		turnIn := llm.TurnInput{
			History:            history,
			Agents:             agents,
			WorkflowText:       workflowText,
			WorkflowGoal:       workflowGoal,
			AvailableWorkflows: workflows,
		}
		out, err := o.model.RunTurn(turnCtx, turnIn)
		if err != nil {
			return o.errorResult(in, err), nil
		}

		if out.SelectedWorkflowID != "" && workflowText == "" {
			if wf := findWorkflow(in.AvailableWorkflows, out.SelectedWorkflowID); wf != nil {
				workflowText = wf.WorkflowText
				workflowGoal = wf.Goal
			}
			if len(out.Dispatches) == 0 {
				history = append(history, llm.Message{Role: llm.RoleAssistant, Text: "selected workflow: " + workflowGoal})
				continue
			}
		}

		if out.Done {
			o.publishFinal(in, out.FinalText, seenArtifacts)
			return &Result{
				Success:              true,
				Result:               out.FinalText,
				ExecutionTimeSeconds: time.Since(started).Seconds(),
				SessionID:            in.SessionID,
				ContextID:            in.ContextID,
				Artifacts:            seenArtifacts,
			}, nil
		}

		replies, newParts := o.dispatchAll(turnCtx, in, out.Dispatches, artifactPool, workflowText, workflowGoal, workflows)
		artifactPool = mergeParts(artifactPool, newParts)
		for _, p := range newParts {
			if p.Kind == a2a.PartKindFile && p.File != nil {
				seenArtifacts = append(seenArtifacts, p.File.URI)
			}
		}

		history = append(history, assistantDispatchSummary(out.Dispatches))
		history = append(history, replies...)
	}

	return o.errorResult(in, apperror.New(apperror.KindTimeout, "host orchestrator max_iterations exceeded")), nil
}

func (o *Orchestrator) acquireContext(contextID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlightCx[contextID] {
		return apperror.New(apperror.KindConflict, "a turn is already in flight for this context")
	}
	o.inFlightCx[contextID] = true
	return nil
}

func (o *Orchestrator) releaseContext(contextID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlightCx, contextID)
}

// dispatchAll fans out every dispatch call concurrently, bounded by
// max_parallel_agent_calls (spec §4.6 Concurrency). A dispatch failure is
// reported back to the model as a tool-result error, not aborted (spec §4.6
// Failure modes).
func (o *Orchestrator) dispatchAll(
	ctx context.Context,
	in Input,
	calls []llm.DispatchCall,
	pool []a2a.Part,
	workflowText, workflowGoal string,
	workflows []llm.WorkflowSummary,
) ([]llm.Message, []a2a.Part) {
	maxParallel := int64(o.cfg.MaxParallelAgentCalls)
	if maxParallel <= 0 {
		maxParallel = 8
	}
	sem := semaphore.NewWeighted(maxParallel)

	replies := make([]llm.Message, len(calls))
	produced := make([][]a2a.Part, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		if err := sem.Acquire(ctx, 1); err != nil {
			replies[i] = llm.Message{Role: llm.RoleTool, ToolRef: call.ID, Text: "error: " + err.Error()}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			msg, parts := o.dispatchOne(ctx, in, call, pool, workflowText, workflowGoal, workflows)
			replies[i] = msg
			produced[i] = parts
		}()
	}
	wg.Wait()

	var allProduced []a2a.Part
	for _, p := range produced {
		allProduced = append(allProduced, p...)
	}
	return replies, allProduced
}

func (o *Orchestrator) dispatchOne(
	ctx context.Context,
	in Input,
	call llm.DispatchCall,
	pool []a2a.Part,
	workflowText, workflowGoal string,
	workflows []llm.WorkflowSummary,
) (llm.Message, []a2a.Part) {
	agent, ok := in.EnabledAgents[call.AgentName]
	if !ok {
		return llm.Message{
			Role:    llm.RoleTool,
			ToolRef: call.ID,
			Text:    fmt.Sprintf("error: agent %q is not enabled for this session", call.AgentName),
		}, nil
	}

	parts := make([]a2a.Part, 0, len(pool)+len(call.Parts)+1)
	parts = append(parts, pool...)
	parts = append(parts, call.Parts...)
	if call.Text != "" {
		parts = append(parts, a2a.Part{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: call.Text}})
	}

	opts := transport.SendOptions{
		CollectArtifacts:   true,
		WorkflowText:       workflowText,
		WorkflowGoal:       workflowGoal,
		AvailableWorkflows: toWorkflowRefs(workflows),
	}

	started := time.Now()
	reply, err := o.transport.Send(ctx, agent, in.SessionID, in.ContextID, parts, opts)
	o.metrics.RecordDispatch(call.AgentName, err, time.Since(started))
	if err != nil {
		return llm.Message{Role: llm.RoleTool, ToolRef: call.ID, Text: "error: " + err.Error()}, nil
	}

	var out []a2a.Part
	for _, fp := range reply.FileParts {
		fp := fp
		out = append(out, a2a.Part{Kind: a2a.PartKindFile, File: &fp})
	}
	return llm.Message{Role: llm.RoleTool, ToolRef: call.ID, Text: reply.Text}, out
}

func (o *Orchestrator) publishFinal(in Input, finalText string, artifacts []string) {
	data := map[string]interface{}{
		"result":    finalText,
		"artifacts": artifacts,
	}
	data["_routing"] = events.Routing(in.SessionID, in.ContextID)
	evt := bus.NewEvent(string(a2a.EventFinalResponse), "orchestrator", data)
	_ = o.bus.Publish(context.Background(), events.Subject(in.SessionID, in.ContextID), evt)
}

func (o *Orchestrator) errorResult(in Input, err error) *Result {
	kind := apperror.KindOf(err)
	o.logger.Warn("query failed", zap.String("session_id", in.SessionID), zap.String("kind", kind.String()), zap.Error(err))
	return &Result{
		Success:   false,
		Error:     fmt.Sprintf("%s: %s", kind, err.Error()),
		SessionID: in.SessionID,
		ContextID: in.ContextID,
	}
}

func summarizeAgents(enabled map[string]*session.EnabledAgent) []llm.AgentSummary {
	out := make([]llm.AgentSummary, 0, len(enabled))
	for name, ea := range enabled {
		capability := ""
		if ea.Agent != nil && len(ea.Agent.Capabilities) > 0 {
			capability = ea.Agent.Capabilities[0]
		}
		out = append(out, llm.AgentSummary{Name: name, Capability: capability})
	}
	return out
}

func summarizeWorkflows(opts []WorkflowOption) []llm.WorkflowSummary {
	out := make([]llm.WorkflowSummary, 0, len(opts))
	for _, w := range opts {
		out = append(out, llm.WorkflowSummary{ID: w.ID, Name: w.Name, Goal: w.Goal, WorkflowText: w.WorkflowText})
	}
	return out
}

func findWorkflow(opts []WorkflowOption, id string) *WorkflowOption {
	for i := range opts {
		if opts[i].ID == id {
			return &opts[i]
		}
	}
	return nil
}

func toWorkflowRefs(summaries []llm.WorkflowSummary) []a2a.WorkflowRef {
	if len(summaries) == 0 {
		return nil
	}
	out := make([]a2a.WorkflowRef, 0, len(summaries))
	for _, w := range summaries {
		out = append(out, a2a.WorkflowRef{ID: w.ID, Name: w.Name, Goal: w.Goal, Workflow: w.WorkflowText})
	}
	return out
}

func assistantDispatchSummary(calls []llm.DispatchCall) llm.Message {
	text := "dispatched:"
	for _, c := range calls {
		text += " " + c.AgentName
	}
	return llm.Message{Role: llm.RoleAssistant, Text: text}
}

// mergeParts appends parts not already present by FilePart URI, preserving
// role tags (spec §4.6 artifact propagation).
func mergeParts(pool []a2a.Part, add []a2a.Part) []a2a.Part {
	seen := map[string]bool{}
	for _, p := range pool {
		if p.File != nil {
			seen[p.File.URI] = true
		}
	}
	for _, p := range add {
		if p.File != nil && seen[p.File.URI] {
			continue
		}
		pool = append(pool, p)
		if p.File != nil {
			seen[p.File.URI] = true
		}
	}
	return pool
}
