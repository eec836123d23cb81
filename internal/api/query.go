package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/a2aflow/host/internal/orchestrator"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/workflow/compiler"
	"github.com/a2aflow/host/pkg/a2a"
)

const (
	defaultQueryTimeoutS = 300
	maxQueryTimeoutS     = 900
)

// query runs one synchronous orchestrated turn (spec §6.1 POST /api/query,
// §4.6 HostOrchestrator).
func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	contextID := req.ConversationID
	if contextID == "" {
		contextID = sessionID
	}
	enableRouting := req.EnableRouting == nil || *req.EnableRouting

	timeout := clampTimeout(req.TimeoutS, defaultQueryTimeoutS*time.Second, maxQueryTimeoutS*time.Second)
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	candidateIDs, err := s.resolveCandidateWorkflows(ctx, req, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	in := orchestrator.Input{
		SessionID: sessionID,
		ContextID: contextID,
		Message:   req.Query,
		Parts:     []a2a.Part{{Kind: a2a.PartKindText, Text: &a2a.TextPart{Text: req.Query}}},
	}

	switch {
	case len(candidateIDs) == 1:
		wf, err := s.store.GetWorkflow(ctx, candidateIDs[0])
		if err != nil {
			respondError(c, err)
			return
		}
		plan, err := compiler.Compile(wf.Steps, wf.Edges)
		if err != nil {
			respondValidation(c, "invalid workflow graph: "+err.Error())
			return
		}
		in.WorkflowText = plan.Text()
		in.WorkflowGoal = wf.Goal
		in.EnabledAgents, err = s.enableAgentsForSteps(sessionID, wf.Steps)
		if err != nil {
			respondError(c, err)
			return
		}

	case len(candidateIDs) > 1 && enableRouting:
		opts, agentNames, err := s.buildWorkflowOptions(ctx, candidateIDs)
		if err != nil {
			respondError(c, err)
			return
		}
		in.AvailableWorkflows = opts
		in.EnabledAgents, err = s.enableAgentNames(sessionID, agentNames)
		if err != nil {
			respondError(c, err)
			return
		}

	default:
		in.EnabledAgents = s.enableAllRegistered(sessionID)
	}

	res, err := s.orch.Query(ctx, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, queryResponse{
		Success:              res.Success,
		Result:               res.Result,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
		SessionID:            res.SessionID,
		ConversationID:       res.ContextID,
		Artifacts:            res.Artifacts,
		Error:                res.Error,
	})
}

// resolveCandidateWorkflows determines which workflow(s) are in scope for
// this turn, in precedence order: an explicit pin (req.Workflow), the
// caller's activated list, then the session's currently active workflows.
func (s *Server) resolveCandidateWorkflows(ctx context.Context, req queryRequest, sessionID string) ([]string, error) {
	if req.Workflow != "" {
		return []string{req.Workflow}, nil
	}
	if len(req.ActivatedWorkflowIDs) > 0 {
		return req.ActivatedWorkflowIDs, nil
	}

	ref, err := s.store.GetActiveWorkflows(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	return ref.WorkflowIDs, nil
}

// buildWorkflowOptions compiles every candidate workflow into an
// orchestrator.WorkflowOption and collects the union of agent names they
// reference, for the model to classify against (spec §4.6 workflow routing).
func (s *Server) buildWorkflowOptions(ctx context.Context, ids []string) ([]orchestrator.WorkflowOption, []string, error) {
	opts := make([]orchestrator.WorkflowOption, 0, len(ids))
	seen := make(map[string]bool)
	var names []string

	for _, id := range ids {
		wf, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		plan, err := compiler.Compile(wf.Steps, wf.Edges)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, orchestrator.WorkflowOption{
			ID:           wf.WorkflowID,
			Name:         wf.Name,
			Goal:         wf.Goal,
			WorkflowText: plan.Text(),
		})
		for _, st := range wf.Steps {
			if st.AgentName == compiler.EvaluateAgent || seen[st.AgentName] {
				continue
			}
			seen[st.AgentName] = true
			names = append(names, st.AgentName)
		}
	}
	return opts, names, nil
}

func (s *Server) enableAgentsForSteps(sessionID string, steps []compiler.Step) (map[string]*session.EnabledAgent, error) {
	seen := make(map[string]bool, len(steps))
	var names []string
	for _, st := range steps {
		if st.AgentName == compiler.EvaluateAgent || seen[st.AgentName] {
			continue
		}
		seen[st.AgentName] = true
		names = append(names, st.AgentName)
	}
	return s.enableAgentNames(sessionID, names)
}

func (s *Server) enableAgentNames(sessionID string, names []string) (map[string]*session.EnabledAgent, error) {
	for _, name := range names {
		d, err := s.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if err := s.sessions.Enable(sessionID, d, false); err != nil {
			return nil, err
		}
	}
	return s.sessions.Snapshot(sessionID), nil
}

// enableAllRegistered enables every globally registered agent for sessionID,
// the free-routing fallback when no workflow is pinned or activated.
func (s *Server) enableAllRegistered(sessionID string) map[string]*session.EnabledAgent {
	for _, d := range s.registry.List() {
		_ = s.sessions.Enable(sessionID, d, false)
	}
	return s.sessions.Snapshot(sessionID)
}
