package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/workflow/compiler"
)

// listWorkflows lists the current user's workflows (spec §6.1 GET /api/workflows).
func (s *Server) listWorkflows(c *gin.Context) {
	userID := currentUserID(c)
	wfs, err := s.store.ListWorkflows(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wfs)
}

// listAllWorkflows lists every workflow, unscoped (spec §6.1 GET /api/workflows/all).
func (s *Server) listAllWorkflows(c *gin.Context) {
	wfs, err := s.store.ListAllWorkflows(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wfs)
}

// getWorkflow returns one workflow by id.
func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.store.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// createWorkflow creates a workflow owned by the current user.
func (s *Server) createWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	wf := &repo.Workflow{
		WorkflowID: uuid.New().String(),
		UserID:     currentUserID(c),
		Name:       req.Name,
		Goal:       req.Goal,
		Category:   req.Category,
		Steps:      stepsFromRequest(req.Steps),
		Edges:      edgesFromRequest(req.Edges),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if _, err := compiler.Compile(wf.Steps, wf.Edges); err != nil {
		respondValidation(c, "invalid workflow graph: "+err.Error())
		return
	}

	if err := s.store.CreateWorkflow(c.Request.Context(), wf); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// updateWorkflow replaces a workflow's definition.
func (s *Server) updateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	id := c.Param("id")
	existing, err := s.store.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	existing.Name = req.Name
	existing.Goal = req.Goal
	existing.Category = req.Category
	existing.Steps = stepsFromRequest(req.Steps)
	existing.Edges = edgesFromRequest(req.Edges)
	existing.UpdatedAt = time.Now().UTC()

	if _, err := compiler.Compile(existing.Steps, existing.Edges); err != nil {
		respondValidation(c, "invalid workflow graph: "+err.Error())
		return
	}

	if err := s.store.UpdateWorkflow(c.Request.Context(), existing); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

// deleteWorkflow removes a workflow. Idempotent (spec P7).
func (s *Server) deleteWorkflow(c *gin.Context) {
	if err := s.store.DeleteWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func stepsFromRequest(steps []workflowStep) []compiler.Step {
	out := make([]compiler.Step, 0, len(steps))
	for _, st := range steps {
		out = append(out, compiler.Step{ID: st.ID, Order: st.Order, AgentName: st.AgentName, Description: st.Description})
	}
	return out
}

func edgesFromRequest(edges []workflowEdge) []compiler.Edge {
	out := make([]compiler.Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, compiler.Edge{FromStepID: e.FromStepID, ToStepID: e.ToStepID, Condition: e.Condition})
	}
	return out
}

// currentUserID reads the bearer-authenticated user id set by
// httpmw.BearerAuth, falling back to a query parameter for routes that
// tolerate anonymous callers.
func currentUserID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return c.Query("user_id")
}
