package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/events"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/pkg/a2a"
)

// getActiveWorkflow returns the session's single pinned workflow, if any
// (spec §6.1 GET /api/active-workflow).
func (s *Server) getActiveWorkflow(c *gin.Context) {
	ref, err := s.store.GetActiveWorkflows(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if ref == nil || len(ref.WorkflowIDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"workflow_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": ref.WorkflowIDs[0]})
}

// setActiveWorkflow pins exactly one workflow for a session, replacing any
// previous selection, and broadcasts active_workflow_changed.
func (s *Server) setActiveWorkflow(c *gin.Context) {
	var req activeWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if req.WorkflowID == "" {
		respondValidation(c, "workflow_id is required")
		return
	}

	if err := s.store.SetActiveWorkflows(c.Request.Context(), req.SessionID, []string{req.WorkflowID}); err != nil {
		respondError(c, err)
		return
	}
	s.broadcastActiveWorkflow(req.SessionID, a2a.EventActiveWorkflowChanged, map[string]interface{}{
		"workflow_id": req.WorkflowID,
	})
	c.JSON(http.StatusOK, gin.H{"workflow_id": req.WorkflowID})
}

// getActiveWorkflows returns every workflow currently pinned for a session
// (spec §6.1 GET /api/active-workflows).
func (s *Server) getActiveWorkflows(c *gin.Context) {
	ref, err := s.store.GetActiveWorkflows(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if ref == nil {
		c.JSON(http.StatusOK, gin.H{"workflow_ids": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_ids": ref.WorkflowIDs})
}

// setActiveWorkflows replaces the full set of workflows pinned for a session.
func (s *Server) setActiveWorkflows(c *gin.Context) {
	var req activeWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	if err := s.store.SetActiveWorkflows(c.Request.Context(), req.SessionID, req.WorkflowIDs); err != nil {
		respondError(c, err)
		return
	}
	s.broadcastActiveWorkflow(req.SessionID, a2a.EventActiveWorkflowsChanged, map[string]interface{}{
		"workflow_ids": req.WorkflowIDs,
	})
	c.JSON(http.StatusOK, gin.H{"workflow_ids": req.WorkflowIDs})
}

// clearActiveWorkflow unpins every workflow for a session. Shared by both
// the singular and plural DELETE routes: either one answers 204 and
// broadcasts active_workflows_changed.
func (s *Server) clearActiveWorkflow(c *gin.Context) {
	sessionID := c.Query("session_id")
	if err := s.store.ClearActiveWorkflows(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	s.broadcastActiveWorkflow(sessionID, a2a.EventActiveWorkflowsChanged, map[string]interface{}{
		"workflow_ids": []string{},
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) broadcastActiveWorkflow(sessionID string, eventType a2a.EventType, data map[string]interface{}) {
	data["_routing"] = events.Routing(sessionID, sessionID)
	evt := bus.NewEvent(string(eventType), "api", data)
	_ = s.eb.Publish(context.Background(), events.Subject(sessionID, sessionID), evt)
}
