package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/session"
)

// listAgents returns every globally registered agent (spec §6.1 GET /api/agents).
func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

// getAgent returns one agent by name.
func (s *Server) getAgent(c *gin.Context) {
	d, err := s.registry.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// createAgent registers a new agent (spec §6.1 POST /api/agents).
func (s *Server) createAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if s.registry.Exists(req.Name) {
		respondError(c, apperror.New(apperror.KindConflict, "agent already registered: "+req.Name))
		return
	}
	if err := s.registry.Register(descriptorFromRequest(req)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

// updateAgent replaces an existing agent's descriptor.
func (s *Server) updateAgent(c *gin.Context) {
	name := c.Param("name")
	if !s.registry.Exists(name) {
		respondError(c, apperror.New(apperror.KindNotFound, "agent not found: "+name))
		return
	}
	s.upsertAgent(c)
}

// upsertAgent registers or replaces an agent (spec §6.1: PATCH is upsert).
func (s *Server) upsertAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	req.Name = c.Param("name")
	if err := s.registry.Register(descriptorFromRequest(req)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name})
}

// deleteAgent unregisters an agent.
func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.registry.Unregister(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// proxyAgentHealth performs a short-timeout GET {url}/health passthrough
// (spec §6.1 GET /api/agents/health/{url}; §2.3 supplemented feature: a thin
// proxy, not a full health model).
func (s *Server) proxyAgentHealth(c *gin.Context) {
	raw, err := url.QueryUnescape(c.Param("url"))
	if err != nil {
		respondValidation(c, "invalid url: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw+"/health", nil)
	if err != nil {
		respondValidation(c, "invalid url: "+err.Error())
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindAgentUnreachable, "agent health check failed", err))
		return
	}
	defer resp.Body.Close()

	c.JSON(http.StatusOK, gin.H{
		"url":         raw,
		"reachable":   resp.StatusCode < http.StatusInternalServerError,
		"status_code": resp.StatusCode,
	})
}

func descriptorFromRequest(req agentRequest) *session.AgentDescriptor {
	policy := session.ApprovalAuto
	if session.ApprovalPolicy(req.ApprovalPolicy) == session.ApprovalManual {
		policy = session.ApprovalManual
	}
	return &session.AgentDescriptor{
		Name:           req.Name,
		URLs:           session.AgentURLs{Dev: req.DevURL, Production: req.ProductionURL},
		Capabilities:   req.Capabilities,
		InputModes:     req.InputModes,
		OutputModes:    req.OutputModes,
		Streaming:      req.Streaming,
		ApprovalPolicy: policy,
	}
}
