package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getHealth reports liveness (spec §6.1 GET /health).
func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"websocket_enabled": s.websocketOn,
		"auth_method":       "bearer",
		"version":           Version,
	})
}
