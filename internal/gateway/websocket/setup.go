package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/common/logger"
	ws "github.com/a2aflow/host/pkg/websocket"
)

// Gateway is the unified WebSocket gateway.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/events", g.Handler.HandleConnection)
}
