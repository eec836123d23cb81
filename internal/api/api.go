// Package api implements the HTTP surface (spec §6.1): auth, agent and
// workflow CRUD, the synchronous orchestrated query, active-workflow state,
// schedule management, and file upload/ingestion, all behind one gin router.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/artifact"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/httpmw"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/observability/metrics"
	"github.com/a2aflow/host/internal/orchestrator"
	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/session"
)

// Version is the build version reported by /health. Overridden at link time
// in production builds; left as a constant here since the module has no
// other source of build metadata.
const Version = "dev"

// Server holds every collaborator the HTTP surface dispatches to.
type Server struct {
	store       repo.Store
	registry    *session.Registry
	sessions    *session.SessionStore
	orch        *orchestrator.Orchestrator
	sched       *scheduler.Scheduler
	artifacts   artifact.Store
	transcriber Transcriber
	eb          bus.EventBus
	auth        config.AuthConfig
	websocketOn bool
	logger      *logger.Logger
	metrics     *metrics.Registry
}

// New builds a Server. websocketOn is reported verbatim on /health (spec
// §6.1: {status, websocket_enabled, auth_method, version}).
func New(
	store repo.Store,
	registry *session.Registry,
	sessions *session.SessionStore,
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	artifacts artifact.Store,
	transcriber Transcriber,
	eb bus.EventBus,
	auth config.AuthConfig,
	websocketOn bool,
	log *logger.Logger,
	reg *metrics.Registry,
) *Server {
	return &Server{
		store:       store,
		registry:    registry,
		sessions:    sessions,
		orch:        orch,
		sched:       sched,
		artifacts:   artifacts,
		transcriber: transcriber,
		eb:          eb,
		auth:        auth,
		websocketOn: websocketOn,
		logger:      log.WithFields(zap.String("component", "api")),
		metrics:     reg,
	}
}

// SetupRoutes mounts every handler named in spec §6.1 onto router. The
// caller is responsible for mounting the /events WebSocket route from
// internal/gateway/websocket separately, since that gateway owns its own
// upgrade handshake.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.Use(httpmw.Metrics(s.metrics))

	router.GET("/health", s.getHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/login", s.login)
		authGroup.POST("/register", s.register)
	}

	protected := router.Group("/api")
	protected.Use(httpmw.BearerAuth(s.auth.JWTSecret))

	agents := protected.Group("/agents")
	{
		agents.GET("", s.listAgents)
		agents.GET("/health/:url", s.proxyAgentHealth)
		agents.GET("/:name", s.getAgent)
		agents.POST("", s.createAgent)
		agents.PUT("/:name", s.updateAgent)
		agents.PATCH("/:name", s.upsertAgent)
		agents.DELETE("/:name", s.deleteAgent)
	}

	router.GET("/api/workflows/all", s.listAllWorkflows)
	workflows := protected.Group("/workflows")
	{
		workflows.GET("", s.listWorkflows)
		workflows.GET("/:id", s.getWorkflow)
		workflows.POST("", s.createWorkflow)
		workflows.PUT("/:id", s.updateWorkflow)
		workflows.DELETE("/:id", s.deleteWorkflow)
	}

	protected.POST("/query", s.query)

	activeWorkflow := protected.Group("/active-workflow")
	{
		activeWorkflow.GET("", s.getActiveWorkflow)
		activeWorkflow.POST("", s.setActiveWorkflow)
		activeWorkflow.DELETE("", s.clearActiveWorkflow)
	}
	activeWorkflows := protected.Group("/active-workflows")
	{
		activeWorkflows.GET("", s.getActiveWorkflows)
		activeWorkflows.POST("", s.setActiveWorkflows)
		activeWorkflows.DELETE("", s.clearActiveWorkflow)
	}

	schedules := protected.Group("/schedules")
	{
		schedules.GET("", s.listSchedules)
		schedules.GET("/history", s.scheduleHistory)
		schedules.GET("/upcoming", s.upcomingSchedules)
		schedules.GET("/:id", s.getSchedule)
		schedules.POST("", s.createSchedule)
		schedules.PUT("/:id", s.updateSchedule)
		schedules.DELETE("/:id", s.deleteSchedule)
		schedules.POST("/:id/toggle", s.toggleSchedule)
		schedules.POST("/:id/run-now", s.runScheduleNow)
	}

	router.POST("/upload", s.uploadFile)
	router.POST("/upload-voice", s.uploadVoice)
	protected.POST("/files/process", s.processFile)
	files := protected.Group("/files")
	{
		files.GET("", s.listFiles)
		files.DELETE("/:id", s.deleteFile)
	}
	router.POST("/clear-memory", s.clearMemory)
}

func clampTimeout(seconds int, fallback, max time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	d := time.Duration(seconds) * time.Second
	if d > max {
		return max
	}
	return d
}
