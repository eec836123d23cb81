// Package main is the entry point for the A2A orchestration host (spec §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/api"
	"github.com/a2aflow/host/internal/artifact"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/httpmw"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/devagent"
	"github.com/a2aflow/host/internal/events"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/gateway/websocket"
	"github.com/a2aflow/host/internal/observability/metrics"
	"github.com/a2aflow/host/internal/observability/tracing"
	"github.com/a2aflow/host/internal/orchestrator"
	"github.com/a2aflow/host/internal/orchestrator/llm"
	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/internal/workflow/runner"
)

const serverName = "a2ahost"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting A2A orchestration host...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdownTracing := tracing.Init(ctx, serverName)
	defer shutdownTracing(context.Background())

	// 4. Metrics registry
	metricsReg := metrics.New()

	// 5. Repo (Postgres if DATABASE_URL set, else SQLite; spec §6.5)
	store, closeStore, err := repo.Provide(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to provide repo store", zap.Error(err))
	}
	defer closeStore()
	log.Info("Connected to repo store", zap.String("driver", cfg.Database.Driver))

	// 6. Event bus: NATS if configured, else in-memory with the A2A event
	// Classifier wired in (events.Provide)
	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer closeBus()
	var eventBus bus.EventBus
	if providedBus.NATS != nil {
		eventBus = providedBus.NATS.WithMetrics(metricsReg)
		log.Info("Connected to NATS event bus")
	} else {
		eventBus = providedBus.Memory.WithMetrics(metricsReg)
		log.Info("Using in-memory event bus")
	}

	// 7. Agent registry, seeded from an optional agents.yaml
	registry := session.NewRegistry(log)
	if agentsFile := os.Getenv("A2AHOST_AGENTS_FILE"); agentsFile != "" {
		if err := registry.LoadFromFile(agentsFile); err != nil {
			log.Warn("Failed to load agent descriptors file", zap.String("path", agentsFile), zap.Error(err))
		}
	}
	sessions := session.NewSessionStore()

	// 7b. Optional dev-mode reference agent container (SPEC_FULL.md §2.2),
	// off by default; never on the request hot path.
	var devLauncher *devagent.Launcher
	if cfg.DevAgent.Enabled {
		devLauncher, err = devagent.NewLauncher(cfg.DevAgent, log)
		if err != nil {
			log.Fatal("Failed to create dev agent launcher", zap.Error(err))
		}
		devURL, err := devLauncher.Start(ctx)
		if err != nil {
			log.Fatal("Failed to start dev agent container", zap.Error(err))
		}
		if err := registry.Register(&session.AgentDescriptor{
			Name:           cfg.DevAgent.AgentName,
			URLs:           session.AgentURLs{Dev: devURL},
			ApprovalPolicy: session.ApprovalAuto,
		}); err != nil {
			log.Fatal("Failed to register dev agent descriptor", zap.Error(err))
		}
		log.Info("Dev agent container registered", zap.String("agent", cfg.DevAgent.AgentName), zap.String("url", devURL))
	}

	// 8. Artifact store (local filesystem or Azure Blob, spec §4.2)
	artifactStore, err := artifact.NewArtifactStore(cfg.ArtifactStore, log, nil)
	if err != nil {
		log.Fatal("Failed to initialize artifact store", zap.Error(err))
	}

	// 9. Transport to remote agents (spec §4.3, §5)
	tr := transport.New(cfg.Transport, eventBus, artifactStore, log)

	// 10. HostOrchestrator (spec §4.6)
	model := llm.NewAnthropicModel(cfg.HostOrchestrator.AnthropicAPIKey, cfg.HostOrchestrator.Model, 4096)
	orch := orchestrator.New(model, tr, eventBus, cfg.HostOrchestrator, log, metricsReg)

	// 11. Scheduler (spec §4.5), driven by a WorkflowRunner over the same
	// transport/bus/registry the interactive path uses
	wfRunner := runner.New(store, registry, tr, eventBus, log, cfg.HostOrchestrator.MaxParallelAgentCalls)
	sched := scheduler.New(store, wfRunner, cfg.Scheduler, log, metricsReg)
	sched.Start(ctx)
	defer sched.Stop()

	// 12. WebSocket gateway + EventBus bridge
	gateway := websocket.NewGateway(log)
	go gateway.Hub.Run(ctx)
	bridge := websocket.NewBridge(eventBus, gateway.Hub, log)
	if err := bridge.Start(ctx); err != nil {
		log.Fatal("Failed to start WebSocket bridge", zap.Error(err))
	}

	// 13. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.CORS())

	transcriber := api.NewStubTranscriber()
	server := api.New(store, registry, sessions, orch, sched, artifactStore, transcriber, eventBus, cfg.Auth, true, log, metricsReg)
	server.SetupRoutes(router)
	gateway.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down A2A orchestration host...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if devLauncher != nil {
		if err := devLauncher.Stop(shutdownCtx); err != nil {
			log.Error("Dev agent container shutdown error", zap.Error(err))
		}
	}

	log.Info("A2A orchestration host stopped")
}
