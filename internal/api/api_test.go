package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/a2aflow/host/internal/artifact"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/orchestrator"
	"github.com/a2aflow/host/internal/orchestrator/llm"
	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/pkg/a2a"
)

type noopModel struct{}

func (noopModel) RunTurn(ctx context.Context, in llm.TurnInput) (*llm.TurnResult, error) {
	return &llm.TurnResult{Done: true, FinalText: "ok"}, nil
}

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, agent *session.EnabledAgent, sessionID, contextID string, parts []a2a.Part, opts transport.SendOptions) (*a2a.AgentReply, error) {
	return &a2a.AgentReply{Text: "ok"}, nil
}
func (noopTransport) Resume(resp transport.HumanResponse) error { return nil }

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, isolatedSessionID, workflowID string) (string, error) {
	return "ok", nil
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{JWTSecret: "test-secret", TokenDuration: 3600}
}

// newTestServer builds a Server wired against a temp-dir SQLite store and
// local-filesystem artifact store, with in-memory orchestrator/scheduler
// collaborators, for exercising the HTTP surface end to end.
func newTestServer(t *testing.T) (*Server, repo.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := repo.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifacts, err := artifact.NewArtifactStore(config.ArtifactStoreConfig{
		LocalBasePath: t.TempDir(),
	}, logger.Default(), nil)
	require.NoError(t, err)

	registry := session.NewRegistry(logger.Default())
	sessions := session.NewSessionStore()
	eb := bus.NewMemoryEventBus(logger.Default())

	orch := orchestrator.New(noopModel{}, noopTransport{}, eb,
		config.HostOrchestratorConfig{MaxIterations: 3, TurnTimeoutS: 5, MaxParallelAgentCalls: 2},
		logger.Default(), nil)
	sched := scheduler.New(store, noopRunner{}, config.SchedulerConfig{
		ProcessIntervalS: 60, MaxConcurrent: 5, RetryLimit: 1, RetryDelayS: 1, MaxScheduledTimeoutS: 60,
	}, logger.Default(), nil)

	s := New(store, registry, sessions, orch, sched, artifacts, NewStubTranscriber(), eb, testAuthConfig(), true, logger.Default(), nil)
	return s, store
}

func newTestRouter(t *testing.T) (*gin.Engine, *Server) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.SetupRoutes(router)
	return router, s
}

func doRequest(router *gin.Engine, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["websocket_enabled"])
}

func TestRegisterAndLogin(t *testing.T) {
	router, _ := newTestRouter(t)

	registerBody, _ := json.Marshal(registerRequest{Email: "a@example.com", Password: "hunter2pass", Name: "Ada"})
	rec := doRequest(router, http.MethodPost, "/api/auth/register", "", registerBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var reg authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.Token)
	require.Equal(t, "a@example.com", reg.Email)

	loginBody, _ := json.Marshal(loginRequest{Email: "a@example.com", Password: "hunter2pass"})
	rec = doRequest(router, http.MethodPost, "/api/auth/login", "", loginBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var login authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.Equal(t, reg.UserID, login.UserID)
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	registerBody, _ := json.Marshal(registerRequest{Email: "b@example.com", Password: "correcthorse", Name: "Bea"})
	require.Equal(t, http.StatusCreated, doRequest(router, http.MethodPost, "/api/auth/register", "", registerBody).Code)

	loginBody, _ := json.Marshal(loginRequest{Email: "b@example.com", Password: "wrongpass"})
	rec := doRequest(router, http.MethodPost, "/api/auth/login", "", loginBody)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoute_RequiresBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func authToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	body, _ := json.Marshal(registerRequest{Email: "agents-user@example.com", Password: "hunter2pass", Name: "Agents User"})
	rec := doRequest(router, http.MethodPost, "/api/auth/register", "", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	return reg.Token
}

func TestAgentCRUD(t *testing.T) {
	router, _ := newTestRouter(t)
	token := authToken(t, router)

	createBody, _ := json.Marshal(agentRequest{Name: "researcher", DevURL: "http://localhost:9001", Capabilities: []string{"search"}})
	rec := doRequest(router, http.MethodPost, "/api/agents", token, createBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/agents", token, createBody)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/agents/researcher", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodDelete, "/api/agents/researcher", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/agents/researcher", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadListDeleteFile(t *testing.T) {
	router, _ := newTestRouter(t)
	token := authToken(t, router)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello upload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Session-ID", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var art artifact.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &art))
	require.NotEmpty(t, art.ArtifactID)

	rec = doRequest(router, http.MethodGet, "/api/files?session_id=sess-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var files []*repo.AgentFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	require.Equal(t, art.ArtifactID, files[0].FileID)

	rec = doRequest(router, http.MethodDelete, "/api/files/"+art.ArtifactID+"?session_id=sess-1", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/files?session_id=sess-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Empty(t, files)
}
