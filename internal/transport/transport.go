// Package transport implements the A2A outbound envelope, SSE stream
// ingestion, tool-call approval loop, and human escalation (spec §4.3).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/artifact"
	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/pkg/a2a"
)

// SendOptions customizes one Transport.Send call (spec §4.3 Contract).
type SendOptions struct {
	TimeoutS           int
	CollectArtifacts   bool
	WorkflowText       string
	WorkflowGoal       string
	AvailableWorkflows []a2a.WorkflowRef
}

// HumanResponse resumes a Task parked in input_required after its agent
// replied with the escalation sentinel.
type HumanResponse struct {
	TaskID string
	Text   string
}

// Transport sends A2A messages to remote agents and streams their responses
// onto the EventBus (spec §4.3).
type Transport interface {
	Send(ctx context.Context, agent *session.EnabledAgent, sessionID, contextID string, parts []a2a.Part, opts SendOptions) (*a2a.AgentReply, error)
	Resume(resp HumanResponse) error
}

// httpTransport is the concrete Transport backed by net/http + SSE.
type httpTransport struct {
	client  *http.Client
	bus     bus.EventBus
	store   artifact.Store
	cfg     config.TransportConfig
	logger  *logger.Logger

	mu       sync.Mutex
	pending  map[string]chan HumanResponse // taskID -> waiter, for input_required resume
}

// New builds the default Transport.
func New(cfg config.TransportConfig, eb bus.EventBus, store artifact.Store, log *logger.Logger) Transport {
	return &httpTransport{
		client: &http.Client{
			Timeout: time.Duration(cfg.ReadTimeoutS) * time.Second,
		},
		bus:     eb,
		store:   store,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "transport")),
		pending: make(map[string]chan HumanResponse),
	}
}

// NormalizeParts ensures every outbound FilePart carries an HTTPS URI,
// uploading raw bytes through the ArtifactStore first when necessary (spec
// §4.3 sub-responsibility 2).
func NormalizeParts(ctx context.Context, store artifact.Store, sessionID string, parts []a2a.Part, raw map[string][]byte) ([]a2a.Part, error) {
	out := make([]a2a.Part, len(parts))
	for i, p := range parts {
		if p.Kind != a2a.PartKindFile || p.File == nil || p.File.URI != "" {
			out[i] = p
			continue
		}
		data, ok := raw[p.File.Name]
		if !ok {
			return nil, apperror.New(apperror.KindValidation, "file part missing uri and raw bytes: "+p.File.Name)
		}
		art, err := store.Put(ctx, sessionID, p.File.Name, data, p.File.MimeType, artifact.PutOptions{Role: p.File.Role})
		if err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "upload outbound file part", err)
		}
		file := *p.File
		file.URI = art.URI
		out[i] = a2a.Part{Kind: a2a.PartKindFile, File: &file}
	}
	return out, nil
}

func (t *httpTransport) Send(ctx context.Context, agent *session.EnabledAgent, sessionID, contextID string, parts []a2a.Part, opts SendOptions) (*a2a.AgentReply, error) {
	timeout := time.Duration(opts.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(t.cfg.ReadTimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envelope := a2a.SendEnvelope{Params: a2a.SendParams{
		MessageID:              uuid.New().String(),
		ContextID:              contextID,
		Role:                   "user",
		Parts:                  parts,
		AgentMode:              true,
		EnableInterAgentMemory: true,
		Workflow:               opts.WorkflowText,
		AvailableWorkflows:     opts.AvailableWorkflows,
	}}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "marshal a2a envelope", err)
	}

	resp, err := t.postWithRetry(ctx, agent.ChosenURL+"/message/send", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, apperror.New(apperror.KindAgentUnreachable,
			fmt.Sprintf("agent %s returned HTTP %d: %s", agent.Agent.Name, resp.StatusCode, string(data)))
	}

	task := NewTask(uuid.New().String(), contextID)
	t.publish(sessionID, contextID, a2a.EventTaskCreated, map[string]interface{}{"task_id": task.TaskID, "agent": agent.Agent.Name})

	reply, err := t.consumeStream(ctx, task, sessionID, contextID, agent, resp.Body)
	if err != nil {
		task.Fail(err.Error())
		t.publish(sessionID, contextID, a2a.EventTaskUpdated, map[string]interface{}{"task_id": task.TaskID, "state": task.State()})
		return nil, err
	}
	return reply, nil
}

// postWithRetry retries connection-level failures with exponential back-off
// (base 2s, cap 45s, max_retries 3 — spec §4.3 Contract).
func (t *httpTransport) postWithRetry(ctx context.Context, url string, body []byte) (*http.Response, error) {
	base := time.Duration(t.cfg.RetryBaseDelayS) * time.Second
	cap := time.Duration(t.cfg.RetryCapDelayS) * time.Second
	maxRetries := t.cfg.MaxRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Min(float64(cap), float64(base)*math.Pow(2, float64(attempt-1))))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperror.Wrap(apperror.KindTimeout, "agent send canceled during backoff", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "build agent request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := t.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		t.logger.Warn("agent send attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	if ctx.Err() != nil {
		return nil, apperror.Wrap(apperror.KindTimeout, "agent send timed out", ctx.Err())
	}
	return nil, apperror.Wrap(apperror.KindAgentUnreachable, "agent unreachable after retries", lastErr)
}

func (t *httpTransport) publish(sessionID, contextID string, eventType a2a.EventType, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["_routing"] = events.Routing(sessionID, contextID)
	evt := bus.NewEvent(string(eventType), "transport", data)
	if err := t.bus.Publish(context.Background(), events.Subject(sessionID, contextID), evt); err != nil {
		t.logger.Warn("publish event failed", zap.Error(err), zap.String("event_type", string(eventType)))
	}
}

func (t *httpTransport) Resume(resp HumanResponse) error {
	t.mu.Lock()
	ch, ok := t.pending[resp.TaskID]
	t.mu.Unlock()
	if !ok {
		return apperror.New(apperror.KindNotFound, "no pending task awaiting resume: "+resp.TaskID)
	}
	ch <- resp
	return nil
}

func (t *httpTransport) waitForResume(ctx context.Context, taskID string) (HumanResponse, error) {
	ch := make(chan HumanResponse, 1)
	t.mu.Lock()
	t.pending[taskID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, taskID)
		t.mu.Unlock()
	}()

	timeout := time.Duration(t.cfg.HumanEscalationTimeoutS) * time.Second
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return HumanResponse{}, apperror.New(apperror.KindHumanEscalationTimeout, "no human response within timeout")
	case <-ctx.Done():
		return HumanResponse{}, apperror.Wrap(apperror.KindTimeout, "resume wait canceled", ctx.Err())
	}
}
