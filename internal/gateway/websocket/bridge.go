package websocket

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	ws "github.com/a2aflow/host/pkg/websocket"
)

// Bridge subscribes the hub to the EventBus and republishes matching events
// to WebSocket clients, implementing the session/context partition rule: an
// event on subject "events.<session_id>.<context_id>" reaches clients
// subscribed to either the bare session ID or the full context key.
type Bridge struct {
	hub    *Hub
	eb     bus.EventBus
	logger *logger.Logger
}

// NewBridge creates a Bridge wired to eb and hub.
func NewBridge(eb bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{hub: hub, eb: eb, logger: log.WithFields(zap.String("component", "ws_bridge"))}
}

// Start subscribes to all session subjects until ctx is canceled.
func (br *Bridge) Start(ctx context.Context) error {
	sub, err := br.eb.Subscribe("events.>", br.handle)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (br *Bridge) handle(ctx context.Context, e *bus.Event) error {
	sessionID, contextID := parseEventSubjectData(e)
	if sessionID == "" {
		return nil
	}

	msg, err := ws.NewNotification(ws.ActionEvent, e.Data)
	if err != nil {
		return err
	}
	msg.Timestamp = time.Now().UTC()

	for _, key := range MatchingContextKeys(sessionID, contextID) {
		br.hub.BroadcastToContext(key, msg)
	}
	return nil
}

// parseEventSubjectData extracts session/context IDs carried in event.Data.
func parseEventSubjectData(e *bus.Event) (sessionID, contextID string) {
	data, ok := e.Data["_routing"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	sessionID, _ = data["session_id"].(string)
	contextID, _ = data["context_id"].(string)
	return sessionID, contextID
}

// MatchingContextKeys returns every context key a subscriber could be
// listening on that this event satisfies: the bare session ID, and (if
// contextID is scoped under it) the full "session::conversation" key.
func MatchingContextKeys(sessionID, contextID string) []string {
	keys := []string{sessionID}
	if contextID != "" && contextID != sessionID && strings.HasPrefix(contextID, sessionID+"::") {
		keys = append(keys, contextID)
	}
	return keys
}
