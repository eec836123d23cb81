// Package websocket is the event streaming fabric's client-facing gateway:
// it upgrades HTTP to WebSocket and fans EventBus events out to clients
// subscribed to a session or session::conversation context.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/logger"
	ws "github.com/a2aflow/host/pkg/websocket"
)

// HistoricalEventsProvider retrieves buffered events for a context a client
// just subscribed to, so it can catch up on anything published before it
// connected.
type HistoricalEventsProvider func(ctx context.Context, contextKey string) ([]*ws.Message, error)

// Hub manages all WebSocket client connections and their context
// subscriptions.
type Hub struct {
	clients map[*Client]bool

	// contextSubscribers maps a context key (session ID, or
	// "<session_id>::<conversation>") to the clients subscribed to it.
	contextSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	historicalEventsProvider HistoricalEventsProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		contextSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.contextSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for key := range client.subscriptions {
			if clients, ok := h.contextSubscribers[key]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.contextSubscribers, key)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.trySend(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) { h.broadcast <- msg }

// BroadcastToContext sends a notification to clients subscribed to
// contextKey. Per the event routing rule, a subscriber to a bare session ID
// also receives events whose context key is "<session_id>::<conversation>";
// callers pass every context key an event matches (see MatchingContextKeys).
func (h *Hub) BroadcastToContext(contextKey string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.contextSubscribers[contextKey]
	h.mu.RUnlock()

	for client := range clients {
		client.trySend(data)
	}
}

// SubscribeToContext subscribes a client to events for a context key.
func (h *Hub) SubscribeToContext(client *Client, contextKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.contextSubscribers[contextKey]; !ok {
		h.contextSubscribers[contextKey] = make(map[*Client]bool)
	}
	h.contextSubscribers[contextKey][client] = true
	client.subscriptions[contextKey] = true

	h.logger.Debug("client subscribed to context",
		zap.String("client_id", client.ID), zap.String("context_key", contextKey))
}

// UnsubscribeFromContext removes a client's subscription to a context key.
func (h *Hub) UnsubscribeFromContext(client *Client, contextKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, contextKey)
	if clients, ok := h.contextSubscribers[contextKey]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.contextSubscribers, contextKey)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher { return h.dispatcher }

// SetHistoricalEventsProvider sets the provider consulted on subscribe.
func (h *Hub) SetHistoricalEventsProvider(provider HistoricalEventsProvider) {
	h.historicalEventsProvider = provider
}

// GetHistoricalEvents retrieves buffered events for a context if a provider
// is configured.
func (h *Hub) GetHistoricalEvents(ctx context.Context, contextKey string) ([]*ws.Message, error) {
	if h.historicalEventsProvider == nil {
		return nil, nil
	}
	return h.historicalEventsProvider(ctx, contextKey)
}
