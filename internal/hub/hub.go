// Package hub fans live queue state out to connected panel and attendant screens.
package hub

import (
	"encoding/json"
	"expvar"
	"log/slog"
	"sync"
)

type Subscription struct {
	ServiceID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	panel   []byte
	queues  map[string][]byte
	logger  *slog.Logger
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	ServiceID string `json:"service_id"`
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		queues:  make(map[string][]byte),
		logger:  logger,
	}
}

// Register adds the client and replays the latest panel state to it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	if h.panel != nil {
		h.sendLocked(client, h.panel)
	}
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// UpdateSubscription narrows the client to one service and replays that
// service's latest queue snapshot.
func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
	if sub.ServiceID == "" {
		return
	}
	if payload, ok := h.queues[sub.ServiceID]; ok {
		h.sendLocked(client, payload)
	}
}

// Broadcast sends to clients whose subscription matches serviceID. An empty
// serviceID reaches every client.
func (h *Hub) Broadcast(payload []byte, serviceID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, serviceID) {
			continue
		}
		h.sendLocked(client, payload)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Var exposes the connected client count, for publishing under /metrics.
func (h *Hub) Var() expvar.Var {
	return expvar.Func(func() any { return h.ClientCount() })
}

func (h *Hub) sendLocked(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		h.logger.Warn("drop message for client", "client_id", client.ID)
	}
}

func match(sub Subscription, serviceID string) bool {
	if serviceID == "" || sub.ServiceID == "" {
		return true
	}
	return sub.ServiceID == serviceID
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
