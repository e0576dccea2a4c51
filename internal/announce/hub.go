package announce

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

type Subscription struct {
	ServiceID string
	CounterID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans events out to connected display clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	ServiceID string `json:"service_id"`
	CounterID string `json:"counter_id"`
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
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

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("encode event")
		return
	}
	h.Broadcast(payload, Subscription{ServiceID: event.ServiceID, CounterID: event.CounterID})
}

// Broadcast never blocks; clients whose buffer is full miss the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ServiceID != "" && meta.ServiceID != sub.ServiceID {
		return false
	}
	// Service-wide events have no counter and reach every counter display.
	if sub.CounterID != "" && meta.CounterID != "" && meta.CounterID != sub.CounterID {
		return false
	}
	return true
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
