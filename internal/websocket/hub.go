// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"seismo-gateway/internal/data"
)

const broadcastBuffer = 256

// message is the envelope every frame on the live feed uses.
type message struct {
	Type    string      `json:"type"` // "event" or "history"
	Payload interface{} `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts records to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	stopped    bool // guarded by mu; no client joins once set
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Debug("WebSocket client unregistered", zap.String("remote", client.remote()))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- msg:
				default:
					// slow consumer, drop it rather than stall the feed
					h.logger.Warn("WebSocket client send buffer full, removing", zap.String("remote", client.remote()))
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// RegisterClient reports false once the hub has stopped. The client is a
// member when it returns, so history can be queued right away.
func (h *Hub) RegisterClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[client] = true
	h.logger.Debug("WebSocket client registered", zap.String("remote", client.remote()))
	return true
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastRecord queues rec for every client. It never blocks ingestion:
// when the queue is full the record is dropped from the live feed.
func (h *Hub) BroadcastRecord(rec data.Record) {
	b, err := json.Marshal(message{Type: "event", Payload: rec})
	if err != nil {
		h.logger.Error("Error marshalling record for broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("Broadcast queue full, dropping record", zap.String("event_id", rec.EventID))
	}
}

// SendHistory queues recent records for a newly connected client. It reports
// false when the client already left or its buffer is full. Send is only
// closed under mu, so membership checked under the read lock keeps it open.
func (h *Hub) SendHistory(client *Client, records []data.Record) bool {
	b, err := json.Marshal(message{Type: "history", Payload: records})
	if err != nil {
		h.logger.Error("Error marshalling history", zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	select {
	case client.Send <- b:
		return true
	default:
		return false
	}
}
