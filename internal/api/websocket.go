package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/yumelira/yumebox-go/internal/logging"
)

const (
	DefaultMaxClients = 16
	writeTimeout      = 5 * time.Second
)

// Event types for WebSocket broadcasts
const (
	EventTraffic         = "traffic"
	EventGroups          = "groups.update"
	EventCoreState       = "core.state"
	EventNetInfo         = "netinfo.update"
	EventProfileUpdated  = "profile.updated"
	EventProfileProgress = "profile.progress"
)

// Event is one message sent to websocket clients.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// TrafficEvent is the per-second traffic sample.
type TrafficEvent struct {
	Upload        int64  `json:"upload"`
	Download      int64  `json:"download"`
	TotalUpload   int64  `json:"total_upload"`
	TotalDownload int64  `json:"total_download"`
	Text          string `json:"text"`
}

// CoreStateEvent reports a core lifecycle change.
type CoreStateEvent struct {
	State string `json:"state"`
}

// ProfileProgressEvent reports download progress of a profile.
type ProfileProgressEvent struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// WebSocketHub manages WebSocket connections.
type WebSocketHub struct {
	maxClients int
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWebSocketHub creates a new WebSocket hub. maxClients <= 0 uses
// DefaultMaxClients.
func NewWebSocketHub(maxClients int) *WebSocketHub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &WebSocketHub{
		maxClients: maxClients,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		logger:     logging.WithComponent("websocket"),
	}
}

// Run delivers broadcasts until ctx ends, then closes every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.send(message)
		}
	}
}

func (h *WebSocketHub) send(message []byte) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := client.Write(message); err != nil {
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range failed {
		h.remove(client)
	}
}

func (h *WebSocketHub) add(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[ws] = true
	return true
}

func (h *WebSocketHub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ws]; ok {
		delete(h.clients, ws)
		ws.Close()
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for all connected clients. Events are dropped
// when the queue is full.
func (h *WebSocketHub) Broadcast(eventType string, data any) {
	msg := Event{
		Type:      eventType,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- jsonData:
	default:
		h.logger.Debug("event queue full, dropping event", "type", eventType)
	}
}

// ServeWS handles WebSocket connections.
func (h *WebSocketHub) ServeWS(ws *websocket.Conn) {
	if !h.add(ws) {
		_ = websocket.JSON.Send(ws, errorBody{Error: "too many clients"})
		ws.Close()
		return
	}
	defer h.remove(ws)

	// Keep connection alive and read messages (for ping/pong)
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
		if msg == "ping" {
			_ = websocket.Message.Send(ws, "pong")
		}
	}
}
