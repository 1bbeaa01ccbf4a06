// Package ws fans broker events out to frontend WebSocket connections,
// keyed by session id. Delivery is best-effort: a connection that fails a
// write or misses the write deadline is dropped.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxConnections = 200
	writeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Every origin is accepted. The router's CORS layer only sets response
	// headers; it does not reject cross-origin upgrades.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks WebSocket connections per session.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn -> session id
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]string)}
}

// Serve upgrades the request and keeps the connection registered for the
// session until the peer goes away. Blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxConnections {
		h.mu.Unlock()
		_ = conn.Close()
		slog.Warn("websocket connection rejected", "max_connections", maxConnections)
		return
	}
	h.clients[conn] = sessionID
	total := len(h.clients)
	h.mu.Unlock()
	slog.Info("websocket client registered", "session_id", sessionID, "total", total)

	// Drain (and discard) inbound frames so pings and closes are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

// Publish sends the payload to every connection registered for the
// session. Writes are serialized under the hub lock (gorilla connections
// allow a single writer); connections that miss the write deadline are
// dropped.
func (h *Hub) Publish(sessionID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, sid := range h.clients {
		if sid != sessionID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			slog.Warn("websocket write failed, dropping client", "session_id", sessionID, "error", err)
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

// Close shuts down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}
