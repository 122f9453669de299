package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"facewatch/internal/pipeline"
)

// Hub fans recognition and window events out to WebSocket subscribers.
// There is a single camera, so all clients share one set.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
}

// DetectionMessage is pushed once per recognized frame that had faces.
type DetectionMessage struct {
	Type       string               `json:"type"` // "faces"
	Timestamp  int64                `json:"timestamp"`
	Detections []pipeline.Detection `json:"detections"`
}

// WindowMessage is pushed on every window state change.
type WindowMessage struct {
	Type      string `json:"type"` // "window"
	State     string `json:"state"`
	Forced    bool   `json:"forced"`
	Timestamp int64  `json:"timestamp"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The UI is served from the same origin; LAN tools may not
			// send one at all.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the client
// goes away. Incoming messages are drained and ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	log.Printf("[WS] client registered (total: %d)", len(h.clients))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		log.Printf("[WS] client unregistered (total: %d)", len(h.clients))
	}
}

// HasClients reports whether anyone is listening. Callers use it to skip
// marshaling when nobody is connected.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastDetections pushes the frame's detections to all clients.
func (h *Hub) BroadcastDetections(ts time.Time, dets []pipeline.Detection) {
	if !h.HasClients() {
		return
	}
	h.broadcast(DetectionMessage{Type: "faces", Timestamp: ts.Unix(), Detections: dets})
}

// BroadcastWindow pushes a window state change to all clients.
func (h *Hub) BroadcastWindow(ts time.Time, state pipeline.WindowState, forced bool) {
	if !h.HasClients() {
		return
	}
	h.broadcast(WindowMessage{Type: "window", State: state.String(), Forced: forced, Timestamp: ts.Unix()})
}

func (h *Hub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] marshal broadcast: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[WS] send failed, dropping client: %v", err)
			h.unregister(conn)
			conn.Close()
		}
	}
}
