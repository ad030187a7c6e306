package handler

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/awsl-project/agw/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans gateway events out to websocket subscribers. Implements
// event.Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]chan []byte
}

func NewHub() *Hub {
	return &Hub{conns: map[*websocket.Conn]chan []byte{}}
}

func (h *Hub) broadcast(eventType string, payload interface{}) {
	data, err := sonic.Marshal(map[string]interface{}{
		"type":      eventType,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.conns {
		select {
		case ch <- data:
		default:
			// slow subscriber: drop rather than block the gateway
		}
	}
}

func (h *Hub) BroadcastRequestStarted(pr *domain.ProxyRequest)   { h.broadcast("request_started", pr) }
func (h *Hub) BroadcastRequestUpdated(pr *domain.ProxyRequest)   { h.broadcast("request_updated", pr) }
func (h *Hub) BroadcastRequestCompleted(pr *domain.ProxyRequest) { h.broadcast("request_completed", pr) }
func (h *Hub) BroadcastLog(line string)                          { h.broadcast("log", line) }

func (h *Hub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		close(ch)
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// handleWebSocket upgrades and serves one subscriber.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	// reader: only consumed to detect close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
