package proxy

import (
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/driftware/chatbridge/pkg/accounts"
)

var poolEventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint already sits behind API token auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventHub fans pool state changes out to connected websocket clients.
type eventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{conns: map[*websocket.Conn]struct{}{}}
}

func (h *eventHub) Broadcast(ev accounts.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(ev); err != nil {
			_ = conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *eventHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		_ = conn.Close()
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}

// handlePoolEvents streams pool state changes over a websocket until the
// client goes away. Incoming messages are drained and discarded.
func (s *Server) handlePoolEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := poolEventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("pool events upgrade failed", "err", err)
		return
	}
	s.events.add(conn)
	defer s.events.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
