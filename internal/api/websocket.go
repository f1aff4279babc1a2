package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
)

// ProgressHub broadcasts per-row upload progress to every connected
// browser tab. Implements the orchestrator's Publisher interface.
type ProgressHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		upgrader: websocket.Upgrader{
			// Local tool; the frontend may be served from a dev server
			// on a different port.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// HandleProgressWS upgrades the connection and keeps it subscribed
// until the client goes away.
func (hub *ProgressHub) HandleProgressWS(c echo.Context) error {
	ws, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	hub.mu.Lock()
	hub.conns[ws] = struct{}{}
	hub.mu.Unlock()

	defer func() {
		hub.mu.Lock()
		delete(hub.conns, ws)
		hub.mu.Unlock()
		ws.Close()
	}()

	// Drain client frames; the hub only pushes. A read error means the
	// tab closed.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return nil
		}
	}
}

// Publish sends an event to every subscriber. Dead connections are
// dropped on write failure.
func (hub *ProgressHub) Publish(ev models.ProgressEvent) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ws := range hub.conns {
		ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(ev); err != nil {
			delete(hub.conns, ws)
			ws.Close()
		}
	}
}

// Subscribers reports how many tabs are connected.
func (hub *ProgressHub) Subscribers() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.conns)
}
