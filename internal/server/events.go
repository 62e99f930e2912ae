package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 64
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 5 * time.Second
)

// The UI is served from a webview origin (tauri://, file://, custom schemes),
// so origin checks are left to the auth middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. replay=N sends the
// last N buffered events before live ones.
func (r *Router) handleEvents(c *gin.Context) {
	replay := queryInt(c, "replay", 0)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.deps.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Subscribe before replaying so nothing emitted in between is lost.
	ch, cancel := r.deps.Events.Subscribe(subscriberBuffer)
	defer cancel()

	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	replayed := map[string]struct{}{}
	if replay > 0 {
		for _, ev := range r.deps.Events.Recent(replay) {
			replayed[ev.ID] = struct{}{}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(writeWait))
				return
			}
			if _, dup := replayed[ev.ID]; dup {
				delete(replayed, ev.ID)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
