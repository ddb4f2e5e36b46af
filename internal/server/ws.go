package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/opsgrid/tagdvr/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Cross-origin upgrades are allowed: dashboards are served from other
// hosts, and access control on /ws is the bearer token checked by
// requireAuth before the upgrade, same as the REST routes. The feed is
// read-only; no state-changing operation rides the socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket streams poll events to one client. Each client sits
// behind its own bus subscription, so a slow client sheds its own events
// without affecting the poll loop or other clients.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe()
	metrics.Subscribers.Inc()
	log.Debug("websocket client connected", "id", sub.ID(), "remote", conn.RemoteAddr().String())

	defer func() {
		s.bus.Unsubscribe(sub)
		metrics.Subscribers.Dec()
		conn.Close()
		log.Debug("websocket client disconnected", "id", sub.ID(), "dropped", sub.Dropped())
	}()

	// Read loop handles close and pong control frames. Inbound data
	// frames are ignored; the feed is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
