// Package ws streams lifecycle events to frontend clients over a
// websocket. The stream is one-way; clients only send pings.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; the desktop shell is the caller
		return true
	},
}

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades connections and fans the event bus out to them
type Handler struct {
	bus    *events.Bus
	logger *logging.Logger
}

// NewHandler creates a websocket handler over the bus
func NewHandler(bus *events.Bus, logger *logging.Logger) *Handler {
	return &Handler{bus: bus, logger: logger.Component("ws")}
}

// HandleConnection upgrades one client and streams events until it leaves
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	// Reader: the client sends nothing meaningful; this loop exists to
	// notice disconnects and answer protocol pings.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("client write failed, dropping connection", zap.Error(err))
				return
			}
		}
	}
}
