package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/pkg/logger"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// WebSocketHandler streams queue item status changes to connected clients.
type WebSocketHandler struct {
	events *queue.Broadcaster
}

func NewWebSocketHandler(events *queue.Broadcaster) *WebSocketHandler {
	return &WebSocketHandler{events: events}
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	events, unsubscribe := h.events.Subscribe()
	documentFilter := c.Query("document_id")
	logger.Info("WebSocket connection established", zap.Int("subscribers", h.events.Subscribers()))

	defer func() {
		unsubscribe()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// the read loop only notices disconnects; clients send nothing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.send(c, fiber.Map{"type": "hello", "time": time.Now()})

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if documentFilter != "" && ev.DocumentID != documentFilter {
				continue
			}
			if err := h.send(c, fiber.Map{"type": "queue_item", "event": ev}); err != nil {
				logger.Debug("Failed to write WebSocket event", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg interface{}) error {
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteJSON(msg)
}
