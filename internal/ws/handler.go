package ws

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to frame subscriber connections and
// registers them with the broadcast registry.
type Handler struct {
	registry *broadcast.Registry
	logger   *zap.Logger
}

// NewHandler creates a Handler backed by registry.
func NewHandler(registry *broadcast.Registry, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// HandleWS handles GET /ws. Every accepted connection joins the active
// subscriber set until it disconnects or a delivery to it fails.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		connID: uuid.New().String(),
		logger: h.logger,
		done:   make(chan struct{}),
	}
	client.onGone = func(connID string) {
		h.registry.Remove(connID)
	}

	// Greeting so clients can log their identity before frames flow.
	// Enqueued before registration so no broadcast can get ahead of it.
	greeting, _ := json.Marshal(map[string]any{
		"type":         "connected",
		"connectionId": client.connID,
	})
	client.send <- greeting

	h.registry.Add(client)

	h.logger.Info("subscriber connected",
		zap.String("connID", client.connID),
		zap.String("remoteAddr", r.RemoteAddr),
	)

	go client.writePump()
	go client.readPump()
}
